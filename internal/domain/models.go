package domain

import (
	"time"

	"github.com/google/uuid"
)

// JobStatus represents the lifecycle state of a conversion job.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Terminal reports whether the status is a final state.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// JobOptions carries the per-submission knobs for a conversion job.
type JobOptions struct {
	// ThumbnailSize constrains the long edge of the generated thumbnail,
	// in pixels. Zero selects the default.
	ThumbnailSize int
	// ThumbnailOversample is the super-sampling multiplier applied before
	// the final downscale. Zero selects the default (3).
	ThumbnailOversample int
	// EnableOCR runs text extraction on every rendered page.
	EnableOCR bool
	// Languages is a list of language hints forwarded to the OCR backend.
	Languages []string
	// OutputPrefix is prepended to every storage key written for this job.
	OutputPrefix string
}

// Job tracks a single submitted file through the pipeline. It is owned by
// the scheduler; only the worker running it mutates it, and it is immutable
// once the status is terminal.
type Job struct {
	ID          uuid.UUID
	InputPath   string
	Options     JobOptions
	Status      JobStatus
	SubmittedAt time.Time
	StartedAt   time.Time
	CompletedAt time.Time
	Result      *ProcessingResult
}

// ImageFile describes the normalized output produced for one input file.
type ImageFile struct {
	OriginalPath     string
	FileName         string
	OriginalFormat   string
	Width            int
	Height           int
	IsMultiPage      bool
	PageCount        int
	ConvertedPNGPath string
	ThumbnailPath    string
	SplitPagePaths   []string
}

// ProcessingMetrics records per-stage wall-clock durations. Each stage is
// timed independently so a slow stage is diagnosable; Total includes
// orchestration overhead and is not simply the sum of the stages.
type ProcessingMetrics struct {
	FileLoad   time.Duration
	Decode     time.Duration
	Conversion time.Duration
	Thumbnail  time.Duration
	OCR        time.Duration
	Total      time.Duration
}

// ProcessingResult is the terminal value of a job. It is never mutated
// after the conversion engine returns it.
type ProcessingResult struct {
	Success        bool
	Message        string
	ProcessedImage *ImageFile
	SplitPages     []string
	ProcessingTime time.Duration
	Metrics        *ProcessingMetrics
	ExtractedText  string
	Err            error
}

// ProgressStatus identifies a discrete step in the pipeline.
type ProgressStatus string

const (
	ProgressStarting            ProgressStatus = "starting"
	ProgressLoadingFile         ProgressStatus = "loading_file"
	ProgressProcessingFile      ProgressStatus = "processing_file"
	ProgressConvertingPage      ProgressStatus = "converting_page"
	ProgressGeneratingThumbnail ProgressStatus = "generating_thumbnail"
	ProgressCompleted           ProgressStatus = "completed"
	ProgressFailed              ProgressStatus = "failed"
)

// Terminal reports whether no further reports will follow for the job.
func (s ProgressStatus) Terminal() bool {
	return s == ProgressCompleted || s == ProgressFailed
}

// ProgressReport is one entry in a job's append-only progress stream.
// Reports for a single job are causally ordered by emission.
type ProgressReport struct {
	JobID              uuid.UUID      `json:"job_id"`
	FileName           string         `json:"file_name"`
	Status             ProgressStatus `json:"status"`
	CurrentFile        int            `json:"current_file"`
	TotalFiles         int            `json:"total_files"`
	CurrentPage        int            `json:"current_page"`
	TotalPages         int            `json:"total_pages"`
	ProgressPercentage float64        `json:"progress_percentage"`
	Timestamp          time.Time      `json:"timestamp"`
	ErrorMessage       string         `json:"error_message,omitempty"`
}

// OCRResult is the output of one text extraction call.
type OCRResult struct {
	Text       string
	Confidence float64
	Duration   time.Duration
}
