// Package scheduler runs conversion jobs on a bounded worker pool. Jobs
// are queued FIFO, each runs to completion on one worker, and job state is
// owned exclusively by the scheduler.
package scheduler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pagemill/pagemill/internal/config"
	"github.com/pagemill/pagemill/internal/convert"
	"github.com/pagemill/pagemill/internal/domain"
	"github.com/pagemill/pagemill/internal/observability"
)

// legacyTempDirPrefix is the scratch naming scheme of the previous
// implementation. Sweeps cover it so upgrades do not strand old dirs.
const legacyTempDirPrefix = "docconvert-"

// sweepMinAge guards the sweep against deleting scratch space belonging to
// a concurrently running job.
const sweepMinAge = time.Hour

// ErrQueueFull is returned by Submit when the queue cannot take more jobs.
var ErrQueueFull = domain.BackendError("job queue is full", nil)

// ErrNotFound is returned when a job id is unknown.
var ErrNotFound = domain.InputError("job not found", nil)

type task struct {
	job *domain.Job
	cfg config.Config
	ctx context.Context
}

// Scheduler owns the job table and the worker pool.
type Scheduler struct {
	engine domain.Converter
	sink   domain.ProgressSink
	cfg    config.Config
	log    *observability.Logger

	mu      sync.RWMutex
	jobs    map[uuid.UUID]*domain.Job
	cancels map[uuid.UUID]context.CancelFunc

	queue  chan task
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a scheduler. Start must be called before submissions are
// processed.
func New(engine domain.Converter, sink domain.ProgressSink, cfg config.Config, log *observability.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		engine:  engine,
		sink:    sink,
		cfg:     cfg,
		log:     log.WithComponent("scheduler"),
		jobs:    make(map[uuid.UUID]*domain.Job),
		cancels: make(map[uuid.UUID]context.CancelFunc),
		queue:   make(chan task, cfg.Scheduler.QueueSize),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start launches the worker pool.
func (s *Scheduler) Start() {
	s.mu.RLock()
	workers := s.cfg.Scheduler.Workers
	s.mu.RUnlock()
	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
	s.log.Info().Int("workers", workers).Msg("Worker pool started")
}

// Stop cancels all work and waits for the workers to drain.
func (s *Scheduler) Stop() {
	s.cancel()
	close(s.queue)
	s.wg.Wait()
	s.log.Info().Msg("Worker pool stopped")
}

// Submit validates the request, captures an immutable config snapshot and
// queues a job. Validation failures surface here, before any worker is
// dispatched. Queued jobs are dispatched in FIFO order.
func (s *Scheduler) Submit(inputPath string, opts domain.JobOptions) (uuid.UUID, error) {
	if strings.TrimSpace(inputPath) == "" {
		return uuid.Nil, domain.InputError("input path cannot be empty", nil)
	}

	s.mu.RLock()
	snapshot := s.cfg.Snapshot()
	s.mu.RUnlock()
	if err := snapshot.Storage.Validate(); err != nil {
		return uuid.Nil, domain.ConfigError("storage configuration is invalid", err)
	}

	job := &domain.Job{
		ID:          uuid.New(),
		InputPath:   inputPath,
		Options:     opts,
		Status:      domain.JobQueued,
		SubmittedAt: time.Now(),
	}
	if job.Options.OutputPrefix == "" {
		job.Options.OutputPrefix = job.ID.String()
	}

	jobCtx, jobCancel := context.WithCancel(s.ctx)

	s.mu.Lock()
	s.jobs[job.ID] = job
	s.cancels[job.ID] = jobCancel
	s.mu.Unlock()

	select {
	case s.queue <- task{job: job, cfg: snapshot, ctx: jobCtx}:
	default:
		jobCancel()
		s.mu.Lock()
		delete(s.jobs, job.ID)
		delete(s.cancels, job.ID)
		s.mu.Unlock()
		return uuid.Nil, ErrQueueFull
	}

	s.log.Info().Str("job_id", job.ID.String()).Str("input", inputPath).Msg("Job queued")
	return job.ID, nil
}

// Reconfigure replaces the configuration captured by future submissions.
// Jobs already submitted keep the snapshot taken at submission time, and
// the worker pool and queue keep their construction-time sizing.
func (s *Scheduler) Reconfigure(cfg config.Config) error {
	if err := cfg.Validate(); err != nil {
		return domain.ConfigError("invalid configuration", err)
	}
	s.mu.Lock()
	cfg.Scheduler = s.cfg.Scheduler
	s.cfg = cfg
	s.mu.Unlock()
	s.log.Info().Msg("Configuration replaced for future submissions")
	return nil
}

// Cancel requests cooperative cancellation of a queued or running job.
func (s *Scheduler) Cancel(jobID uuid.UUID) error {
	s.mu.RLock()
	cancel, ok := s.cancels[jobID]
	s.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}
	cancel()
	return nil
}

// Job returns a copy of the job's current state.
func (s *Scheduler) Job(jobID uuid.UUID) (domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return domain.Job{}, ErrNotFound
	}
	return *job, nil
}

// Jobs returns copies of all known jobs.
func (s *Scheduler) Jobs() []domain.Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, *job)
	}
	return out
}

func (s *Scheduler) worker(id int) {
	defer s.wg.Done()
	log := s.log.WithComponent(fmt.Sprintf("worker-%d", id))
	log.Debug().Msg("Worker started")

	for {
		select {
		case <-s.ctx.Done():
			log.Debug().Msg("Worker shutting down")
			return
		case t, ok := <-s.queue:
			if !ok {
				return
			}
			s.run(t, log)
		}
	}
}

// run drives one job to a terminal state. No error or panic escapes.
func (s *Scheduler) run(t task, log *observability.Logger) {
	job := t.job
	log = log.WithJob(job.ID.String())

	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("panic", fmt.Sprint(r)).Msg("Worker panicked, failing job")
			s.finalize(job, &domain.ProcessingResult{
				Success: false,
				Message: fmt.Sprintf("internal error: %v", r),
				Err:     domain.BackendError(fmt.Sprintf("panic: %v", r), nil),
			}, log)
		}
	}()

	// A job cancelled while still queued goes straight to Failed.
	if err := t.ctx.Err(); err != nil {
		s.transition(job, domain.JobRunning)
		s.finalize(job, &domain.ProcessingResult{
			Success: false,
			Message: "cancelled before start",
			Err:     domain.CancelledError("cancelled before start", err),
		}, log)
		return
	}

	s.transition(job, domain.JobRunning)
	log.Info().Str("input", job.InputPath).Msg("Job started")

	emit := func(status domain.ProgressStatus, currentPage, totalPages int, msg string) {
		s.sink.Publish(domain.ProgressReport{
			JobID:              job.ID,
			FileName:           filepath.Base(job.InputPath),
			Status:             status,
			CurrentFile:        1,
			TotalFiles:         1,
			CurrentPage:        currentPage,
			TotalPages:         totalPages,
			ProgressPercentage: percentage(status, currentPage, totalPages),
			Timestamp:          time.Now(),
			ErrorMessage:       msg,
		})
	}

	result := s.engine.Process(t.ctx, job.InputPath, effectiveOptions(job.Options, t.cfg), emit)
	s.finalize(job, result, log)
}

// effectiveOptions fills unset submission options from the config snapshot
// the job captured at submission. The snapshot decides, not the current
// configuration: a Reconfigure between submission and dispatch must not
// change what a queued job does.
func effectiveOptions(opts domain.JobOptions, cfg config.Config) domain.JobOptions {
	if opts.ThumbnailSize == 0 {
		opts.ThumbnailSize = cfg.Thumbnail.TargetSize
	}
	if opts.ThumbnailOversample == 0 {
		opts.ThumbnailOversample = cfg.Thumbnail.Oversample
	}
	if !opts.EnableOCR {
		opts.EnableOCR = cfg.OCR.Enabled
	}
	if len(opts.Languages) == 0 {
		opts.Languages = cfg.OCR.Languages
	}
	return opts
}

func (s *Scheduler) transition(job *domain.Job, status domain.JobStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job.Status = status
	if status == domain.JobRunning {
		job.StartedAt = time.Now()
	}
}

// finalize records the result, sweeps scratch space and publishes the
// terminal progress report. After this the job is immutable.
func (s *Scheduler) finalize(job *domain.Job, result *domain.ProcessingResult, log *observability.Logger) {
	status := domain.JobCompleted
	progressStatus := domain.ProgressCompleted
	errMsg := ""
	if !result.Success {
		status = domain.JobFailed
		progressStatus = domain.ProgressFailed
		errMsg = result.Message
		if domain.IsCancelled(result.Err) {
			errMsg = "cancelled"
		}
	}

	s.mu.Lock()
	job.Result = result
	job.Status = status
	job.CompletedAt = time.Now()
	if cancel, ok := s.cancels[job.ID]; ok {
		cancel()
		delete(s.cancels, job.ID)
	}
	s.mu.Unlock()

	s.sweepTempDirs(log)

	totalPages := 0
	if result.ProcessedImage != nil {
		totalPages = result.ProcessedImage.PageCount
	}
	s.sink.Publish(domain.ProgressReport{
		JobID:              job.ID,
		FileName:           filepath.Base(job.InputPath),
		Status:             progressStatus,
		CurrentFile:        1,
		TotalFiles:         1,
		CurrentPage:        totalPages,
		TotalPages:         totalPages,
		ProgressPercentage: 100,
		Timestamp:          time.Now(),
		ErrorMessage:       errMsg,
	})

	if result.Success {
		log.Info().Dur("duration", result.ProcessingTime).Str("message", result.Message).Msg("Job completed")
	} else {
		log.Warn().Str("message", result.Message).Err(result.Err).Msg("Job failed")
	}
}

// sweepTempDirs removes stale scratch directories left by this or an
// earlier implementation. Only directories old enough to be orphans are
// touched, so concurrent jobs keep theirs. Failures are logged, never
// raised.
func (s *Scheduler) sweepTempDirs(log *observability.Logger) {
	tmp := os.TempDir()
	entries, err := os.ReadDir(tmp)
	if err != nil {
		log.Warn().Err(err).Msg("Cannot read temp directory for sweep")
		return
	}
	cutoff := time.Now().Add(-sweepMinAge)
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, convert.TempDirPrefix) && !strings.HasPrefix(name, legacyTempDirPrefix) {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		full := filepath.Join(tmp, name)
		if err := os.RemoveAll(full); err != nil {
			log.Warn().Str("path", full).Err(err).Msg("Cannot remove stale scratch directory")
		} else {
			log.Debug().Str("path", full).Msg("Removed stale scratch directory")
		}
	}
}

// percentage maps a pipeline step onto a coarse completion estimate.
func percentage(status domain.ProgressStatus, currentPage, totalPages int) float64 {
	switch status {
	case domain.ProgressStarting:
		return 0
	case domain.ProgressLoadingFile:
		return 10
	case domain.ProgressProcessingFile:
		return 15
	case domain.ProgressConvertingPage:
		if totalPages > 0 {
			return 15 + 70*float64(currentPage)/float64(totalPages)
		}
		return 50
	case domain.ProgressGeneratingThumbnail:
		return 90
	case domain.ProgressCompleted, domain.ProgressFailed:
		return 100
	}
	return 0
}
