package domain

import "context"

// ProgressFunc receives step notifications as a conversion advances. The
// caller enriches them with job identity before publishing. A nil
// ProgressFunc is valid and disables reporting.
type ProgressFunc func(status ProgressStatus, currentPage, totalPages int, message string)

// Converter turns one input file into normalized page renditions plus a
// thumbnail, persisting every artifact as it goes. Failures are encoded in
// the result rather than returned.
type Converter interface {
	Process(ctx context.Context, inputPath string, opts JobOptions, progress ProgressFunc) *ProcessingResult
}

// OCREngine extracts text from a rendered page image.
type OCREngine interface {
	Name() string
	ExtractText(ctx context.Context, imagePath string) (OCRResult, error)
}

// StorageProvider persists artifacts under provider-agnostic keys.
type StorageProvider interface {
	// Put uploads/copies the file at sourcePath to the given key and
	// returns the addressable URL of the stored artifact.
	Put(ctx context.Context, sourcePath, key string) (string, error)

	// Get materializes the artifact locally and returns its path together
	// with a cleanup function. Cleanup never fails the caller.
	Get(ctx context.Context, key string) (string, func(), error)

	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	URLFor(key string) string
}

// ProgressSink receives progress reports from a running worker. Delivery is
// best-effort; a slow or absent consumer must never block the worker.
type ProgressSink interface {
	Publish(report ProgressReport)
}
