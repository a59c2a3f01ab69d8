// Package fileio wraps single file operations with retry handling for
// transient lock contention. The native rendering library may still hold a
// handle on a file this process wrote moments ago; those failures are
// classified by message and retried on a fixed schedule. Everything else
// propagates immediately.
package fileio

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/pagemill/pagemill/internal/observability"
)

const handleReleaseGrace = 50 * time.Millisecond

// writeDelays is the backoff before write attempts 2 and 3.
var writeDelays = []time.Duration{200 * time.Millisecond, 400 * time.Millisecond}

// sizeDelays is the linear backoff before size-check attempts 2 through 5.
// The fifth attempt is final, so its nominal 500ms step is never slept.
var sizeDelays = []time.Duration{
	100 * time.Millisecond,
	200 * time.Millisecond,
	300 * time.Millisecond,
	400 * time.Millisecond,
}

var transientMarkers = []string{
	"being used by another process",
	"cannot access the file",
	"sharing violation",
	"lock",
}

// IsTransientLockError reports whether err looks like another process
// temporarily holding a file handle. The decision is data-driven: a
// case-insensitive substring match against known lock messages. It never
// inspects error types, so callers cannot accidentally widen the class by
// wrapping.
func IsTransientLockError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// WriteWithRetry runs write, retrying up to twice on transient lock errors
// with 200ms then 400ms backoff. Before each retry the runtime is asked to
// release any lingering finalizer-held file handles, followed by a short
// grace delay. On exhaustion the last error is returned verbatim.
func WriteWithRetry(ctx context.Context, log *observability.Logger, path string, write func() error) error {
	return retry(ctx, log, path, "write", writeDelays, write)
}

// WriteFileWithRetry writes data to path with the write retry schedule.
func WriteFileWithRetry(ctx context.Context, log *observability.Logger, path string, data []byte) error {
	return WriteWithRetry(ctx, log, path, func() error {
		return os.WriteFile(path, data, 0o644)
	})
}

// SizeWithRetry stats path and returns its size, retrying up to four times
// with linear 100-500ms backoff on transient lock errors.
func SizeWithRetry(ctx context.Context, log *observability.Logger, path string) (int64, error) {
	var size int64
	err := retry(ctx, log, path, "size", sizeDelays, func() error {
		info, err := os.Stat(path)
		if err != nil {
			return err
		}
		size = info.Size()
		return nil
	})
	if err != nil {
		return 0, err
	}
	return size, nil
}

// RemoveWithRetry deletes path with the write retry schedule. A missing
// file is not an error.
func RemoveWithRetry(ctx context.Context, log *observability.Logger, path string) error {
	return retry(ctx, log, path, "remove", writeDelays, func() error {
		err := os.Remove(path)
		if os.IsNotExist(err) {
			return nil
		}
		return err
	})
}

// RemoveQuiet deletes path with retry, logging and swallowing any failure.
// Deletion here is cleanup and must never abort the main processing flow.
func RemoveQuiet(ctx context.Context, log *observability.Logger, path string) {
	if err := RemoveWithRetry(ctx, log, path); err != nil {
		log.Warn().Str("path", path).Err(err).Msg("Failed to remove file, leaving it behind")
	}
}

// retry runs op once plus one extra attempt per delay. Only transient lock
// errors are retried; anything else returns immediately. The error returned
// after exhaustion is the last attempt's error, unwrapped and unannotated,
// so callers cannot distinguish a retried failure except via logs.
func retry(ctx context.Context, log *observability.Logger, path, opName string, delays []time.Duration, op func() error) error {
	attempts := len(delays) + 1
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		log.Debug().
			Str("path", path).
			Str("op", opName).
			Int("attempt", attempt).
			Msg("File operation attempt")

		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !IsTransientLockError(lastErr) {
			return lastErr
		}
		if attempt == attempts {
			break
		}

		delay := delays[attempt-1]
		log.Warn().
			Str("path", path).
			Str("op", opName).
			Int("attempt", attempt).
			Dur("delay", delay).
			Err(lastErr).
			Msg("Transient lock error, retrying")

		releaseHandles()
		if err := wait(ctx, handleReleaseGrace+delay); err != nil {
			return err
		}
	}
	return lastErr
}

// releaseHandles forces a collection cycle so that file handles held only by
// unreachable objects (dropped go-fitz pixmaps and the like) are closed
// before the next attempt.
func releaseHandles() {
	runtime.GC()
}

func wait(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// UniquePath returns path if it is free, otherwise the first variant with a
// numeric suffix before the extension that does not exist yet. Output files
// are never overwritten.
func UniquePath(path string) string {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return path
	}
	ext := filepath.Ext(path)
	base := strings.TrimSuffix(path, ext)
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s_%d%s", base, i, ext)
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
}
