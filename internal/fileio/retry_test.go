package fileio

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pagemill/pagemill/internal/observability"
)

func TestIsTransientLockError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"process holding handle", errors.New("The process cannot access the file because it is being used by another process"), true},
		{"cannot access", errors.New("cannot access the file 'x.png'"), true},
		{"sharing violation", errors.New("ERROR_SHARING_VIOLATION: sharing violation"), true},
		{"lock word", errors.New("resource temporarily locked"), true},
		{"case insensitive", errors.New("SHARING VIOLATION"), true},
		{"permission denied", errors.New("open x.png: permission denied"), false},
		{"not exist", errors.New("open x.png: no such file or directory"), false},
		{"disk full", errors.New("write x.png: no space left on device"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransientLockError(tt.err))
		})
	}
}

func TestWriteWithRetryPermanentErrorNoRetry(t *testing.T) {
	log := observability.Nop()
	permanent := errors.New("permission denied")
	attempts := 0

	err := WriteWithRetry(context.Background(), log, "x.png", func() error {
		attempts++
		return permanent
	})

	require.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, attempts, "permanent errors must not be retried")
}

func TestWriteWithRetryTransientExhaustion(t *testing.T) {
	log := observability.Nop()
	transient := errors.New("file is being used by another process")
	attempts := 0

	err := WriteWithRetry(context.Background(), log, "x.png", func() error {
		attempts++
		return transient
	})

	// The original error must come back verbatim, not wrapped.
	require.Equal(t, transient, err)
	assert.Equal(t, 3, attempts, "writes retry up to 3 attempts")
}

func TestWriteWithRetrySucceedsAfterTransient(t *testing.T) {
	log := observability.Nop()
	attempts := 0
	start := time.Now()

	err := WriteWithRetry(context.Background(), log, "x.png", func() error {
		attempts++
		if attempts == 1 {
			return errors.New("being used by another process")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond,
		"second attempt must wait out the backoff delay")
}

func TestWriteWithRetryContextCancelled(t *testing.T) {
	log := observability.Nop()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := WriteWithRetry(ctx, log, "x.png", func() error {
		return errors.New("sharing violation")
	})
	require.ErrorIs(t, err, context.Canceled)
}

func TestSizeWithRetryAttemptCount(t *testing.T) {
	log := observability.Nop()
	attempts := 0

	// The path never exists, but the stat wrapper returns a transient
	// error to exercise the schedule.
	_, err := retrySize(t, log, &attempts)
	require.Error(t, err)
	assert.Equal(t, 5, attempts, "size checks retry up to 5 attempts")
}

// retrySize drives the size schedule through the package-level retry
// helper with a scripted transient failure.
func retrySize(t *testing.T, log *observability.Logger, attempts *int) (int64, error) {
	t.Helper()
	err := retry(context.Background(), log, "x.png", "size", sizeDelays, func() error {
		*attempts++
		return errors.New("cannot access the file")
	})
	return 0, err
}

func TestSizeWithRetryReadsSize(t *testing.T) {
	log := observability.Nop()
	path := filepath.Join(t.TempDir(), "data.bin")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	size, err := SizeWithRetry(context.Background(), log, path)
	require.NoError(t, err)
	assert.Equal(t, int64(5), size)
}

func TestSizeWithRetryMissingFileIsPermanent(t *testing.T) {
	log := observability.Nop()
	start := time.Now()

	_, err := SizeWithRetry(context.Background(), log, filepath.Join(t.TempDir(), "missing.bin"))
	require.Error(t, err)
	assert.Less(t, time.Since(start), 100*time.Millisecond, "missing files must fail without retries")
}

func TestRemoveWithRetryMissingFileOK(t *testing.T) {
	log := observability.Nop()
	err := RemoveWithRetry(context.Background(), log, filepath.Join(t.TempDir(), "missing.bin"))
	assert.NoError(t, err)
}

func TestRemoveQuietSwallowsFailure(t *testing.T) {
	log := observability.Nop()
	dir := t.TempDir()
	sub := filepath.Join(dir, "sub")
	require.NoError(t, os.MkdirAll(filepath.Join(sub, "child"), 0o755))

	// Removing a non-empty directory with os.Remove fails; RemoveQuiet
	// must not panic or propagate.
	RemoveQuiet(context.Background(), log, sub)
	_, err := os.Stat(sub)
	assert.NoError(t, err)
}

func TestUniquePath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scan.png")

	assert.Equal(t, path, UniquePath(path), "free path returned unchanged")

	require.NoError(t, os.WriteFile(path, []byte("a"), 0o644))
	second := UniquePath(path)
	assert.Equal(t, filepath.Join(dir, "scan_1.png"), second)

	require.NoError(t, os.WriteFile(second, []byte("b"), 0o644))
	assert.Equal(t, filepath.Join(dir, "scan_2.png"), UniquePath(path))
}
