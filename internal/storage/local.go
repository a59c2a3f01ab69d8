package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/pagemill/pagemill/internal/config"
	"github.com/pagemill/pagemill/internal/domain"
	"github.com/pagemill/pagemill/internal/fileio"
	"github.com/pagemill/pagemill/internal/observability"
)

// Local stores artifacts on the local filesystem under a base directory.
type Local struct {
	baseDir string
	log     *observability.Logger
}

// NewLocal creates a local-disk provider rooted at cfg.BaseDir.
func NewLocal(cfg config.LocalConfig, log *observability.Logger) (*Local, error) {
	abs, err := filepath.Abs(cfg.BaseDir)
	if err != nil {
		return nil, domain.ConfigError(fmt.Sprintf("resolve base dir %s", cfg.BaseDir), err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, domain.BackendError(fmt.Sprintf("create base dir %s", abs), err)
	}
	return &Local{baseDir: abs, log: log.WithComponent("storage.local")}, nil
}

// Put copies sourcePath to the key's location under the base directory.
// When source and destination normalize to the same file the copy is
// skipped entirely and the existing URL is returned; copying a file onto
// itself would truncate it and then trip the lock-retry machinery for
// nothing.
func (l *Local) Put(ctx context.Context, sourcePath, key string) (string, error) {
	dest := l.pathFor(key)

	same, err := samePath(sourcePath, dest)
	if err != nil {
		return "", domain.InputError(fmt.Sprintf("resolve source path %s", sourcePath), err)
	}
	if same {
		l.log.Debug().Str("path", dest).Msg("Source and destination are the same file, skipping copy")
		return l.URLFor(key), nil
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", domain.BackendError(fmt.Sprintf("create directory for %s", dest), err)
	}

	err = fileio.WriteWithRetry(ctx, l.log, dest, func() error {
		return copyFile(sourcePath, dest)
	})
	if err != nil {
		return "", err
	}
	return l.URLFor(key), nil
}

// Get returns the key's path directly; nothing is materialized, so the
// cleanup function is a no-op.
func (l *Local) Get(ctx context.Context, key string) (string, func(), error) {
	p := l.pathFor(key)
	if _, err := os.Stat(p); err != nil {
		return "", nil, domain.InputError(fmt.Sprintf("artifact %s not found", key), err)
	}
	return p, func() {}, nil
}

func (l *Local) Delete(ctx context.Context, key string) error {
	return fileio.RemoveWithRetry(ctx, l.log, l.pathFor(key))
}

func (l *Local) Exists(ctx context.Context, key string) (bool, error) {
	_, err := os.Stat(l.pathFor(key))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func (l *Local) URLFor(key string) string {
	return "file://" + filepath.ToSlash(l.pathFor(key))
}

func (l *Local) pathFor(key string) string {
	return filepath.Join(l.baseDir, filepath.FromSlash(cleanKey(key)))
}

// samePath reports whether two paths resolve to the same file. Comparison
// is case-insensitive on filesystems that are.
func samePath(a, b string) (bool, error) {
	absA, err := filepath.Abs(a)
	if err != nil {
		return false, err
	}
	absB, err := filepath.Abs(b)
	if err != nil {
		return false, err
	}
	absA = filepath.Clean(absA)
	absB = filepath.Clean(absB)
	if caseInsensitiveFS() {
		return strings.EqualFold(absA, absB), nil
	}
	return absA == absB, nil
}

func caseInsensitiveFS() bool {
	return runtime.GOOS == "windows" || runtime.GOOS == "darwin"
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
