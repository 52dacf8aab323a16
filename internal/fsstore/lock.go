package fsstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	lockRetryInterval = 25 * time.Millisecond
	lockStaleAfter    = 2 * time.Minute
)

// WithLock runs fn while holding an exclusive lock file. Stale locks older
// than lockStaleAfter are broken; waiting respects ctx cancellation.
func WithLock(ctx context.Context, lockPath string, fn func() error) error {
	normalized, err := normalizePath(lockPath)
	if err != nil {
		return err
	}
	if err := EnsureDir(filepath.Dir(normalized), 0); err != nil {
		return err
	}
	for {
		acquired, err := tryAcquireLock(normalized)
		if err != nil {
			return err
		}
		if acquired {
			break
		}
		if ctx != nil {
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w: %s: %v", ErrLockUnavailable, normalized, ctx.Err())
			case <-time.After(lockRetryInterval):
			}
		} else {
			time.Sleep(lockRetryInterval)
		}
	}
	defer func() { _ = os.Remove(normalized) }()
	return fn()
}

func tryAcquireLock(path string) (bool, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, defaultFilePerm)
	if err == nil {
		_, _ = fmt.Fprintf(f, "%d\n", os.Getpid())
		_ = f.Close()
		return true, nil
	}
	if !os.IsExist(err) {
		return false, fmt.Errorf("%w: %s: %v", ErrLockUnavailable, path, err)
	}
	info, statErr := os.Stat(path)
	if statErr != nil {
		// Holder released between our open and stat; retry.
		return false, nil
	}
	if time.Since(info.ModTime()) > lockStaleAfter {
		_ = os.Remove(path)
	}
	return false, nil
}
