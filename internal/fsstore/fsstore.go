// Package fsstore provides atomic JSON state files with advisory lock files.
package fsstore

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	ErrInvalidPath       = errors.New("fsstore: invalid path")
	ErrLockUnavailable   = errors.New("fsstore: lock unavailable")
	ErrEncodeFailed      = errors.New("fsstore: encode failed")
	ErrDecodeFailed      = errors.New("fsstore: decode failed")
	ErrAtomicWriteFailed = errors.New("fsstore: atomic write failed")
)

const (
	defaultDirPerm  = os.FileMode(0o700)
	defaultFilePerm = os.FileMode(0o600)
)

type FileOptions struct {
	DirPerm  os.FileMode
	FilePerm os.FileMode
}

func normalizeFileOptions(opts FileOptions) FileOptions {
	if opts.DirPerm == 0 {
		opts.DirPerm = defaultDirPerm
	}
	if opts.FilePerm == 0 {
		opts.FilePerm = defaultFilePerm
	}
	return opts
}

func normalizePath(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	return filepath.Clean(path), nil
}

func EnsureDir(path string, perm os.FileMode) error {
	normalized, err := normalizePath(path)
	if err != nil {
		return err
	}
	if perm == 0 {
		perm = defaultDirPerm
	}
	if err := os.MkdirAll(normalized, perm); err != nil {
		return fmt.Errorf("fsstore ensure dir %s: %w", normalized, err)
	}
	return nil
}

func writeAtomic(path string, content []byte, opts FileOptions) error {
	normalizedPath, err := normalizePath(path)
	if err != nil {
		return err
	}
	opts = normalizeFileOptions(opts)

	parentDir := filepath.Dir(normalizedPath)
	if err := EnsureDir(parentDir, opts.DirPerm); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(parentDir, filepath.Base(normalizedPath)+".tmp.*")
	if err != nil {
		return fmt.Errorf("%w: create temp for %s: %v", ErrAtomicWriteFailed, normalizedPath, err)
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}
	defer cleanup()

	if _, err := tmp.Write(content); err != nil {
		return fmt.Errorf("%w: write temp for %s: %v", ErrAtomicWriteFailed, normalizedPath, err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("%w: sync temp for %s: %v", ErrAtomicWriteFailed, normalizedPath, err)
	}
	if err := tmp.Chmod(opts.FilePerm); err != nil {
		return fmt.Errorf("%w: chmod temp for %s: %v", ErrAtomicWriteFailed, normalizedPath, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: close temp for %s: %v", ErrAtomicWriteFailed, normalizedPath, err)
	}
	if err := os.Rename(tmpPath, normalizedPath); err != nil {
		return fmt.Errorf("%w: rename temp for %s: %v", ErrAtomicWriteFailed, normalizedPath, err)
	}

	// Best effort directory sync for durability; ignore failures.
	if dirFD, err := os.Open(parentDir); err == nil {
		_ = dirFD.Sync()
		_ = dirFD.Close()
	}
	return nil
}

// WriteAtomic writes raw content through the temp-and-rename path.
func WriteAtomic(path string, content []byte, opts FileOptions) error {
	return writeAtomic(path, content, opts)
}

func WriteJSONAtomic(path string, value any, opts FileOptions) error {
	content, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEncodeFailed, err)
	}
	content = append(content, '\n')
	return writeAtomic(path, content, opts)
}

// ReadJSON reads path into value. The second return reports existence: a
// missing file is (false, nil), not an error.
func ReadJSON(path string, value any) (bool, error) {
	normalized, err := normalizePath(path)
	if err != nil {
		return false, err
	}
	content, err := os.ReadFile(normalized)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("fsstore read %s: %w", normalized, err)
	}
	if err := json.Unmarshal(content, value); err != nil {
		return false, fmt.Errorf("%w: %s: %v", ErrDecodeFailed, normalized, err)
	}
	return true, nil
}

// ReadJSONStrict is ReadJSON with unknown fields rejected.
func ReadJSONStrict(path string, value any) (bool, error) {
	normalized, err := normalizePath(path)
	if err != nil {
		return false, err
	}
	content, err := os.ReadFile(normalized)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("fsstore read %s: %w", normalized, err)
	}
	dec := json.NewDecoder(bytes.NewReader(content))
	dec.DisallowUnknownFields()
	if err := dec.Decode(value); err != nil {
		return false, fmt.Errorf("%w: %s: %v", ErrDecodeFailed, normalized, err)
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		return false, fmt.Errorf("%w: %s: trailing data", ErrDecodeFailed, normalized)
	}
	return true, nil
}

var lockKeyPattern = regexp.MustCompile(`^[a-z0-9]+(?:[._-][a-z0-9]+)*$`)

// BuildLockPath validates key and returns root/key.lck.
func BuildLockPath(root, key string) (string, error) {
	normalizedRoot, err := normalizePath(root)
	if err != nil {
		return "", err
	}
	if !lockKeyPattern.MatchString(key) {
		return "", fmt.Errorf("%w: invalid lock key %q", ErrInvalidPath, key)
	}
	return filepath.Join(normalizedRoot, key+".lck"), nil
}
