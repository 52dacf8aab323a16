// Package storage holds media attachments received during intake. The local
// backend keeps them on disk; swapping in a cloud uploader only requires the
// same single-method surface.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/jurisdesk/intakebot/internal/fsstore"
)

// LocalStore writes media under root, keyed by content hash so repeated
// uploads of the same file are idempotent.
type LocalStore struct {
	root string
}

func NewLocalStore(root string) *LocalStore {
	return &LocalStore{root: strings.TrimSpace(root)}
}

func (s *LocalStore) Upload(ctx context.Context, data []byte, filename string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if s == nil || s.root == "" {
		return "", fmt.Errorf("storage root is not configured")
	}
	if len(data) == 0 {
		return "", fmt.Errorf("empty media payload")
	}

	sum := sha256.Sum256(data)
	name := hex.EncodeToString(sum[:8])
	if ext := filepath.Ext(filename); ext != "" && len(ext) <= 8 {
		name += strings.ToLower(ext)
	}
	path := filepath.Join(s.root, name)
	if err := fsstore.WriteAtomic(path, data, fsstore.FileOptions{}); err != nil {
		return "", fmt.Errorf("store media %s: %w", filename, err)
	}
	return path, nil
}
