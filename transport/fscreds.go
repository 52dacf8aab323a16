package transport

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/jurisdesk/intakebot/internal/fsstore"
)

type credentialsFile struct {
	Version int    `json:"version"`
	Data    string `json:"data"` // base64
}

const credentialsFileVersion = 1

// FileCredentials stores session auth material as a JSON file under the
// bot's session directory.
type FileCredentials struct {
	path string
	mu   sync.Mutex
}

func NewFileCredentials(sessionDir, botID string) *FileCredentials {
	return &FileCredentials{path: filepath.Join(strings.TrimSpace(sessionDir), strings.TrimSpace(botID), "credentials.json")}
}

func (c *FileCredentials) Load(ctx context.Context) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	var file credentialsFile
	ok, err := fsstore.ReadJSONStrict(c.path, &file)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	if file.Version != credentialsFileVersion {
		return nil, false, fmt.Errorf("unsupported credentials file version: %d", file.Version)
	}
	data, err := base64.StdEncoding.DecodeString(file.Data)
	if err != nil {
		return nil, false, fmt.Errorf("decode credentials: %w", err)
	}
	return data, true, nil
}

func (c *FileCredentials) Save(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	file := credentialsFile{
		Version: credentialsFileVersion,
		Data:    base64.StdEncoding.EncodeToString(data),
	}
	return fsstore.WriteJSONAtomic(c.path, file, fsstore.FileOptions{})
}

func (c *FileCredentials) Wipe(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.Remove(c.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("wipe credentials: %w", err)
	}
	return nil
}
