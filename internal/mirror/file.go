package mirror

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"ms-redemption/internal/models"
)

// FileMirror keeps a JSON snapshot of redemption usage on local disk. It is
// read only when the primary store cannot answer a status query and is never
// consulted for enforcement.
type FileMirror struct {
	mu   sync.Mutex
	path string
}

func NewFileMirror(path string) *FileMirror {
	return &FileMirror{path: path}
}

func (m *FileMirror) Path() string {
	return m.path
}

// Write replaces the snapshot atomically via a temp file and rename.
func (m *FileMirror) Write(status models.RedemptionStatus) error {
	data, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal mirror snapshot: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	dir := filepath.Dir(m.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create mirror directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(m.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create mirror temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write mirror snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close mirror snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), m.path); err != nil {
		return fmt.Errorf("replace mirror snapshot: %w", err)
	}
	return nil
}

func (m *FileMirror) Read() (*models.RedemptionStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := os.ReadFile(m.path)
	if err != nil {
		return nil, fmt.Errorf("read mirror snapshot: %w", err)
	}
	var status models.RedemptionStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, fmt.Errorf("decode mirror snapshot: %w", err)
	}
	return &status, nil
}
