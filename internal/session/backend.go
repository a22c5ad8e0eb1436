package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Backend is durable storage for the whole token mapping.
type Backend interface {
	// Load returns the persisted mapping.
	Load() (map[string]*Block, error)
	// Write replaces the persisted mapping with blocks.
	Write(blocks map[string]*Block) error
	Close() error
}

// FileBackend keeps the mapping as one JSON document on disk.
type FileBackend struct {
	path string
}

// NewFileBackend returns a backend writing to path.
func NewFileBackend(path string) *FileBackend {
	return &FileBackend{path: path}
}

// Path returns the backing file.
func (f *FileBackend) Path() string {
	return f.path
}

func (f *FileBackend) Load() (map[string]*Block, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, err
	}
	blocks := make(map[string]*Block)
	if err := json.Unmarshal(data, &blocks); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", f.path, err)
	}
	for token, b := range blocks {
		if b == nil {
			delete(blocks, token)
		}
	}
	return blocks, nil
}

// Write encodes blocks to a temporary file and renames it over the target so
// a crash mid-write never leaves a truncated document behind.
func (f *FileBackend) Write(blocks map[string]*Block) error {
	data, err := json.Marshal(blocks)
	if err != nil {
		return fmt.Errorf("failed to encode sessions: %w", err)
	}

	if dir := filepath.Dir(f.path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create session directory: %w", err)
		}
	}

	tempPath := f.path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tempPath, f.path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

func (f *FileBackend) Close() error { return nil }
