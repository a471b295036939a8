// Package local implements a filesystem blob store for mirrored media
// and page snapshots.
package local

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Config captures the parameters for the local filesystem blob store.
type Config struct {
	// BaseDir is the root directory mirrored assets are written under.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
}

// BlobStore writes mirrored assets under a base directory, one file
// per object key. Keys follow the mirror's layout, for example
// notes/<note_id>/00.jpg.
type BlobStore struct {
	root string
}

// New validates the base directory and returns a store rooted there.
// The directory is created when missing and probed for writability so
// misconfiguration surfaces at startup rather than mid-job.
func New(cfg Config) (*BlobStore, error) {
	root := strings.TrimSpace(cfg.BaseDir)
	if root == "" {
		return nil, fmt.Errorf("base directory is required")
	}

	info, err := os.Stat(root)
	switch {
	case err == nil:
		if !info.IsDir() {
			return nil, fmt.Errorf("base directory %s is not a directory", root)
		}
	case os.IsNotExist(err):
		if mkErr := os.MkdirAll(root, 0o750); mkErr != nil {
			return nil, fmt.Errorf("create base directory: %w", mkErr)
		}
	default:
		return nil, fmt.Errorf("stat base directory: %w", err)
	}

	probe := filepath.Join(root, ".write_probe")
	if err := os.WriteFile(probe, nil, 0o600); err != nil {
		return nil, fmt.Errorf("base directory %s is not writable: %w", root, err)
	}
	if err := os.Remove(probe); err != nil {
		return nil, fmt.Errorf("remove write probe: %w", err)
	}

	return &BlobStore{root: root}, nil
}

// PutObject streams the payload to a file under the base directory and
// returns a file:// URI. Parent directories are created on demand;
// video payloads can run to tens of megabytes, so the body is copied
// straight to disk rather than buffered.
func (s *BlobStore) PutObject(_ context.Context, path string, _ string, data io.Reader) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("object path is required")
	}

	fullPath := filepath.Join(s.root, path)

	// Object keys must resolve inside the base directory.
	rel, err := filepath.Rel(s.root, fullPath)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal in object key %q", path)
	}

	if err := os.MkdirAll(filepath.Dir(fullPath), 0o750); err != nil {
		return "", fmt.Errorf("create parent directories: %w", err)
	}

	f, err := os.OpenFile(fullPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return "", fmt.Errorf("create object file: %w", err)
	}
	if _, err := io.Copy(f, data); err != nil {
		_ = f.Close()
		_ = os.Remove(fullPath)
		return "", fmt.Errorf("write object %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close object file: %w", err)
	}

	return fmt.Sprintf("file://%s", fullPath), nil
}
