package blob

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FS writes payloads under a base directory, one subdirectory per run,
// and returns file:// URIs. Keys may contain slashes; path traversal is
// rejected.
type FS struct {
	dir string
}

// NewFS creates the base directory if needed.
func NewFS(dir string) (*FS, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("blob: resolve dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("blob: create dir: %w", err)
	}
	return &FS{dir: abs}, nil
}

func (f *FS) Put(_ context.Context, runID, key string, data []byte) (string, error) {
	rel := filepath.Join(runID, filepath.FromSlash(key))
	path := filepath.Join(f.dir, rel)
	if !strings.HasPrefix(path, f.dir+string(os.PathSeparator)) {
		return "", fmt.Errorf("blob: invalid key %q", key)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("blob: create key dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("blob: write %s: %w", rel, err)
	}
	return "file://" + path, nil
}

func (f *FS) Get(_ context.Context, uri string) ([]byte, error) {
	path := strings.TrimPrefix(uri, "file://")
	if !strings.HasPrefix(path, f.dir+string(os.PathSeparator)) {
		return nil, ErrNotFound
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("blob: read %s: %w", uri, err)
	}
	return data, nil
}
