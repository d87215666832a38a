// Package artifacts copies generated media out of the provider's short-lived URLs.
package artifacts

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Store saves artifact content and returns the location it can be read from.
type Store interface {
	Save(ctx context.Context, key string, content io.Reader) (string, error)
}

// FileStore keeps artifacts under a local directory.
type FileStore struct {
	root string
	// baseURL prefixes returned locations. Empty means file paths are returned.
	baseURL string
}

func NewFileStore(root, baseURL string) *FileStore {
	return &FileStore{root: root, baseURL: strings.TrimRight(baseURL, "/")}
}

func (s *FileStore) Save(ctx context.Context, key string, content io.Reader) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	clean := filepath.Clean("/" + key)[1:]
	if clean == "" {
		return "", fmt.Errorf("invalid artifact key %q", key)
	}

	fullPath := filepath.Join(s.root, clean)

	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return "", fmt.Errorf("failed to create directory for '%s': %w", fullPath, err)
	}

	file, err := os.Create(fullPath)
	if err != nil {
		return "", fmt.Errorf("failed to create file '%s': %w", fullPath, err)
	}

	_, err = io.Copy(file, content)
	closeErr := file.Close()

	if err != nil {
		return "", fmt.Errorf("failed to write file '%s': %w", fullPath, err)
	}

	if closeErr != nil {
		return "", fmt.Errorf("failed to close file '%s': %w", fullPath, closeErr)
	}

	if s.baseURL == "" {
		return fullPath, nil
	}

	return s.baseURL + "/" + filepath.ToSlash(clean), nil
}
