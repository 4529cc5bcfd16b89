package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// LocalConfig holds configuration for local storage.
type LocalConfig struct {
	BasePath string
	// PublicPrefix is the URL prefix the router serves BasePath under.
	PublicPrefix string
}

// LocalStorage implements Blob on the local filesystem.
type LocalStorage struct {
	basePath     string
	publicPrefix string
}

// NewLocalStorage creates the base directory and returns a LocalStorage.
func NewLocalStorage(cfg LocalConfig) (*LocalStorage, error) {
	if err := os.MkdirAll(cfg.BasePath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create base path: %w", err)
	}
	absPath, err := filepath.Abs(cfg.BasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}
	prefix := cfg.PublicPrefix
	if prefix == "" {
		prefix = "/static/images/"
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &LocalStorage{basePath: absPath, publicPrefix: prefix}, nil
}

// BasePath returns the directory files are written to.
func (s *LocalStorage) BasePath() string { return s.basePath }

// PublicPrefix returns the URL prefix of stored references.
func (s *LocalStorage) PublicPrefix() string { return s.publicPrefix }

// fullPath maps a key to a path under basePath, rejecting traversal.
func (s *LocalStorage) fullPath(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if clean == "." || clean == ".." || filepath.IsAbs(clean) || strings.HasPrefix(clean, ".."+string(os.PathSeparator)) {
		return "", fmt.Errorf("invalid key %q", key)
	}
	return filepath.Join(s.basePath, clean), nil
}

func (s *LocalStorage) Store(ctx context.Context, folder, filename, contentType string, r io.Reader, size int64) (string, error) {
	key := objectKey(folder, filename, time.Now())
	p, err := s.fullPath(key)
	if err != nil {
		return "", err
	}
	dir := filepath.Dir(p)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to write content: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, p); err != nil {
		return "", fmt.Errorf("failed to rename temp file: %w", err)
	}
	success = true
	return s.publicPrefix + key, nil
}

func (s *LocalStorage) Delete(ctx context.Context, ref string) error {
	key, ok := strings.CutPrefix(ref, s.publicPrefix)
	if !ok {
		return nil
	}
	p, err := s.fullPath(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	return nil
}
