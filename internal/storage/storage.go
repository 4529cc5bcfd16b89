package storage

import (
	"context"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Blob stores uploaded files and returns a reference URL clients can fetch.
type Blob interface {
	// Store writes r under folder and returns the reference URL.
	Store(ctx context.Context, folder, filename, contentType string, r io.Reader, size int64) (string, error)
	// Delete removes the object behind a reference returned by Store.
	// Unknown references are ignored.
	Delete(ctx context.Context, ref string) error
}

const (
	DriverLocal = "local"
	DriverMinio = "minio"
)

// Config selects and configures a blob backend.
type Config struct {
	Driver string
	Local  LocalConfig
	Minio  MinioConfig
}

// New creates the blob store selected by cfg.Driver.
func New(ctx context.Context, cfg Config) (Blob, error) {
	switch cfg.Driver {
	case DriverLocal, "":
		return NewLocalStorage(cfg.Local)
	case DriverMinio:
		return NewMinioStorage(ctx, cfg.Minio)
	default:
		return nil, fmt.Errorf("unsupported blob driver %q", cfg.Driver)
	}
}

// objectKey builds a collision-free key "{folder}/{uuid}_{unixMillis}{ext}".
func objectKey(folder, filename string, now time.Time) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if len(ext) > 10 {
		ext = ""
	}
	name := fmt.Sprintf("%s_%d%s", uuid.NewString(), now.UnixMilli(), ext)
	return path.Join(strings.Trim(folder, "/"), name)
}
