// Package blob stores uploaded document bytes under opaque keys.
package blob

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"docqueue/internal/config"
)

// ErrNotFound is returned by Get when no object exists under the key.
var ErrNotFound = errors.New("blob not found")

// Store puts, gets and deletes document bytes by key. Deleting a missing key is not an error.
type Store interface {
	Put(ctx context.Context, key string, body []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// New builds the backend selected by cfg.BlobBackend.
func New(ctx context.Context, cfg config.Config) (Store, error) {
	switch cfg.BlobBackend {
	case "s3":
		return NewS3(ctx, S3Options{
			Bucket:    cfg.BlobS3Bucket,
			Region:    cfg.BlobS3Region,
			Endpoint:  cfg.BlobS3Endpoint,
			PathStyle: cfg.BlobS3PathStyle,
		})
	case "local", "":
		return NewLocal(cfg.BlobLocalDir), nil
	default:
		return nil, fmt.Errorf("unsupported blob backend %q", cfg.BlobBackend)
	}
}

var supportedExtensions = map[string]bool{
	".pdf":  true,
	".docx": true,
	".xlsx": true,
	".pptx": true,
	".jpg":  true,
	".jpeg": true,
	".png":  true,
}

// Supported reports whether filename has an extension the extraction service accepts.
func Supported(filename string) bool {
	return supportedExtensions[strings.ToLower(filepath.Ext(filename))]
}

// IsImage reports whether filename names a raster image.
func IsImage(filename string) bool {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".jpg", ".jpeg", ".png":
		return true
	}
	return false
}

var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9_.-]`)

// SafeFilename keeps the base name and drops characters outside [a-zA-Z0-9_.-].
func SafeFilename(name string) string {
	name = path.Base(strings.ReplaceAll(name, `\`, "/"))
	name = strings.ReplaceAll(name, " ", "_")
	name = unsafeChars.ReplaceAllString(name, "")
	if name == "" || name == "." || name == ".." {
		return "document"
	}
	return name
}

// ContentType guesses a MIME type from the filename extension.
func ContentType(filename string) string {
	if ct := mime.TypeByExtension(strings.ToLower(filepath.Ext(filename))); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

// NewKey returns a unique key for an upload, partitioned by month.
func NewKey(now time.Time, filename string) string {
	return fmt.Sprintf("uploads/%s/%s_%s", now.UTC().Format("2006/01"), uuid.NewString(), SafeFilename(filename))
}

func sanitizeKey(key string) string {
	key = path.Clean("/" + strings.ReplaceAll(key, `\`, "/"))
	return strings.TrimPrefix(key, "/")
}
