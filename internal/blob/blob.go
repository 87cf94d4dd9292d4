// Package blob stores original images and thumbnails outside the record store.
package blob

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

var (
	// ErrNotFound is returned by Get for an unknown reference.
	ErrNotFound = errors.New("blob not found")
	// ErrDisabled is returned when the backend has no usable configuration.
	ErrDisabled = errors.New("blob storage not configured")
)

const (
	BackendLocal = "local"
	BackendS3    = "s3"
)

// Store holds opaque byte payloads addressed by slash-separated keys. The
// returned reference is what callers persist and later pass to Get.
type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
	Get(ctx context.Context, ref string) ([]byte, string, error)
	Health(ctx context.Context) error
}

// Options selects and configures a backend.
type Options struct {
	Backend  string
	LocalDir string

	S3Bucket       string
	S3Region       string
	S3Endpoint     string
	S3UsePathStyle bool
	S3AccessKeyID  string
	S3SecretKey    string
}

// Open returns the backend named by opts.Backend.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Backend {
	case "", BackendLocal:
		return NewLocal(opts.LocalDir)
	case BackendS3:
		return NewS3(ctx, opts)
	default:
		return nil, fmt.Errorf("unknown blob backend %q", opts.Backend)
	}
}

// cleanKey rejects keys that would escape the store root.
func cleanKey(key string) (string, error) {
	k := strings.TrimLeft(filepath.ToSlash(key), "/")
	if k == "" {
		return "", fmt.Errorf("empty blob key")
	}
	for _, part := range strings.Split(k, "/") {
		if part == ".." || part == "." || part == "" {
			return "", fmt.Errorf("invalid blob key %q", key)
		}
	}
	return k, nil
}

// Local keeps blobs as files under a root directory.
type Local struct {
	root   string
	logger *slog.Logger
}

// NewLocal creates the root directory if needed.
func NewLocal(root string) (*Local, error) {
	if root == "" {
		return nil, fmt.Errorf("%w: local blob directory is empty", ErrDisabled)
	}
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("creating blob dir: %w", err)
	}
	return &Local{root: root, logger: slog.Default().With("component", "blob")}, nil
}

func (l *Local) Put(_ context.Context, key string, data []byte, _ string) (string, error) {
	k, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	path := filepath.Join(l.root, filepath.FromSlash(k))
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", fmt.Errorf("creating blob dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return "", fmt.Errorf("writing blob %s: %w", k, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("writing blob %s: %w", k, err)
	}
	l.logger.Debug("stored blob", "key", k, "bytes", len(data))
	return k, nil
}

func (l *Local) Get(_ context.Context, ref string) ([]byte, string, error) {
	k, err := cleanKey(ref)
	if err != nil {
		return nil, "", err
	}
	data, err := os.ReadFile(filepath.Join(l.root, filepath.FromSlash(k)))
	if errors.Is(err, os.ErrNotExist) {
		return nil, "", fmt.Errorf("%w: %s", ErrNotFound, k)
	}
	if err != nil {
		return nil, "", fmt.Errorf("reading blob %s: %w", k, err)
	}
	return data, contentTypeFor(k), nil
}

func (l *Local) Health(context.Context) error {
	_, err := os.Stat(l.root)
	return err
}

func contentTypeFor(key string) string {
	switch strings.ToLower(filepath.Ext(key)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	case ".heic":
		return "image/heic"
	default:
		return "application/octet-stream"
	}
}
