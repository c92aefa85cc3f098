// Package storage keeps user uploaded files. Every principal owns the
// objects under its "<principalID>/" prefix and cannot reach anything else.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"nexflow-crm/backend/internal/secure"
	"nexflow-crm/backend/internal/tenant"
)

var (
	// ErrObjectNotFound is returned when removing a key that does not exist.
	ErrObjectNotFound = errors.New("object not found")
	// ErrInvalidKey is returned for empty or malformed object keys.
	ErrInvalidKey = errors.New("invalid object key")
)

// Object describes a stored file.
type Object struct {
	Key         string    `json:"key"`
	Name        string    `json:"name"`
	Size        int64     `json:"size"`
	ContentType string    `json:"content_type,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
	URL         string    `json:"url"`
}

// Backend is an unscoped object store.
type Backend interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	List(ctx context.Context, prefix string) ([]Object, error)
	Delete(ctx context.Context, key string) error
	URL(key string) string
}

// Logger is the subset of the application logger used here.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}

// FileStorage scopes a Backend to the principal of the current session.
type FileStorage struct {
	backend  Backend
	resolver tenant.Resolver
	logger   Logger
}

// New wraps backend. Sessions are resolved per call through resolver.
func New(backend Backend, resolver tenant.Resolver, logger Logger) *FileStorage {
	return &FileStorage{backend: backend, resolver: resolver, logger: logger}
}

func (f *FileStorage) prefix(ctx context.Context) (string, tenant.Session, error) {
	sess, ok := f.resolver.Session(ctx)
	if !ok || !sess.Valid() {
		return "", tenant.Session{}, tenant.ErrNoTenant
	}
	return sess.PrincipalID() + "/", sess, nil
}

// Upload stores r under the caller's prefix with a unique key derived
// from name.
func (f *FileStorage) Upload(ctx context.Context, name string, r io.Reader, size int64, contentType string) (*Object, error) {
	prefix, _, err := f.prefix(ctx)
	if err != nil {
		return nil, err
	}
	base := sanitizeName(name)
	if base == "" {
		return nil, fmt.Errorf("%w: empty file name", ErrInvalidKey)
	}
	if contentType == "" {
		contentType = mime.TypeByExtension(filepath.Ext(base))
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	key := prefix + uuid.NewString() + "-" + base
	if err := f.backend.Put(ctx, key, r, size, contentType); err != nil {
		return nil, err
	}
	return &Object{
		Key:         key,
		Name:        base,
		Size:        size,
		ContentType: contentType,
		UpdatedAt:   time.Now().UTC(),
		URL:         f.backend.URL(key),
	}, nil
}

// List returns the caller's objects.
func (f *FileStorage) List(ctx context.Context) ([]Object, error) {
	prefix, _, err := f.prefix(ctx)
	if err != nil {
		return nil, err
	}
	objects, err := f.backend.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	for i := range objects {
		objects[i].Name = displayName(objects[i].Key)
		objects[i].URL = f.backend.URL(objects[i].Key)
	}
	return objects, nil
}

// Remove deletes one of the caller's objects. Keys outside the caller's
// prefix are a security violation and are never passed to the backend.
func (f *FileStorage) Remove(ctx context.Context, key string) error {
	prefix, sess, err := f.prefix(ctx)
	if err != nil {
		return err
	}
	clean, err := cleanKey(key)
	if err != nil {
		return err
	}
	if !strings.HasPrefix(clean, prefix) {
		if f.logger != nil {
			f.logger.Warn("security violation: file removal outside principal prefix",
				"principal_id", sess.PrincipalID(), "tenant_id", sess.TenantID(), "key", key)
		}
		return fmt.Errorf("%w: object %q is outside %q", secure.ErrSecurityViolation, key, prefix)
	}
	if err := f.backend.Delete(ctx, clean); err != nil {
		return err
	}
	if f.logger != nil {
		f.logger.Info("file removed", "principal_id", sess.PrincipalID(), "key", clean)
	}
	return nil
}

// PublicURL returns the address an object is served from.
func (f *FileStorage) PublicURL(key string) string {
	return f.backend.URL(key)
}

func cleanKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == ".." || part == "." {
			return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
	}
	return path.Clean(key), nil
}

func sanitizeName(name string) string {
	name = filepath.Base(strings.ReplaceAll(strings.TrimSpace(name), "\\", "/"))
	if name == "." || name == "/" || name == ".." {
		return ""
	}
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// displayName strips the prefix and the uuid added by Upload.
func displayName(key string) string {
	base := path.Base(key)
	if len(base) > 37 && base[36] == '-' {
		if _, err := uuid.Parse(base[:36]); err == nil {
			return base[37:]
		}
	}
	return base
}
