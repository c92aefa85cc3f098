package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// LocalStorage keeps objects on the local filesystem. It is used in
// development and tests.
type LocalStorage struct {
	basePath string
	baseURL  string
}

// NewLocalStorage creates the base directory if needed. baseURL is the
// address the directory is served from.
func NewLocalStorage(basePath, baseURL string) (*LocalStorage, error) {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	if baseURL == "" {
		baseURL = "/files"
	}
	return &LocalStorage{basePath: basePath, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

// Dir returns the base directory.
func (l *LocalStorage) Dir() string { return l.basePath }

func (l *LocalStorage) fullPath(key string) string {
	return filepath.Join(l.basePath, filepath.FromSlash(key))
}

func (l *LocalStorage) Put(ctx context.Context, key string, r io.Reader, _ int64, _ string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dest := l.fullPath(key)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	dst, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, r); err != nil {
		dst.Close()
		os.Remove(dest)
		return err
	}
	return dst.Close()
}

func (l *LocalStorage) List(ctx context.Context, prefix string) ([]Object, error) {
	root := l.fullPath(prefix)
	var out []Object
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(l.basePath, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		out = append(out, Object{
			Key:         key,
			Size:        info.Size(),
			ContentType: mime.TypeByExtension(path.Ext(key)),
			UpdatedAt:   info.ModTime().UTC(),
		})
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	return out, err
}

func (l *LocalStorage) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := os.Remove(l.fullPath(key))
	if errors.Is(err, fs.ErrNotExist) {
		return ErrObjectNotFound
	}
	return err
}

func (l *LocalStorage) URL(key string) string {
	return l.baseURL + "/" + key
}
