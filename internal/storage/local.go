package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mediascribe/coreplane/internal/coreerr"
)

// LocalBackend stores blobs directly under a root directory on disk. Writes
// go to a temp file in the same directory and are renamed into place so a
// reader never observes a partial write.
type LocalBackend struct {
	root string
}

var _ Interface = (*LocalBackend)(nil)

// NewLocalBackend returns a backend rooted at dir, creating it if absent.
func NewLocalBackend(dir string) (*LocalBackend, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, coreerr.Wrap(coreerr.Internal, "create storage root", err)
	}
	return &LocalBackend{root: dir}, nil
}

func (l *LocalBackend) resolve(key string) (string, error) {
	clean := filepath.Clean("/" + key)
	if clean == "/" || strings.Contains(key, "..") {
		return "", coreerr.New(coreerr.InvalidInput, "invalid storage key")
	}
	return filepath.Join(l.root, clean), nil
}

func (l *LocalBackend) Put(ctx context.Context, key string, data []byte, metadata map[string]string) error {
	path, err := l.resolve(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return coreerr.Wrap(coreerr.Internal, "create blob directory", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return coreerr.Wrap(coreerr.Internal, "create temp file", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return coreerr.Wrap(coreerr.Internal, "write temp file", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return coreerr.Wrap(coreerr.Internal, "close temp file", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return coreerr.Wrap(coreerr.Internal, "rename into place", err)
	}
	return nil
}

func (l *LocalBackend) PutStream(ctx context.Context, key string, r io.Reader, size int64, metadata map[string]string) error {
	path, err := l.resolve(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return coreerr.Wrap(coreerr.Internal, "create blob directory", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return coreerr.Wrap(coreerr.Internal, "create temp file", err)
	}
	tmpName := tmp.Name()
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return coreerr.Wrap(coreerr.Internal, "stream to temp file", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return coreerr.Wrap(coreerr.Internal, "close temp file", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return coreerr.Wrap(coreerr.Internal, "rename into place", err)
	}
	return nil
}

func (l *LocalBackend) Get(ctx context.Context, key string) ([]byte, error) {
	path, err := l.resolve(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, coreerr.New(coreerr.NotFound, fmt.Sprintf("key %q not found", key))
		}
		return nil, coreerr.Wrap(coreerr.Internal, "read blob", err)
	}
	return data, nil
}

func (l *LocalBackend) GetURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	path, err := l.resolve(key)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return "", coreerr.New(coreerr.NotFound, fmt.Sprintf("key %q not found", key))
		}
		return "", coreerr.Wrap(coreerr.Internal, "stat blob", err)
	}
	return path, nil
}

func (l *LocalBackend) Delete(ctx context.Context, key string) error {
	path, err := l.resolve(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return coreerr.Wrap(coreerr.Internal, "delete blob", err)
	}
	return nil
}

func (l *LocalBackend) Exists(ctx context.Context, key string) (bool, error) {
	path, err := l.resolve(key)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, coreerr.Wrap(coreerr.Internal, "stat blob", err)
}

func (l *LocalBackend) Stat(ctx context.Context, key string) (Metadata, error) {
	path, err := l.resolve(key)
	if err != nil {
		return Metadata{}, err
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Metadata{}, coreerr.New(coreerr.NotFound, fmt.Sprintf("key %q not found", key))
		}
		return Metadata{}, coreerr.Wrap(coreerr.Internal, "stat blob", err)
	}
	return Metadata{
		Key:         key,
		Size:        info.Size(),
		ContentType: ContentTypeFor(key),
		ModTime:     info.ModTime(),
	}, nil
}
