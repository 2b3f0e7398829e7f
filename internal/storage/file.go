package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/org/piiguard/internal/errs"
	"github.com/spf13/afero"
)

var validKey = regexp.MustCompile(`^[a-z0-9_]+$`)

// FileBackend stores one file per key under a directory. Writes go through a
// temp file and rename so a crash never leaves a half-written value.
type FileBackend struct {
	fs    afero.Fs
	dir   string
	locks keyLocks
}

// NewFileBackend returns a FileBackend rooted at dir on fs, creating dir if needed.
func NewFileBackend(fs afero.Fs, dir string) (*FileBackend, error) {
	if err := fs.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("file store: create dir: %w", err)
	}
	return &FileBackend{fs: fs, dir: dir}, nil
}

func (f *FileBackend) Close() error { return nil }

func (f *FileBackend) path(key string) (string, error) {
	if !validKey.MatchString(key) {
		return "", fmt.Errorf("%w: invalid key %q", errs.ErrStorage, key)
	}
	return filepath.Join(f.dir, key+".json"), nil
}

func (f *FileBackend) Get(_ context.Context, key string) ([]byte, error) {
	unlock := f.locks.lock(key)
	defer unlock()
	return f.read(key)
}

func (f *FileBackend) Set(_ context.Context, key string, value []byte) error {
	unlock := f.locks.lock(key)
	defer unlock()
	return f.write(key, value)
}

func (f *FileBackend) Remove(_ context.Context, key string) error {
	unlock := f.locks.lock(key)
	defer unlock()
	return f.remove(key)
}

// Update serializes writers within this process only.
func (f *FileBackend) Update(ctx context.Context, key string, fn UpdateFunc) error {
	unlock := f.locks.lock(key)
	defer unlock()

	old, err := f.read(key)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	next, err := fn(old)
	if err != nil {
		return err
	}
	if next == nil {
		return f.remove(key)
	}
	return f.write(key, next)
}

func (f *FileBackend) read(key string) ([]byte, error) {
	p, err := f.path(key)
	if err != nil {
		return nil, err
	}
	data, err := afero.ReadFile(f.fs, p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: read %s: %w", errs.ErrStorage, key, err)
	}
	return data, nil
}

func (f *FileBackend) write(key string, value []byte) error {
	p, err := f.path(key)
	if err != nil {
		return err
	}
	tmp := p + ".tmp"
	if err := afero.WriteFile(f.fs, tmp, value, 0600); err != nil {
		return fmt.Errorf("%w: write %s: %w", errs.ErrStorage, key, err)
	}
	if err := f.fs.Rename(tmp, p); err != nil {
		return fmt.Errorf("%w: rename %s: %w", errs.ErrStorage, key, err)
	}
	return nil
}

func (f *FileBackend) remove(key string) error {
	p, err := f.path(key)
	if err != nil {
		return err
	}
	if err := f.fs.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: remove %s: %w", errs.ErrStorage, key, err)
	}
	return nil
}
