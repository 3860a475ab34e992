// Package storage provides addressable byte ranges over memory, local files
// and remote HTTP endpoints.
package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/WendelHime/fileswarm/internal/shared/models"
	"github.com/spf13/afero"
)

var ErrReadOnly = errors.New("storage is read only")

// Storage is a random access byte range store.
type Storage interface {
	io.ReaderAt
	io.WriterAt
	io.Closer
	Size() (int64, error)
}

// Factory opens the named storage of a log, e.g. "data" or "tree".
type Factory func(name string) (Storage, error)

type fileStorage struct {
	mu   sync.RWMutex
	file afero.File
	ro   bool
}

// ReadAt follows io.ReaderAt: a read that stops short of len(p) because the
// storage ends reports io.EOF, whatever the underlying file returns.
func (s *fileStorage) ReadAt(p []byte, off int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, err := s.file.ReadAt(p, off)
	if errors.Is(err, io.ErrUnexpectedEOF) || (err == nil && n < len(p)) {
		err = io.EOF
	}
	return n, err
}

func (s *fileStorage) WriteAt(p []byte, off int64) (int, error) {
	if s.ro {
		return 0, ErrReadOnly
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.WriteAt(p, off)
}

func (s *fileStorage) Size() (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info, err := s.file.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (s *fileStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

func open(fs afero.Fs, name string, truncate, readOnly bool) (Storage, error) {
	flag := os.O_RDWR | os.O_CREATE
	if truncate {
		flag |= os.O_TRUNC
	}
	if readOnly {
		flag = os.O_RDONLY
	}
	if dir := filepath.Dir(name); dir != "." && !readOnly {
		if err := fs.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("%w: create %s: %v", models.ErrResource, dir, err)
		}
	}
	f, err := fs.OpenFile(name, flag, 0644)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", models.ErrResource, name, err)
	}
	return &fileStorage{file: f, ro: readOnly}, nil
}

// Memory returns a factory whose storages live in a private in-memory
// filesystem. Opening the same name twice yields the same bytes.
func Memory() Factory {
	fs := afero.NewMemMapFs()
	return func(name string) (Storage, error) {
		return open(fs, name, false, false)
	}
}

// NewMemory returns a single standalone in-memory storage.
func NewMemory() Storage {
	s, err := Memory()("memory")
	if err != nil {
		// a fresh MemMapFs cannot fail to create a file
		panic(err)
	}
	return s
}

// Dir returns a factory storing each name as a file under dir.
func Dir(dir string, truncate bool) Factory {
	fs := afero.NewBasePathFs(afero.NewOsFs(), dir)
	return func(name string) (Storage, error) {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("%w: create %s: %v", models.ErrResource, dir, err)
		}
		return open(fs, name, truncate, false)
	}
}

// File opens path on the local filesystem as a storage.
func File(path string, truncate bool) (Storage, error) {
	return open(afero.NewOsFs(), path, truncate, false)
}

// ReadOnlyFile opens an existing file whose contents must not change.
func ReadOnlyFile(path string) (Storage, error) {
	return open(afero.NewOsFs(), path, false, true)
}

// WithData routes the "data" storage of a log to data and every other name
// to rest.
func WithData(data Storage, rest Factory) Factory {
	return func(name string) (Storage, error) {
		if name == "data" {
			return data, nil
		}
		return rest(name)
	}
}

// Prefix stores every name of rest under dir, so two logs can share one
// factory.
func Prefix(dir string, rest Factory) Factory {
	return func(name string) (Storage, error) {
		return rest(filepath.Join(dir, name))
	}
}

// Bytes reads the whole content of s.
func Bytes(s Storage) ([]byte, error) {
	size, err := s.Size()
	if err != nil {
		return nil, err
	}
	b := make([]byte, size)
	if size == 0 {
		return b, nil
	}
	if _, err := s.ReadAt(b, 0); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return b, nil
}
