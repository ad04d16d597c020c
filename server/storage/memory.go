package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"
)

// StorageMem keeps blobs in memory. It is used by unit tests, and when no persistent store is configured.
type StorageMem struct {
	lock  sync.Mutex
	files map[string]memFile
}

type memFile struct {
	data       []byte
	modifiedAt time.Time
}

type memWriter struct {
	bytes.Buffer
	store *StorageMem
	name  string
}

func (w *memWriter) Close() error {
	w.store.lock.Lock()
	defer w.store.lock.Unlock()
	w.store.files[w.name] = memFile{data: w.Bytes(), modifiedAt: time.Now()}
	return nil
}

func (w *memWriter) Abort() {
	w.Reset()
}

func NewStorageMem() *StorageMem {
	return &StorageMem{
		files: map[string]memFile{},
	}
}

func (s *StorageMem) WriteFile(ctx context.Context, name string) (io.WriteCloser, error) {
	return &memWriter{store: s, name: name}, nil
}

func (s *StorageMem) ReadFile(ctx context.Context, name string) (*File, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	f, ok := s.files[name]
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, name)
	}
	return &File{
		Reader:     io.NopCloser(bytes.NewReader(f.data)),
		ModifiedAt: f.modifiedAt,
		Size:       int64(len(f.data)),
	}, nil
}

func (s *StorageMem) DeleteFile(ctx context.Context, name string) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	delete(s.files, name)
	return nil
}

func (s *StorageMem) URL(name string) (string, error) {
	return "", ErrNoPublicUrl
}

// Number of blobs in the store
func (s *StorageMem) Len() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return len(s.files)
}
