package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

var ErrNoPublicUrl = errors.New("No public URL")
var ErrNotFound = errors.New("Blob not found")

// Storage is an abstraction of a blob store (eg GCS)
type Storage interface {
	// When finished, you must close the WriteCloser.
	// The blob only becomes visible once Close returns without error.
	WriteFile(ctx context.Context, name string) (io.WriteCloser, error)

	// When finished, you must close File.Reader.
	// Returns an error wrapping ErrNotFound if the blob doesn't exist.
	ReadFile(ctx context.Context, name string) (*File, error)

	// Deleting a blob that doesn't exist is not an error
	DeleteFile(ctx context.Context, name string) error

	// Returns ErrNoPublicUrl if clients can't fetch the blob directly
	URL(name string) (string, error)
}

// File is an element in blob storage.
type File struct {
	Reader     io.ReadCloser
	ModifiedAt time.Time
	Size       int64
}

// Writers that can discard a partially written blob implement this
type aborter interface {
	Abort()
}

func WriteFile(ctx context.Context, s Storage, name string, content io.Reader) error {
	f, err := s.WriteFile(ctx, name)
	if err != nil {
		return err
	}
	if _, err = io.Copy(f, content); err != nil {
		if a, ok := f.(aborter); ok {
			a.Abort()
		} else {
			f.Close()
		}
		return err
	}
	return f.Close()
}

func ReadFile(ctx context.Context, s Storage, name string) ([]byte, error) {
	f, err := s.ReadFile(ctx, name)
	if err != nil {
		return nil, err
	}
	defer f.Reader.Close()
	return io.ReadAll(f.Reader)
}
