package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/cyclopcam/logs"
)

// StorageFS is a filesystem-based blob store
type StorageFS struct {
	Root string
	log  logs.Log
}

func NewStorageFS(log logs.Log, root string) (*StorageFS, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(absRoot, 0755); err != nil {
		return nil, fmt.Errorf("Failed to create root directory %v (relative path %v): %w", absRoot, root, err)
	}
	return &StorageFS{
		Root: absRoot,
		log:  log,
	}, nil
}

func (fs *StorageFS) fullPath(name string) (string, error) {
	if !filepath.IsLocal(name) {
		return "", fmt.Errorf("Invalid file name %v", name)
	}
	return filepath.Join(fs.Root, name), nil
}

// fsWriter writes to a temp file, and renames it into place on Close, so that readers never see a partial blob
type fsWriter struct {
	*os.File
	final string
}

func (w *fsWriter) Close() error {
	if err := w.File.Close(); err != nil {
		os.Remove(w.File.Name())
		return err
	}
	return os.Rename(w.File.Name(), w.final)
}

func (w *fsWriter) Abort() {
	w.File.Close()
	os.Remove(w.File.Name())
}

func (fs *StorageFS) WriteFile(ctx context.Context, name string) (io.WriteCloser, error) {
	fullPath, err := fs.fullPath(name)
	if err != nil {
		return nil, err
	}
	fs.log.Debugf("Writing file %v", name)
	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(fullPath+".tmp", os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return nil, err
	}
	return &fsWriter{File: f, final: fullPath}, nil
}

func (fs *StorageFS) ReadFile(ctx context.Context, name string) (*File, error) {
	fullPath, err := fs.fullPath(name)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(fullPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, name)
	} else if err != nil {
		return nil, err
	}
	st, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}
	return &File{
		Reader:     file,
		ModifiedAt: st.ModTime(),
		Size:       st.Size(),
	}, nil
}

func (fs *StorageFS) DeleteFile(ctx context.Context, name string) error {
	fullPath, err := fs.fullPath(name)
	if err != nil {
		return err
	}
	fs.log.Debugf("Deleting file %v", name)
	err = os.Remove(fullPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	// Remove the parent directory if it's now empty. This fails harmlessly if it isn't.
	os.Remove(filepath.Dir(fullPath))
	return err
}

func (fs *StorageFS) URL(name string) (string, error) {
	return "", ErrNoPublicUrl
}
