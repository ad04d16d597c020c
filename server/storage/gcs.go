package storage

import (
	"context"
	"errors"
	"fmt"
	"io"

	gcs "cloud.google.com/go/storage"
	"github.com/cyclopcam/logs"
)

// StorageGCS is a Google Cloud Storage-based blob store
type StorageGCS struct {
	bucketName string
	client     *gcs.Client
	bucket     *gcs.BucketHandle
	isPublic   bool
	log        logs.Log
}

func NewStorageGCS(ctx context.Context, log logs.Log, bucketName string, isPublic bool) (*StorageGCS, error) {
	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, err
	}
	log.Infof("Using GCS bucket %v (public: %v)", bucketName, isPublic)
	return &StorageGCS{
		bucketName: bucketName,
		client:     client,
		bucket:     client.Bucket(bucketName),
		isPublic:   isPublic,
		log:        log,
	}, nil
}

func (s *StorageGCS) WriteFile(ctx context.Context, name string) (io.WriteCloser, error) {
	w := s.bucket.Object(name).NewWriter(ctx)
	return w, nil
}

func (s *StorageGCS) ReadFile(ctx context.Context, name string) (*File, error) {
	r, err := s.bucket.Object(name).NewReader(ctx)
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, name)
	} else if err != nil {
		return nil, err
	}
	return &File{
		Reader:     r,
		ModifiedAt: r.Attrs.LastModified,
		Size:       r.Attrs.Size,
	}, nil
}

func (s *StorageGCS) DeleteFile(ctx context.Context, name string) error {
	err := s.bucket.Object(name).Delete(ctx)
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return nil
	}
	return err
}

func (s *StorageGCS) URL(name string) (string, error) {
	if !s.isPublic {
		// We could also use signed URLs, but I haven't bothered with that yet
		return "", ErrNoPublicUrl
	}
	return "https://storage.googleapis.com/" + s.bucketName + "/" + name, nil
}

func (s *StorageGCS) Close() error {
	return s.client.Close()
}
