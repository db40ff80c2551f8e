package gcsuploader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"cloud.google.com/go/storage"
	"github.com/dvloznov/statement-ingest/internal/gcs"
)

// uploadTimeout bounds a single object write.
const uploadTimeout = 2 * time.Minute

// GCSFileStore is the FileStore backed by a Google Cloud Storage bucket. It
// holds one shared client for its lifetime.
type GCSFileStore struct {
	client *storage.Client
	bucket string
}

// NewGCSFileStore creates a GCSFileStore. It assumes Application Default
// Credentials are configured (gcloud auth application-default login).
func NewGCSFileStore(ctx context.Context, bucket string) (*GCSFileStore, error) {
	if bucket == "" {
		return nil, fmt.Errorf("NewGCSFileStore: bucket is required")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("NewGCSFileStore: creating storage client: %w", err)
	}
	return &GCSFileStore{client: client, bucket: bucket}, nil
}

// Close releases the storage client.
func (s *GCSFileStore) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

// Put implements gcs.FileStore. A failed write is cleaned up before returning.
func (s *GCSFileStore) Put(ctx context.Context, objectName, contentType string, data []byte) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, uploadTimeout)
	defer cancel()

	obj := s.client.Bucket(s.bucket).Object(objectName)
	w := obj.NewWriter(ctx)
	w.ContentType = contentType

	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		_ = obj.Delete(context.Background())
		return "", fmt.Errorf("Put: writing object %s: %w", objectName, err)
	}

	if err := w.Close(); err != nil {
		_ = obj.Delete(context.Background())
		return "", fmt.Errorf("Put: finalizing object %s: %w", objectName, err)
	}

	return fmt.Sprintf("gs://%s/%s", s.bucket, objectName), nil
}

// Get implements gcs.FileStore.
func (s *GCSFileStore) Get(ctx context.Context, uri string) ([]byte, error) {
	bucketName, objectPath, err := gcs.ParseURI(uri)
	if err != nil {
		return nil, fmt.Errorf("Get: %w", err)
	}

	rc, err := s.client.Bucket(bucketName).Object(objectPath).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("Get %s: %w", uri, gcs.ErrObjectNotFound)
		}
		return nil, fmt.Errorf("Get: reading object %s/%s: %w", bucketName, objectPath, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("Get: reading bytes: %w", err)
	}
	return data, nil
}

// Delete implements gcs.FileStore.
func (s *GCSFileStore) Delete(ctx context.Context, uri string) error {
	bucketName, objectPath, err := gcs.ParseURI(uri)
	if err != nil {
		return fmt.Errorf("Delete: %w", err)
	}

	err = s.client.Bucket(bucketName).Object(objectPath).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("Delete: removing object %s/%s: %w", bucketName, objectPath, err)
	}
	return nil
}

var _ gcs.FileStore = (*GCSFileStore)(nil)
