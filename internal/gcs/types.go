package gcs

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
)

// ErrObjectNotFound is returned by FileStore.Get for a missing object.
var ErrObjectNotFound = errors.New("object not found")

// FileStore persists raw upload bytes outside the ledger.
type FileStore interface {
	// Put writes data under objectName and returns the object's URI.
	Put(ctx context.Context, objectName, contentType string, data []byte) (string, error)

	// Get reads the bytes behind a URI returned by Put.
	Get(ctx context.Context, uri string) ([]byte, error)

	// Delete removes the object behind uri. Deleting a missing object is not an error.
	Delete(ctx context.Context, uri string) error
}

// ObjectName builds the content-addressed object path for an upload, so a
// byte-identical re-upload lands on the same object.
func ObjectName(userID, contentHash, filename string) string {
	return fmt.Sprintf("users/%s/%s/%s", userID, contentHash, path.Base(filename))
}

// SiblingURI returns the URI of filename in the same folder as uri. For an
// upload's storage path that is where the same bytes under another name live.
func SiblingURI(uri, filename string) string {
	return uri[:strings.LastIndex(uri, "/")+1] + path.Base(filename)
}

// ParseURI splits "gs://bucket/path/to/file" into bucket and object path.
func ParseURI(uri string) (bucket, object string, err error) {
	if !strings.HasPrefix(uri, "gs://") {
		return "", "", fmt.Errorf("invalid GCS URI: %s", uri)
	}

	trimmed := strings.TrimPrefix(uri, "gs://")
	parts := strings.SplitN(trimmed, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid GCS URI (no object path): %s", uri)
	}
	return parts[0], parts[1], nil
}
