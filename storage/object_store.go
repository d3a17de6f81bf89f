package storage

import (
	"context"
	"errors"
	"path"
	"strings"
	"time"
)

// ErrObjectNotFound is returned when a bucket/path pair holds no object
var ErrObjectNotFound = errors.New("object not found")

// ObjectStore is the object storage the orchestrator reads datasets from and
// writes model artifacts to
type ObjectStore interface {
	Upload(ctx context.Context, bucket, objectPath string, data []byte, contentType string) error
	SignedURL(ctx context.Context, bucket, objectPath string, ttl time.Duration) (string, error)
}

// ArtifactPath is the storage path of one artifact file, namespaced by owner
// and artifact id
func ArtifactPath(userID, artifactID, fileName string) string {
	return path.Join(userID, artifactID, path.Base(strings.TrimSpace(fileName)))
}

// ContentType guesses the content type of an artifact file from its name
func ContentType(fileName string) string {
	switch strings.ToLower(path.Ext(fileName)) {
	case ".json":
		return "application/json"
	case ".txt", ".md":
		return "text/plain"
	case ".yaml", ".yml":
		return "application/yaml"
	default:
		return "application/octet-stream"
	}
}
