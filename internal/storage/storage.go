// Package storage abstracts the object store that holds embedding index
// snapshots.
package storage

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"
)

var ErrObjectNotFound = errors.New("object not found")

// Metadata keys written alongside the latest index object.
const (
	MetaSnapshotKey = "snapshot-key"
	MetaTableCount  = "table-count"
)

type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	LastModified time.Time
	Metadata     map[string]string
}

// MetadataValue looks up a user metadata entry. S3 servers canonicalize
// header case, so the match ignores case.
func (i ObjectInfo) MetadataValue(name string) string {
	if v, ok := i.Metadata[name]; ok {
		return v
	}
	for k, v := range i.Metadata {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

type PutOptions struct {
	ContentType string
	Metadata    map[string]string
}

type ObjectStore interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, opts PutOptions) (ObjectInfo, error)
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	// Stat returns metadata and ETag without the body; readers check it before Get.
	Stat(ctx context.Context, key string) (ObjectInfo, error)
	// Delete treats a missing key as success.
	Delete(ctx context.Context, key string) error
}
