// Package indexstore keeps parquet snapshots of tenant table embeddings in
// object storage so API replicas can warm their vector index without a
// catalog database round trip.
package indexstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/duckmesh/querygen/internal/catalog"
	"github.com/duckmesh/querygen/internal/observability"
	"github.com/duckmesh/querygen/internal/storage"
)

type Snapshot struct {
	Key    string
	Tables int
	Size   int64
	// Pruned is the previous snapshot key removed after latest moved on.
	Pruned string
}

type loadedSnapshot struct {
	etag       string
	embeddings []catalog.TableEmbedding
}

type Store struct {
	Objects storage.ObjectStore
	Logger  *slog.Logger

	mu     sync.Mutex
	loaded map[string]loadedSnapshot
}

func New(objects storage.ObjectStore) *Store {
	return &Store{Objects: objects, loaded: map[string]loadedSnapshot{}}
}

// Save writes an immutable snapshot, repoints the latest key at the same
// content and then deletes the snapshot latest pointed at before. A failed
// prune is logged; the new snapshot stays in place.
func (s *Store) Save(ctx context.Context, tenantID string, embeddings []catalog.TableEmbedding, generatedAt time.Time) (Snapshot, error) {
	data, err := EncodeEmbeddings(tenantID, embeddings)
	if err != nil {
		return Snapshot{}, fmt.Errorf("encode embeddings: %w", err)
	}
	snapshotKey, err := storage.BuildIndexSnapshotPath(tenantID, generatedAt)
	if err != nil {
		return Snapshot{}, fmt.Errorf("build snapshot path: %w", err)
	}
	latestKey, err := storage.BuildLatestIndexPath(tenantID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("build latest path: %w", err)
	}

	var previous string
	switch info, err := s.Objects.Stat(ctx, latestKey); {
	case err == nil:
		previous = info.MetadataValue(storage.MetaSnapshotKey)
	case !errors.Is(err, storage.ErrObjectNotFound):
		return Snapshot{}, fmt.Errorf("stat latest index: %w", err)
	}

	info, err := s.Objects.Put(ctx, snapshotKey, bytes.NewReader(data), int64(len(data)), storage.PutOptions{})
	if err != nil {
		return Snapshot{}, fmt.Errorf("put index snapshot: %w", err)
	}
	meta := map[string]string{
		storage.MetaSnapshotKey: snapshotKey,
		storage.MetaTableCount:  strconv.Itoa(len(embeddings)),
	}
	if _, err := s.Objects.Put(ctx, latestKey, bytes.NewReader(data), int64(len(data)), storage.PutOptions{Metadata: meta}); err != nil {
		return Snapshot{}, fmt.Errorf("put latest index: %w", err)
	}

	snap := Snapshot{Key: snapshotKey, Tables: len(embeddings), Size: info.Size}
	if previous != "" && previous != snapshotKey {
		if err := s.Objects.Delete(ctx, previous); err != nil {
			observability.LoggerForContext(ctx, s.Logger).WarnContext(ctx, "prune index snapshot failed",
				slog.String("tenant_id", tenantID),
				slog.String("snapshot", previous),
				slog.Any("error", err),
			)
		} else {
			snap.Pruned = previous
		}
	}
	return snap, nil
}

// LoadEmbeddings reads the latest snapshot. The object is only fetched when
// its ETag differs from the one last decoded for the tenant. A tenant
// without a snapshot yields storage.ErrObjectNotFound.
func (s *Store) LoadEmbeddings(ctx context.Context, tenantID string) ([]catalog.TableEmbedding, error) {
	key, err := storage.BuildLatestIndexPath(tenantID)
	if err != nil {
		return nil, err
	}
	info, err := s.Objects.Stat(ctx, key)
	if err != nil {
		if !errors.Is(err, storage.ErrObjectNotFound) {
			return nil, fmt.Errorf("stat latest index: %w", err)
		}
		s.forget(tenantID)
		return nil, err
	}
	if cached, ok := s.cached(tenantID, info.ETag); ok {
		return cached, nil
	}

	reader, err := s.Objects.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer func() { _ = reader.Close() }()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read index snapshot %q: %w", key, err)
	}
	embeddings, err := DecodeEmbeddings(data)
	if err != nil {
		return nil, fmt.Errorf("decode index snapshot %q: %w", key, err)
	}
	if info.ETag != "" {
		s.mu.Lock()
		if s.loaded == nil {
			s.loaded = map[string]loadedSnapshot{}
		}
		s.loaded[tenantID] = loadedSnapshot{etag: info.ETag, embeddings: embeddings}
		s.mu.Unlock()
	}
	return slices.Clone(embeddings), nil
}

func (s *Store) cached(tenantID, etag string) ([]catalog.TableEmbedding, bool) {
	if etag == "" {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.loaded[tenantID]
	if !ok || entry.etag != etag {
		return nil, false
	}
	return slices.Clone(entry.embeddings), true
}

func (s *Store) forget(tenantID string) {
	s.mu.Lock()
	delete(s.loaded, tenantID)
	s.mu.Unlock()
}

type embeddingLoader interface {
	LoadEmbeddings(ctx context.Context, tenantID string) ([]catalog.TableEmbedding, error)
}

// Source prefers the snapshot and falls back to the catalog repository
// when the snapshot is missing or unreadable.
type Source struct {
	Snapshots  *Store
	Repository embeddingLoader
	Logger     *slog.Logger
}

func (s *Source) LoadEmbeddings(ctx context.Context, tenantID string) ([]catalog.TableEmbedding, error) {
	if s.Snapshots != nil {
		embeddings, err := s.Snapshots.LoadEmbeddings(ctx, tenantID)
		if err == nil {
			return embeddings, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !errors.Is(err, storage.ErrObjectNotFound) && s.Logger != nil {
			s.Logger.WarnContext(ctx, "index snapshot unreadable, loading from catalog",
				slog.String("tenant_id", tenantID),
				slog.Any("error", err),
			)
		}
	}
	if s.Repository == nil {
		return nil, storage.ErrObjectNotFound
	}
	return s.Repository.LoadEmbeddings(ctx, tenantID)
}
