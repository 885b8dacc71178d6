// Package collection fetches and purges named collections of the remote
// document store.
package collection

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/artspace/archivist/internal/document"
)

// DefaultChunkSize is the number of documents deleted per atomic batch.
// MaxChunkSize is the store's per-commit write limit.
const (
	DefaultChunkSize = 500
	MaxChunkSize     = 500
)

// Store is the document store capability the job depends on.
type Store interface {
	// Documents returns every document of collection, each carrying its id.
	Documents(ctx context.Context, collection string) ([]document.Document, error)
	// DocumentIDs returns the ids of at most limit documents of collection.
	DocumentIDs(ctx context.Context, collection string, limit int) ([]string, error)
	// DeleteBatch deletes ids from collection atomically: all or nothing.
	DeleteBatch(ctx context.Context, collection string, ids []string) error
}

// PurgeResult reports a completed or interrupted purge.
type PurgeResult struct {
	Collection string
	Rounds     int // batches committed
	Deleted    int // documents deleted
}

// Syncer fetches and purges collections through a Store.
type Syncer struct {
	store     Store
	chunkSize int
}

// NewSyncer creates a Syncer. A chunkSize outside 1..MaxChunkSize falls back to
// DefaultChunkSize.
func NewSyncer(store Store, chunkSize int) *Syncer {
	if chunkSize <= 0 || chunkSize > MaxChunkSize {
		chunkSize = DefaultChunkSize
	}
	return &Syncer{store: store, chunkSize: chunkSize}
}

// ChunkSize returns the purge batch size in use.
func (s *Syncer) ChunkSize() int {
	return s.chunkSize
}

// FetchAll materializes every document currently in collection.
func (s *Syncer) FetchAll(ctx context.Context, collection string) ([]document.Document, error) {
	docs, err := s.store.Documents(ctx, collection)
	if err != nil {
		return nil, fmt.Errorf("fetch collection %q: %w", collection, err)
	}
	log.Debug().Str("collection", collection).Int("documents", len(docs)).Msg("collection fetched")
	return docs, nil
}

// PurgeAll deletes every document of collection in batches of ChunkSize until
// the store reports the collection empty. Each batch is atomic; a failure leaves
// the remaining documents in place and returns what was deleted so far.
func (s *Syncer) PurgeAll(ctx context.Context, collection string) (PurgeResult, error) {
	res := PurgeResult{Collection: collection}
	for {
		ids, err := s.store.DocumentIDs(ctx, collection, s.chunkSize)
		if err != nil {
			return res, fmt.Errorf("list collection %q for purge: %w", collection, err)
		}
		if len(ids) == 0 {
			return res, nil
		}

		if err := s.store.DeleteBatch(ctx, collection, ids); err != nil {
			return res, fmt.Errorf("delete batch %d of collection %q: %w", res.Rounds+1, collection, err)
		}
		res.Rounds++
		res.Deleted += len(ids)
		log.Debug().
			Str("collection", collection).
			Int("round", res.Rounds).
			Int("deleted", len(ids)).
			Msg("purge batch committed")
	}
}
