package collection

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artspace/archivist/internal/document"
	"github.com/artspace/archivist/testutil"
)

func TestNewSyncer_ChunkSize(t *testing.T) {
	tests := []struct {
		in   int
		want int
	}{
		{in: 0, want: DefaultChunkSize},
		{in: -1, want: DefaultChunkSize},
		{in: 501, want: DefaultChunkSize},
		{in: 1, want: 1},
		{in: 250, want: 250},
		{in: 500, want: 500},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, NewSyncer(testutil.NewMemoryStore(), tt.in).ChunkSize(), "chunk size %d", tt.in)
	}
}

func TestSyncer_FetchAll(t *testing.T) {
	store := testutil.NewMemoryStore()
	store.Seed("exhibitions",
		document.Document{"id": "a", "title": "A"},
		document.Document{"id": "b", "title": "B"},
	)

	docs, err := NewSyncer(store, 0).FetchAll(context.Background(), "exhibitions")
	require.NoError(t, err)

	assert.Equal(t, []document.Document{
		{"id": "a", "title": "A"},
		{"id": "b", "title": "B"},
	}, docs)
	assert.Equal(t, 2, store.Len("exhibitions"), "fetching does not consume")
}

func TestSyncer_FetchAll_EmptyCollection(t *testing.T) {
	docs, err := NewSyncer(testutil.NewMemoryStore(), 0).FetchAll(context.Background(), "lectures")
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestSyncer_FetchAll_Error(t *testing.T) {
	store := testutil.NewMemoryStore()
	store.FetchErr["lectures"] = testutil.ErrInjected

	_, err := NewSyncer(store, 0).FetchAll(context.Background(), "lectures")
	require.Error(t, err)
	assert.ErrorIs(t, err, testutil.ErrInjected)
	assert.Contains(t, err.Error(), `"lectures"`)
}

func TestSyncer_PurgeAll_Chunked(t *testing.T) {
	store := testutil.NewMemoryStore()
	store.SeedN("exhibitions", "doc", 1200)

	res, err := NewSyncer(store, 500).PurgeAll(context.Background(), "exhibitions")
	require.NoError(t, err)

	assert.Equal(t, PurgeResult{Collection: "exhibitions", Rounds: 3, Deleted: 1200}, res)
	assert.Equal(t, []int{500, 500, 200}, store.DeleteBatchSizes("exhibitions"))
	assert.Len(t, store.CallsFor(testutil.OpDocumentIDs, "exhibitions"), 4, "final listing finds the collection empty")
	assert.Equal(t, 0, store.Len("exhibitions"))
}

func TestSyncer_PurgeAll_EmptyCollection(t *testing.T) {
	store := testutil.NewMemoryStore()

	res, err := NewSyncer(store, 500).PurgeAll(context.Background(), "lectures")
	require.NoError(t, err)

	assert.Equal(t, 0, res.Rounds)
	assert.Empty(t, store.DeleteBatchSizes("lectures"))
}

func TestSyncer_PurgeAll_FailureMidway(t *testing.T) {
	store := testutil.NewMemoryStore()
	store.SeedN("exhibitions", "doc", 1200)
	store.FailDeleteAfter = 1

	res, err := NewSyncer(store, 500).PurgeAll(context.Background(), "exhibitions")
	require.Error(t, err)
	assert.True(t, errors.Is(err, testutil.ErrInjected))

	assert.Equal(t, 1, res.Rounds)
	assert.Equal(t, 500, res.Deleted)
	assert.Equal(t, 700, store.Len("exhibitions"), "failed batch deletes nothing")
}

func TestSyncer_PurgeAll_Cancelled(t *testing.T) {
	store := testutil.NewMemoryStore()
	store.SeedN("exhibitions", "doc", 10)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewSyncer(store, 5).PurgeAll(ctx, "exhibitions")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 10, store.Len("exhibitions"))
}

func TestRelativePath(t *testing.T) {
	assert.Equal(t, "artists/kim", relativePath("projects/p/databases/(default)/documents/artists/kim"))
	assert.Equal(t, "odd", relativePath("odd"))
}

func TestConvertRefs_PassThrough(t *testing.T) {
	in := map[string]any{"tags": []any{"a", 1}, "nested": map[string]any{"k": "v"}}
	assert.Equal(t, in, convertRefs(in))
}
