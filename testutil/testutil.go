// Package testutil provides shared test utilities and fakes for archivist tests.
package testutil

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/go-git/go-billy/v5"

	"github.com/artspace/archivist/internal/document"
)

// TempDir creates a temporary directory for testing and returns a cleanup function.
func TempDir(t *testing.T) (string, func()) {
	t.Helper()
	dir, err := os.MkdirTemp("", "archivist-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	return dir, func() {
		_ = os.RemoveAll(dir)
	}
}

// TempFile creates a temporary file with the given content and returns its path.
func TempFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}
	return path
}

// ErrInjected is returned by fakes configured to fail.
var ErrInjected = errors.New("injected failure")

// Op names recorded by MemoryStore.
const (
	OpDocuments   = "documents"
	OpDocumentIDs = "document_ids"
	OpDeleteBatch = "delete_batch"
)

// Call is one recorded MemoryStore operation.
type Call struct {
	Op         string
	Collection string
	N          int // documents returned or deleted
}

type entry struct {
	id     string
	fields document.Document
}

// MemoryStore is an in-memory document store. It records every call so tests can
// assert on ordering and batch sizes.
type MemoryStore struct {
	mu          sync.Mutex
	collections map[string][]entry
	calls       []Call

	// FetchErr fails Documents for the named collection.
	FetchErr map[string]error
	// DeleteErr fails DeleteBatch for the named collection. Nothing is deleted.
	DeleteErr map[string]error
	// FailDeleteAfter, when > 0, fails every DeleteBatch after that many
	// successful ones.
	FailDeleteAfter int
	// AfterFetch, when set, runs after each successful Documents call.
	AfterFetch func(collection string)

	deletes int
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		collections: make(map[string][]entry),
		FetchErr:    make(map[string]error),
		DeleteErr:   make(map[string]error),
	}
}

// Seed appends docs to a collection. Each document must carry a string id.
func (m *MemoryStore) Seed(collection string, docs ...document.Document) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range docs {
		id, ok := d.ID()
		if !ok {
			panic(fmt.Sprintf("testutil: seeded document without id in %q", collection))
		}
		fields := d.Clone()
		delete(fields, document.FieldID)
		m.collections[collection] = append(m.collections[collection], entry{id: id, fields: fields})
	}
}

// SeedN appends n generated documents with ids "<prefix>-0000" onward.
func (m *MemoryStore) SeedN(collection, prefix string, n int) {
	docs := make([]document.Document, n)
	for i := range docs {
		docs[i] = document.Document{"id": fmt.Sprintf("%s-%04d", prefix, i), "n": i}
	}
	m.Seed(collection, docs...)
}

// Documents returns every document of collection, tagged with its id.
func (m *MemoryStore) Documents(ctx context.Context, collection string) ([]document.Document, error) {
	docs, err := m.documents(ctx, collection)
	if err == nil && m.AfterFetch != nil {
		m.AfterFetch(collection)
	}
	return docs, err
}

func (m *MemoryStore) documents(ctx context.Context, collection string) ([]document.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.FetchErr[collection]; err != nil {
		m.calls = append(m.calls, Call{Op: OpDocuments, Collection: collection})
		return nil, err
	}

	entries := m.collections[collection]
	docs := make([]document.Document, len(entries))
	for i, e := range entries {
		d := e.fields.Clone()
		d[document.FieldID] = e.id
		docs[i] = d
	}
	m.calls = append(m.calls, Call{Op: OpDocuments, Collection: collection, N: len(docs)})
	return docs, nil
}

// DocumentIDs returns up to limit ids from the front of collection.
func (m *MemoryStore) DocumentIDs(ctx context.Context, collection string, limit int) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := m.collections[collection]
	if limit > len(entries) {
		limit = len(entries)
	}
	ids := make([]string, limit)
	for i := range ids {
		ids[i] = entries[i].id
	}
	m.calls = append(m.calls, Call{Op: OpDocumentIDs, Collection: collection, N: len(ids)})
	return ids, nil
}

// DeleteBatch removes ids from collection, all or nothing.
func (m *MemoryStore) DeleteBatch(ctx context.Context, collection string, ids []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, Call{Op: OpDeleteBatch, Collection: collection, N: len(ids)})
	if err := m.DeleteErr[collection]; err != nil {
		return err
	}
	if m.FailDeleteAfter > 0 && m.deletes >= m.FailDeleteAfter {
		return ErrInjected
	}
	m.deletes++

	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	kept := m.collections[collection][:0]
	for _, e := range m.collections[collection] {
		if !drop[e.id] {
			kept = append(kept, e)
		}
	}
	m.collections[collection] = kept
	return nil
}

// Len returns the number of documents left in collection.
func (m *MemoryStore) Len(collection string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.collections[collection])
}

// Calls returns a copy of the recorded calls.
func (m *MemoryStore) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

// CallsFor returns the recorded calls of op against collection.
func (m *MemoryStore) CallsFor(op, collection string) []Call {
	var out []Call
	for _, c := range m.Calls() {
		if c.Op == op && c.Collection == collection {
			out = append(out, c)
		}
	}
	return out
}

// DeleteBatchSizes returns the sizes of every DeleteBatch call against collection.
func (m *MemoryStore) DeleteBatchSizes(collection string) []int {
	var sizes []int
	for _, c := range m.CallsFor(OpDeleteBatch, collection) {
		sizes = append(sizes, c.N)
	}
	return sizes
}

// ReadOnlyFS wraps a billy filesystem and fails every write.
type ReadOnlyFS struct {
	billy.Filesystem
}

// Create fails with ErrInjected.
func (fs ReadOnlyFS) Create(string) (billy.File, error) {
	return nil, ErrInjected
}

// OpenFile fails with ErrInjected for any flag that writes.
func (fs ReadOnlyFS) OpenFile(filename string, flag int, perm os.FileMode) (billy.File, error) {
	if flag&(os.O_WRONLY|os.O_RDWR|os.O_CREATE|os.O_TRUNC|os.O_APPEND) != 0 {
		return nil, ErrInjected
	}
	return fs.Filesystem.OpenFile(filename, flag, perm)
}

// Rename fails with ErrInjected.
func (fs ReadOnlyFS) Rename(string, string) error {
	return ErrInjected
}
