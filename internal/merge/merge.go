// Package merge folds a freshly fetched generation of documents into the
// previously archived generation.
//
// Documents are matched by id. Incoming documents always win field by field over
// the archived copy; the authority is "fetched from the live store this run", not
// any timestamp field. A tombstone (deleted: true) removes its id instead of being
// merged. Documents without an id are dropped from both sides.
package merge

import "github.com/artspace/archivist/internal/document"

// Mode is the marker recorded in archive metadata for this policy.
const Mode = "merge-by-id"

// Stats describes what a merge did.
type Stats struct {
	Added   int // incoming ids not present before
	Updated int // incoming ids that overwrote an existing entry
	Removed int // tombstones that removed an existing entry
	Skipped int // documents dropped for lacking an id
	Total   int // documents in the result
}

// ByID merges incoming into base and returns the merged sequence.
//
// The result preserves insertion order: base order first, updated ids keep their
// position, new ids are appended, and an id removed then re-added moves to the
// end. Duplicate ids resolve in iteration order. Neither input is modified.
func ByID(base, incoming []document.Document) ([]document.Document, Stats) {
	var stats Stats
	m := newOrderedMap(len(base) + len(incoming))

	for _, doc := range base {
		id, ok := doc.ID()
		if !ok {
			stats.Skipped++
			continue
		}
		m.set(id, doc.Clone())
	}

	for _, doc := range incoming {
		id, ok := doc.ID()
		if !ok {
			stats.Skipped++
			continue
		}

		if doc.IsTombstone() {
			if m.delete(id) {
				stats.Removed++
			}
			continue
		}

		prev, exists := m.get(id)
		next := make(document.Document, len(prev)+len(doc))
		for k, v := range prev {
			next[k] = v
		}
		for k, v := range doc {
			next[k] = v
		}
		next[document.FieldID] = id
		m.set(id, next)

		if exists {
			stats.Updated++
		} else {
			stats.Added++
		}
	}

	out := m.values()
	stats.Total = len(out)
	return out, stats
}

// orderedMap is an id-keyed map that remembers insertion order.
type orderedMap struct {
	index map[string]int
	docs  []document.Document
	live  int
}

func newOrderedMap(capacity int) *orderedMap {
	return &orderedMap{
		index: make(map[string]int, capacity),
		docs:  make([]document.Document, 0, capacity),
	}
}

func (m *orderedMap) get(id string) (document.Document, bool) {
	i, ok := m.index[id]
	if !ok {
		return nil, false
	}
	return m.docs[i], true
}

func (m *orderedMap) set(id string, doc document.Document) {
	if i, ok := m.index[id]; ok {
		m.docs[i] = doc
		return
	}
	m.index[id] = len(m.docs)
	m.docs = append(m.docs, doc)
	m.live++
}

// delete leaves a nil hole so later indexes stay valid.
func (m *orderedMap) delete(id string) bool {
	i, ok := m.index[id]
	if !ok {
		return false
	}
	delete(m.index, id)
	m.docs[i] = nil
	m.live--
	return true
}

func (m *orderedMap) values() []document.Document {
	out := make([]document.Document, 0, m.live)
	for _, doc := range m.docs {
		if doc != nil {
			out = append(out, doc)
		}
	}
	return out
}
