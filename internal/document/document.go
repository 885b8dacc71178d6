// Package document defines the field mapping exchanged between the document
// store, the merge engine and the archive.
package document

// Field names with special meaning.
const (
	FieldID      = "id"
	FieldDeleted = "deleted"
)

// Document is a field mapping carrying a mandatory string "id".
type Document map[string]any

// ID returns the document identity. A missing, non-string or empty id reports false.
func (d Document) ID() (string, bool) {
	if d == nil {
		return "", false
	}
	id, ok := d[FieldID].(string)
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

// IsTombstone reports whether the document carries deleted: true.
func (d Document) IsTombstone() bool {
	deleted, ok := d[FieldDeleted].(bool)
	return ok && deleted
}

// Clone returns a shallow copy. Nested maps and slices are shared.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// IDs returns the ids of docs in order, skipping documents without one.
func IDs(docs []Document) []string {
	ids := make([]string, 0, len(docs))
	for _, d := range docs {
		if id, ok := d.ID(); ok {
			ids = append(ids, id)
		}
	}
	return ids
}
