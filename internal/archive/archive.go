// Package archive reads and writes the published merged archive.
//
// An archive is a single JSON object:
//
//	{
//	  "meta": {"timezone", "publishedAt", "stampKST", "collections", "mode"},
//	  "data": {"<collection>": [document, ...], ...}
//	}
//
// The same bytes are written to a stable "latest" file and to a file keyed by the
// publish date stamp. Each file is replaced atomically.
package archive

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/artspace/archivist/internal/document"
	"github.com/artspace/archivist/internal/timestamp"
)

// Meta describes one publication of the archive.
type Meta struct {
	Timezone    string   `json:"timezone"`
	PublishedAt string   `json:"publishedAt"`
	Stamp       string   `json:"stampKST"`
	Collections []string `json:"collections"`
	Mode        string   `json:"mode"`
}

// Archive is the durable merged state.
type Archive struct {
	Meta Meta
	Data map[string][]document.Document
}

// Collection returns the archived documents of name, or nil.
func (a *Archive) Collection(name string) []document.Document {
	if a == nil || a.Data == nil {
		return nil
	}
	return a.Data[name]
}

// Names returns the collections in output order: Meta.Collections first, then any
// other collection present in Data in lexical order.
func (a *Archive) Names() []string {
	names := make([]string, 0, len(a.Data))
	seen := make(map[string]bool, len(a.Meta.Collections))
	for _, name := range a.Meta.Collections {
		if seen[name] {
			continue
		}
		seen[name] = true
		names = append(names, name)
	}

	var extra []string
	for name := range a.Data {
		if !seen[name] {
			extra = append(extra, name)
		}
	}
	sort.Strings(extra)
	return append(names, extra...)
}

// Encode serializes the archive: timestamps normalized, two-space indentation,
// no HTML escaping, trailing newline. Collections are emitted in Names order.
func Encode(a *Archive) ([]byte, error) {
	var compact bytes.Buffer

	meta := a.Meta
	if meta.Collections == nil {
		meta.Collections = []string{}
	}
	compact.WriteString(`{"meta":`)
	if err := encodeValue(&compact, meta); err != nil {
		return nil, fmt.Errorf("encode meta: %w", err)
	}

	compact.WriteString(`,"data":{`)
	for i, name := range a.Names() {
		if i > 0 {
			compact.WriteByte(',')
		}
		if err := encodeValue(&compact, name); err != nil {
			return nil, fmt.Errorf("encode collection name %q: %w", name, err)
		}
		compact.WriteByte(':')

		docs := a.Data[name]
		values := make([]any, len(docs))
		for j, doc := range docs {
			values[j] = timestamp.Normalize(map[string]any(doc))
		}
		if err := encodeValue(&compact, values); err != nil {
			return nil, fmt.Errorf("encode collection %q: %w", name, err)
		}
	}
	compact.WriteString("}}")

	var out bytes.Buffer
	if err := json.Indent(&out, compact.Bytes(), "", "  "); err != nil {
		return nil, fmt.Errorf("indent archive: %w", err)
	}
	out.WriteByte('\n')
	return out.Bytes(), nil
}

func encodeValue(buf *bytes.Buffer, v any) error {
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return err
	}
	// Encoder terminates each value with a newline.
	buf.Truncate(buf.Len() - 1)
	return nil
}

// ErrTrailingData is returned by Decode when bytes follow the archive object.
var ErrTrailingData = errors.New("unexpected data after archive")

// Decode parses an encoded archive. Numbers decode as json.Number so they are
// written back unchanged. Only the document must be a single well-formed JSON
// object; everything inside it is read leniently. A malformed meta is ignored, a
// data value that is not an object decodes as no collections, array entries that
// are not objects are skipped, and a collection whose value is not an array
// decodes as empty.
func Decode(data []byte) (*Archive, error) {
	var raw struct {
		Meta json.RawMessage `json:"meta"`
		Data json.RawMessage `json:"data"`
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode archive: %w", err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("decode archive: %w", ErrTrailingData)
	}

	a := &Archive{}
	if len(raw.Meta) > 0 {
		if err := json.Unmarshal(raw.Meta, &a.Meta); err != nil {
			log.Warn().Err(err).Msg("ignoring malformed archive meta")
			a.Meta = Meta{}
		}
	}

	var collections map[string]any
	if len(raw.Data) > 0 {
		dd := json.NewDecoder(bytes.NewReader(raw.Data))
		dd.UseNumber()
		if err := dd.Decode(&collections); err != nil {
			log.Warn().Err(err).Msg("archive data is not an object, treating it as empty")
			collections = nil
		}
	}

	a.Data = make(map[string][]document.Document, len(collections))
	for name, value := range collections {
		items, _ := value.([]any)
		docs := make([]document.Document, 0, len(items))
		for _, item := range items {
			if obj, ok := item.(map[string]any); ok {
				docs = append(docs, document.Document(obj))
			}
		}
		a.Data[name] = docs
	}
	return a, nil
}
