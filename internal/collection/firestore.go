package collection

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/artspace/archivist/internal/document"
)

// emulatorHostEnv is read by the Firestore client to bypass authentication.
const emulatorHostEnv = "FIRESTORE_EMULATOR_HOST"

// FirestoreStore implements Store on Cloud Firestore.
type FirestoreStore struct {
	client *firestore.Client
}

// DialFirestore connects to the project's default database. When emulatorHost is
// set the client talks to the emulator and credentials are not used.
func DialFirestore(ctx context.Context, projectID, emulatorHost string, opts ...option.ClientOption) (*FirestoreStore, error) {
	if projectID == "" {
		return nil, errors.New("firestore: project id is required")
	}
	if emulatorHost != "" {
		if err := os.Setenv(emulatorHostEnv, emulatorHost); err != nil {
			return nil, fmt.Errorf("firestore: set emulator host: %w", err)
		}
	}

	client, err := firestore.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("firestore: new client: %w", err)
	}
	return &FirestoreStore{client: client}, nil
}

// Close releases the client.
func (s *FirestoreStore) Close() error {
	return s.client.Close()
}

// Documents streams the whole collection. The document id overrides any "id"
// field stored in the document body.
func (s *FirestoreStore) Documents(ctx context.Context, collection string) ([]document.Document, error) {
	it := s.client.Collection(collection).Documents(ctx)
	defer it.Stop()

	var docs []document.Document
	for {
		snap, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, err
		}

		doc := make(document.Document, len(snap.Data())+1)
		for k, v := range snap.Data() {
			doc[k] = convertRefs(v)
		}
		doc[document.FieldID] = snap.Ref.ID
		docs = append(docs, doc)
	}
	return docs, nil
}

// DocumentIDs selects no fields so only document names are transferred.
func (s *FirestoreStore) DocumentIDs(ctx context.Context, collection string, limit int) ([]string, error) {
	snaps, err := s.client.Collection(collection).Select().Limit(limit).Documents(ctx).GetAll()
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(snaps))
	for i, snap := range snaps {
		ids[i] = snap.Ref.ID
	}
	return ids, nil
}

// DeleteBatch deletes ids inside a single transaction.
func (s *FirestoreStore) DeleteBatch(ctx context.Context, collection string, ids []string) error {
	if len(ids) > MaxChunkSize {
		return fmt.Errorf("batch of %d exceeds the %d write limit", len(ids), MaxChunkSize)
	}
	col := s.client.Collection(collection)
	return s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		for _, id := range ids {
			if err := tx.Delete(col.Doc(id)); err != nil {
				return err
			}
		}
		return nil
	})
}

// convertRefs replaces document references with their path relative to the
// database root, recursing into maps and arrays.
func convertRefs(v any) any {
	switch val := v.(type) {
	case *firestore.DocumentRef:
		if val == nil {
			return nil
		}
		return relativePath(val.Path)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			out[k] = convertRefs(elem)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = convertRefs(elem)
		}
		return out
	default:
		return v
	}
}

func relativePath(full string) string {
	if _, rel, ok := strings.Cut(full, "/documents/"); ok {
		return rel
	}
	return full
}
