// Package mirror uploads published archive files to Cloud Storage so the site
// can serve them from a bucket as well as from the local output directory.
package mirror

import (
	"context"
	"fmt"
	"path"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

const (
	contentType = "application/json; charset=utf-8"

	// The latest file changes every run; dated snapshots are rewritten at most
	// by same-day reruns.
	latestCacheControl = "no-cache, max-age=0"
	datedCacheControl  = "public, max-age=300"
)

// GCS uploads objects to one bucket under a prefix.
type GCS struct {
	client *storage.Client
	bucket string
	prefix string
	latest string
}

// NewGCS creates a Cloud Storage mirror. latestName is the object that gets the
// no-cache policy.
func NewGCS(ctx context.Context, bucket, prefix, latestName string, opts ...option.ClientOption) (*GCS, error) {
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("new storage client: %w", err)
	}
	return &GCS{
		client: client,
		bucket: bucket,
		prefix: prefix,
		latest: latestName,
	}, nil
}

// Upload writes data to the object for name, replacing any previous version.
func (g *GCS) Upload(ctx context.Context, name string, data []byte) error {
	object := ObjectName(g.prefix, name)
	w := g.client.Bucket(g.bucket).Object(object).NewWriter(ctx)
	w.ContentType = contentType
	w.CacheControl = cacheControl(name, g.latest)

	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("upload gs://%s/%s: %w", g.bucket, object, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("upload gs://%s/%s: %w", g.bucket, object, err)
	}
	return nil
}

// URL returns the gs:// URL for name.
func (g *GCS) URL(name string) string {
	return fmt.Sprintf("gs://%s/%s", g.bucket, ObjectName(g.prefix, name))
}

// Close releases the storage client.
func (g *GCS) Close() error {
	return g.client.Close()
}

// ObjectName joins prefix and name into an object name without a leading slash.
func ObjectName(prefix, name string) string {
	return strings.TrimPrefix(path.Join(prefix, name), "/")
}

func cacheControl(name, latest string) string {
	if name == latest {
		return latestCacheControl
	}
	return datedCacheControl
}
