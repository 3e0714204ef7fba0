//go:build gcp

package store

import (
	"context"

	"cloud.google.com/go/storage"
)

// GCSSink writes bundles to a Cloud Storage bucket. Objects are created only
// if absent, since every bundle key carries a fresh id.
type GCSSink struct {
	client *storage.Client
	bucket *storage.BucketHandle
}

// NewGCSSink uses application default credentials.
func NewGCSSink(ctx context.Context, bucket string) (*GCSSink, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, err
	}
	return &GCSSink{client: client, bucket: client.Bucket(bucket)}, nil
}

func (g *GCSSink) Put(ctx context.Context, obj Object) error {
	w := g.bucket.Object(obj.Key).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	w.ContentType = obj.ContentType
	w.Metadata = obj.Metadata
	if _, err := w.Write(obj.Body); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}

func (g *GCSSink) Close() error { return g.client.Close() }
