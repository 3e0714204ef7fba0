//go:build gcp

package main

import (
	"context"

	"github.com/veyvey45-eng/phoenix-ai-app-sub001/pkg/store"
)

func init() {
	newGCSSink = func(ctx context.Context, bucket string) (store.Sink, func() error, error) {
		sink, err := store.NewGCSSink(ctx, bucket)
		if err != nil {
			return nil, nil, err
		}
		return sink, sink.Close, nil
	}
}
