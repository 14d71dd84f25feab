//go:build gcp

package source

import (
	"context"
	"fmt"
	"io"

	"cloud.google.com/go/storage"

	"revline/internal/rules"
)

// GCS reads a rule document from a Cloud Storage object using default credentials.
type GCS struct {
	client *storage.Client
	bucket string
	object string
}

func NewGCS(ctx context.Context, bucket, object string) (rules.Source, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	return &GCS{client: client, bucket: bucket, object: object}, nil
}

func (g *GCS) Fetch(ctx context.Context) (rules.Document, error) {
	r, err := g.client.Bucket(g.bucket).Object(g.object).NewReader(ctx)
	if err != nil {
		return rules.Document{}, fmt.Errorf("gcs open gs://%s/%s: %w", g.bucket, g.object, err)
	}
	defer func() { _ = r.Close() }()
	data, err := io.ReadAll(r)
	if err != nil {
		return rules.Document{}, err
	}
	return rules.Document{
		Data:   data,
		Format: rules.FormatFromPath(g.object),
		Origin: fmt.Sprintf("gs://%s/%s", g.bucket, g.object),
	}, nil
}
