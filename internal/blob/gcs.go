package blob

import (
	"context"
	"errors"
	"fmt"
	"os"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

type GCSStore struct {
	client     *storage.Client
	BucketName string
}

// NewGCSStore creates a client for bucketName. An empty saKeyPath falls back
// to application default credentials.
func NewGCSStore(ctx context.Context, bucketName, saKeyPath string) (*GCSStore, error) {
	var opts []option.ClientOption
	if saKeyPath != "" {
		if _, err := os.Stat(saKeyPath); os.IsNotExist(err) {
			return nil, fmt.Errorf("service account key not found at path: %s", saKeyPath)
		}
		opts = append(opts, option.WithCredentialsFile(saKeyPath))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create GCS storage client: %w", err)
	}

	return &GCSStore{client: client, BucketName: bucketName}, nil
}

func (g *GCSStore) List(ctx context.Context, prefix string) ([]string, error) {
	it := g.client.Bucket(g.BucketName).Objects(ctx, &storage.Query{Prefix: prefix})

	var refs []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return refs, nil
		}
		if err != nil {
			return nil, fmt.Errorf("list gs://%s/%s: %w", g.BucketName, prefix, err)
		}
		refs = append(refs, attrs.Name)
	}
}

func (g *GCSStore) Delete(ctx context.Context, ref string) error {
	err := g.client.Bucket(g.BucketName).Object(ref).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("delete gs://%s/%s: %w", g.BucketName, ref, err)
	}
	return nil
}

func (g *GCSStore) Close() error {
	return g.client.Close()
}
