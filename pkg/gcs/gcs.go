package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// Client reads build archives from Google Cloud Storage.
type Client struct {
	api *storage.Client
}

// NewClient creates a read-only storage client. Credentials come from the usual application
// default chain; GCS_CREDENTIALS_FILE overrides it with a service account key file.
func NewClient(ctx context.Context) (*Client, error) {
	opts := []option.ClientOption{option.WithScopes(storage.ScopeReadOnly)}
	if path := strings.TrimSpace(os.Getenv("GCS_CREDENTIALS_FILE")); path != "" {
		opts = append(opts, option.WithCredentialsFile(path))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("gcs: new client: %w", err)
	}
	return &Client{api: client}, nil
}

// Close releases the underlying client.
func (c *Client) Close() error {
	if c == nil || c.api == nil {
		return nil
	}
	return c.api.Close()
}

// Open streams gs://bucket/key. Missing objects report fs.ErrNotExist.
func (c *Client) Open(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	if c == nil {
		return nil, errors.New("nil client")
	}

	r, err := c.api.Bucket(bucket).Object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("gs://%s/%s: %w", bucket, key, fs.ErrNotExist)
		}
		return nil, err
	}
	return r, nil
}

// List returns the object names under prefix.
func (c *Client) List(ctx context.Context, bucket, prefix string) ([]string, error) {
	if c == nil {
		return nil, errors.New("nil client")
	}

	var names []string
	it := c.api.Bucket(bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			if errors.Is(err, storage.ErrBucketNotExist) {
				return nil, fmt.Errorf("gs://%s: %w", bucket, fs.ErrNotExist)
			}
			return nil, err
		}
		names = append(names, attrs.Name)
	}
	return names, nil
}
