package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

var ErrObjectNotFound = errors.New("object not found")

const (
	downloadTimeout = 2 * time.Minute
	// MaxObjectBytes caps a single material download.
	MaxObjectBytes = 64 << 20
)

// NewClient builds a storage client. A non-empty emulatorHost routes every
// call to a local fake-gcs-server without credentials.
func NewClient(ctx context.Context, emulatorHost string) (*storage.Client, error) {
	endpoint := strings.TrimRight(strings.TrimSpace(emulatorHost), "/")
	if endpoint == "" {
		return storage.NewClient(ctx, option.WithScopes(storage.ScopeReadOnly))
	}
	_ = os.Setenv("STORAGE_EMULATOR_HOST", endpoint)
	return storage.NewClient(ctx, option.WithoutAuthentication())
}

type Bucket struct {
	client *storage.Client
	name   string
}

func NewBucket(client *storage.Client, name string) *Bucket {
	return &Bucket{client: client, name: name}
}

// Download reads the whole object at key.
func (b *Bucket) Download(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, downloadTimeout)
	defer cancel()

	r, err := b.client.Bucket(b.name).Object(key).NewReader(ctx)
	if err != nil {
		return nil, mapError(key, err)
	}
	defer r.Close()

	if r.Attrs.Size > MaxObjectBytes {
		return nil, fmt.Errorf("object %s is %d bytes, limit is %d", key, r.Attrs.Size, MaxObjectBytes)
	}

	data, err := io.ReadAll(io.LimitReader(r, MaxObjectBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read object %s: %w", key, err)
	}
	if len(data) > MaxObjectBytes {
		return nil, fmt.Errorf("object %s exceeds %d bytes", key, MaxObjectBytes)
	}
	return data, nil
}

// Exists reports whether key is present in the bucket.
func (b *Bucket) Exists(ctx context.Context, key string) (bool, error) {
	_, err := b.client.Bucket(b.name).Object(key).Attrs(ctx)
	if err == nil {
		return true, nil
	}
	if errors.Is(mapError(key, err), ErrObjectNotFound) {
		return false, nil
	}
	return false, err
}

func mapError(key string, err error) error {
	if errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist) {
		return fmt.Errorf("%w: %s", ErrObjectNotFound, key)
	}
	return fmt.Errorf("failed to open GCS reader: %w", err)
}
