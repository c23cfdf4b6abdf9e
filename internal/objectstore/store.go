// Package objectstore persists synthesized audio in a JetStream object
// store bucket so bus callers can fetch results by key.
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

type Store struct {
	bucket string
	store  nats.ObjectStore
}

// New creates the bucket if needed, or binds to it when it already exists.
func New(js nats.JetStreamContext, bucket string) (*Store, error) {
	store, err := js.CreateObjectStore(&nats.ObjectStoreConfig{
		Bucket:      bucket,
		Description: "synthesized audio payloads",
		Storage:     nats.FileStorage,
	})
	if err != nil {
		if !errors.Is(err, jetstream.ErrBucketExists) {
			return nil, fmt.Errorf("create object store bucket %q: %w", bucket, err)
		}
		store, err = js.ObjectStore(bucket)
		if err != nil {
			return nil, fmt.Errorf("bind object store bucket %q: %w", bucket, err)
		}
	}
	return &Store{bucket: bucket, store: store}, nil
}

func (s *Store) Upload(_ context.Context, key string, data []byte) error {
	if _, err := s.store.Put(&nats.ObjectMeta{Name: key}, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("put object %q in bucket %q: %w", key, s.bucket, err)
	}
	return nil
}

func (s *Store) Download(_ context.Context, key string) ([]byte, error) {
	obj, err := s.store.Get(key)
	if err != nil {
		return nil, fmt.Errorf("get object %q from bucket %q: %w", key, s.bucket, err)
	}
	data, readErr := io.ReadAll(obj)
	closeErr := obj.Close()
	if readErr != nil {
		return nil, fmt.Errorf("read object %q: %w", key, readErr)
	}
	if closeErr != nil {
		return data, fmt.Errorf("close object %q: %w", key, closeErr)
	}
	return data, nil
}

// Delete removes a stored payload. Missing keys are not an error.
func (s *Store) Delete(_ context.Context, key string) error {
	if err := s.store.Delete(key); err != nil {
		if errors.Is(err, nats.ErrObjectNotFound) {
			return nil
		}
		return fmt.Errorf("delete object %q from bucket %q: %w", key, s.bucket, err)
	}
	return nil
}
