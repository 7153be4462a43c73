// Package ledger provides a NATS-based implementation of the CleanupLedger interface.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/book-expert/tts-dispatch/internal/core"
	"github.com/nats-io/nats.go/jetstream"
)

// NatsLedger implements core.CleanupLedger on a JetStream key-value bucket.
// Each pending deletion is one key holding the JSON encoded entry. Every
// operation is bounded by its context.
type NatsLedger struct {
	bucket string
	store  jetstream.KeyValue
}

// New creates the bucket, or binds to it when it already exists.
func New(ctx context.Context, jetstreamContext jetstream.JetStream, bucketName string) (*NatsLedger, error) {
	store, err := jetstreamContext.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucketName,
		Description: fmt.Sprintf("Pending temporary audio deletions for the %s bucket.", bucketName),
		History:     1,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
	})
	if err != nil {
		if !errors.Is(err, jetstream.ErrBucketExists) && !errors.Is(err, jetstream.ErrStreamNameAlreadyInUse) {
			return nil, fmt.Errorf("failed to create key-value bucket '%s': %w", bucketName, err)
		}

		store, err = jetstreamContext.KeyValue(ctx, bucketName)
		if err != nil {
			return nil, fmt.Errorf("failed to bind to existing key-value bucket '%s': %w", bucketName, err)
		}
	}

	return &NatsLedger{
		bucket: bucketName,
		store:  store,
	}, nil
}

// Record stores entry under its key.
func (n *NatsLedger) Record(ctx context.Context, entry core.CleanupEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode cleanup entry '%s': %w", entry.Key, err)
	}

	_, err = n.store.Put(ctx, entry.Key, data)
	if err != nil {
		return fmt.Errorf("failed to put cleanup entry '%s' to bucket '%s': %w", entry.Key, n.bucket, err)
	}

	return nil
}

// Forget removes the entry for key. Forgetting an unknown key is not an error.
func (n *NatsLedger) Forget(ctx context.Context, key string) error {
	err := n.store.Purge(ctx, key)
	if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("failed to purge cleanup entry '%s' from bucket '%s': %w", key, n.bucket, err)
	}

	return nil
}

// Pending lists every recorded entry.
func (n *NatsLedger) Pending(ctx context.Context) ([]core.CleanupEntry, error) {
	lister, err := n.store.ListKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list keys of bucket '%s': %w", n.bucket, err)
	}

	defer func() {
		_ = lister.Stop()
	}()

	var entries []core.CleanupEntry

	for key := range lister.Keys() {
		item, getErr := n.store.Get(ctx, key)
		if getErr != nil {
			if errors.Is(getErr, jetstream.ErrKeyNotFound) {
				continue
			}

			return nil, fmt.Errorf("failed to get cleanup entry '%s': %w", key, getErr)
		}

		var entry core.CleanupEntry

		decodeErr := json.Unmarshal(item.Value(), &entry)
		if decodeErr != nil {
			return nil, fmt.Errorf("failed to decode cleanup entry '%s': %w", key, decodeErr)
		}

		entries = append(entries, entry)
	}

	if ctx.Err() != nil {
		return nil, fmt.Errorf("listing keys of bucket '%s': %w", n.bucket, ctx.Err())
	}

	return entries, nil
}
