package store

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"

	"github.com/bitflowhq/bitflow-core/errors"
	"github.com/bitflowhq/bitflow-core/natsclient"
)

// KV is a Store backed by JetStream key-value buckets, one bucket per
// table, named "<prefix>_<table>".
type KV struct {
	client *natsclient.Client
	prefix string

	mu      sync.Mutex
	buckets map[string]*natsclient.KVStore
}

// NewKV creates a KV store. Buckets are created lazily on first use.
func NewKV(client *natsclient.Client, prefix string) *KV {
	if prefix == "" {
		prefix = "bitflow"
	}
	return &KV{
		client:  client,
		prefix:  prefix,
		buckets: make(map[string]*natsclient.KVStore),
	}
}

func (k *KV) bucketFor(ctx context.Context, table string) (*natsclient.KVStore, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if b, ok := k.buckets[table]; ok {
		return b, nil
	}

	name := fmt.Sprintf("%s_%s", k.prefix, table)
	bucket, err := k.client.EnsureKeyValue(ctx, name)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindStorageError, "store", "bucketFor", "ensure bucket "+name)
	}

	b := natsclient.NewKVStore(bucket)
	k.buckets[table] = b
	return b, nil
}

// Put creates or replaces the document id in table.
func (k *KV) Put(ctx context.Context, table, id string, doc []byte) error {
	b, err := k.bucketFor(ctx, table)
	if err != nil {
		return err
	}
	if _, err := b.Put(ctx, id, doc); err != nil {
		return errors.Wrap(err, errors.KindStorageError, "store", "Put", table+"/"+id)
	}
	return nil
}

// Get returns the document id from table.
func (k *KV) Get(ctx context.Context, table, id string) ([]byte, error) {
	b, err := k.bucketFor(ctx, table)
	if err != nil {
		return nil, err
	}
	entry, err := b.Get(ctx, id)
	if err != nil {
		if stderrors.Is(err, natsclient.ErrKVKeyNotFound) {
			return nil, errors.Wrap(ErrNotFound, errors.KindStorageError, "store", "Get", table+"/"+id)
		}
		return nil, errors.Wrap(err, errors.KindStorageError, "store", "Get", table+"/"+id)
	}
	return entry.Value, nil
}

// Delete removes the document id from table.
func (k *KV) Delete(ctx context.Context, table, id string) error {
	b, err := k.bucketFor(ctx, table)
	if err != nil {
		return err
	}
	if err := b.Delete(ctx, id); err != nil {
		return errors.Wrap(err, errors.KindStorageError, "store", "Delete", table+"/"+id)
	}
	return nil
}

// List returns all documents in a table keyed by id.
func (k *KV) List(ctx context.Context, table string) (map[string][]byte, error) {
	b, err := k.bucketFor(ctx, table)
	if err != nil {
		return nil, err
	}

	keys, err := b.Keys(ctx)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindStorageError, "store", "List", table)
	}

	out := make(map[string][]byte, len(keys))
	for _, key := range keys {
		entry, err := b.Get(ctx, key)
		if err != nil {
			if stderrors.Is(err, natsclient.ErrKVKeyNotFound) {
				continue // deleted between Keys and Get
			}
			return nil, errors.Wrap(err, errors.KindStorageError, "store", "List", table+"/"+key)
		}
		out[key] = entry.Value
	}
	return out, nil
}
