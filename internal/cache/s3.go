package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Norgate-AV/compilerd/internal/blobstore"
)

// RemoteTier stores entries as JSON objects in an object store. It is never
// evicted from here; expiry is the bucket lifecycle policy's job.
type RemoteTier struct {
	store blobstore.Store
	name  string
}

func NewRemoteTier(name string, store blobstore.Store) *RemoteTier {
	return &RemoteTier{store: store, name: name}
}

func (r *RemoteTier) Name() string {
	return r.name
}

// objectKey spreads fingerprints across prefixes: sha256:abcd... -> sha256/ab/abcd...
func objectKey(key string) string {
	algo, hex, found := strings.Cut(key, ":")
	if !found {
		algo, hex = "raw", key
	}

	if len(hex) < 2 {
		return algo + "/" + hex
	}

	return algo + "/" + hex[:2] + "/" + hex
}

func (r *RemoteTier) Get(ctx context.Context, key string) (*Entry, bool, error) {
	data, ok, err := r.store.Get(ctx, objectKey(key))
	if err != nil || !ok {
		return nil, false, err
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, false, fmt.Errorf("failed to decode cache object %s: %w", key, err)
	}

	entry.Tier = r.name

	return &entry, true, nil
}

func (r *RemoteTier) Put(ctx context.Context, entry *Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode cache entry: %w", err)
	}

	return r.store.Put(ctx, objectKey(entry.Key), data, blobstore.PutOptions{
		ContentType: "application/json",
	})
}
