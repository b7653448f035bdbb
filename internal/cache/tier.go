package cache

import "context"

// Tier is one backend in an ordered fallback chain
type Tier interface {
	// Name identifies the tier in logs and metrics (e.g. "memory", "disk", "s3")
	Name() string

	// Get returns ok=false with a nil error on a miss.
	Get(ctx context.Context, key string) (entry *Entry, ok bool, err error)

	Put(ctx context.Context, entry *Entry) error
}

// Closer is implemented by tiers holding resources
type Closer interface {
	Close() error
}
