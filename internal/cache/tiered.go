package cache

import (
	"context"
	"errors"

	"github.com/go-logr/logr"

	"github.com/Norgate-AV/compilerd/internal/logging"
	"github.com/Norgate-AV/compilerd/internal/metrics"
)

// Tiered sequences its tiers fast to slow. Reads stop at the first hit and
// promote it into every faster tier; writes go to every tier. Tier failures
// are logged and never returned: a read failure is a miss, a write failure is
// dropped.
type Tiered struct {
	channel string
	tiers   []Tier
	logger  logr.Logger
}

// New creates a tiered cache for a channel. No tiers means every Get misses.
func New(channel string, logger logr.Logger, tiers ...Tier) *Tiered {
	return &Tiered{
		channel: channel,
		tiers:   tiers,
		logger:  logger.WithValues("channel", channel),
	}
}

// Channel returns the channel name
func (c *Tiered) Channel() string {
	return c.channel
}

// Enabled reports whether any tier is configured
func (c *Tiered) Enabled() bool {
	return len(c.tiers) > 0
}

// Tiers returns the names of the configured tiers in lookup order
func (c *Tiered) Tiers() []string {
	names := make([]string, len(c.tiers))
	for i, t := range c.tiers {
		names[i] = t.Name()
	}

	return names
}

// Get looks key up in each tier in turn
func (c *Tiered) Get(ctx context.Context, key string) (*Entry, bool) {
	for i, tier := range c.tiers {
		entry, ok, err := tier.Get(ctx, key)
		if err != nil {
			metrics.CacheLookups.WithLabelValues(c.channel, tier.Name(), "error").Inc()
			c.logger.V(logging.DEFAULT).Info("Cache read failed, treating as miss", "tier", tier.Name(), "key", key, "err", err.Error())
			continue
		}

		if !ok {
			metrics.CacheLookups.WithLabelValues(c.channel, tier.Name(), "miss").Inc()
			continue
		}

		metrics.CacheLookups.WithLabelValues(c.channel, tier.Name(), "hit").Inc()
		c.promote(ctx, entry, i)

		return entry, true
	}

	return nil, false
}

// promote copies a hit from tier n into tiers 0..n-1
func (c *Tiered) promote(ctx context.Context, entry *Entry, n int) {
	for _, tier := range c.tiers[:n] {
		c.write(ctx, tier, entry)
	}
}

// Put writes payload under key to every tier
func (c *Tiered) Put(ctx context.Context, key string, payload []byte) {
	if len(c.tiers) == 0 {
		return
	}

	entry := NewEntry(key, payload)
	for _, tier := range c.tiers {
		c.write(ctx, tier, entry)
	}
}

func (c *Tiered) write(ctx context.Context, tier Tier, entry *Entry) {
	if err := tier.Put(ctx, entry); err != nil {
		metrics.CacheWrites.WithLabelValues(c.channel, tier.Name(), "error").Inc()
		c.logger.Error(err, "Cache write failed", "tier", tier.Name(), "key", entry.Key)
		return
	}

	metrics.CacheWrites.WithLabelValues(c.channel, tier.Name(), "ok").Inc()
}

// Close releases tiers that hold resources
func (c *Tiered) Close() error {
	var errs []error
	for _, tier := range c.tiers {
		if closer, ok := tier.(Closer); ok {
			if err := closer.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}

	return errors.Join(errs...)
}
