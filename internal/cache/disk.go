package cache

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.etcd.io/bbolt"
)

const (
	// DefaultDiskFile is the database file inside the cache directory
	DefaultDiskFile = "cache.db"

	// entriesBucket holds key -> JSON entry
	entriesBucket = "entries"

	// orderBucket holds insertion sequence -> key, oldest first, for pruning
	orderBucket = "order"
)

// diskRecord is an entry plus its position in the order index. The position
// is local insertion order; WrittenAt can be far older for promoted entries.
type diskRecord struct {
	Seq uint64 `json:"seq"`
	Entry
}

// DiskTier stores entries in a BoltDB file, bounded by entry count
type DiskTier struct {
	db         *bbolt.DB
	maxEntries int

	// mu serialises writers so count stays in step with committed state
	mu    sync.Mutex
	count int
}

// NewDiskTier opens (or creates) a BoltDB cache under dir. maxEntries <= 0
// means unbounded.
func NewDiskTier(dir string, maxEntries int) (*DiskTier, error) {
	if dir == "" {
		return nil, fmt.Errorf("disk tier requires a directory")
	}

	// Ensure cache directory exists
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	dbPath := filepath.Join(dir, DefaultDiskFile)
	db, err := bbolt.Open(dbPath, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(entriesBucket)); err != nil {
			return err
		}

		_, err := tx.CreateBucketIfNotExists([]byte(orderBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create cache bucket: %w", err)
	}

	var count int
	err = db.View(func(tx *bbolt.Tx) error {
		count = tx.Bucket([]byte(entriesBucket)).Stats().KeyN
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to count cache entries: %w", err)
	}

	return &DiskTier{
		db:         db,
		maxEntries: maxEntries,
		count:      count,
	}, nil
}

func (d *DiskTier) Name() string {
	return "disk"
}

// Close closes the cache database
func (d *DiskTier) Close() error {
	if d.db != nil {
		return d.db.Close()
	}

	return nil
}

func (d *DiskTier) Get(_ context.Context, key string) (*Entry, bool, error) {
	var rec diskRecord
	found := false

	err := d.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(entriesBucket)).Get([]byte(key))
		if data == nil {
			return nil // Cache miss
		}

		found = true
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to read cache entry: %w", err)
	}

	if !found {
		return nil, false, nil
	}

	entry := rec.Entry
	entry.Tier = d.Name()

	return &entry, true, nil
}

func (d *DiskTier) Put(_ context.Context, entry *Entry) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var count int
	err := d.db.Update(func(tx *bbolt.Tx) error {
		count = d.count
		entries := tx.Bucket([]byte(entriesBucket))
		order := tx.Bucket([]byte(orderBucket))

		old := entries.Get([]byte(entry.Key))
		if old == nil {
			count++
		} else {
			// Replacing an entry must drop its old position in the order index
			var prev diskRecord
			if err := json.Unmarshal(old, &prev); err == nil {
				if err := order.Delete(orderKey(prev.Seq)); err != nil {
					return err
				}
			}
		}

		seq, err := order.NextSequence()
		if err != nil {
			return err
		}

		data, err := json.Marshal(diskRecord{Seq: seq, Entry: *entry})
		if err != nil {
			return fmt.Errorf("failed to encode cache entry: %w", err)
		}

		if err := entries.Put([]byte(entry.Key), data); err != nil {
			return err
		}

		if err := order.Put(orderKey(seq), []byte(entry.Key)); err != nil {
			return err
		}

		pruned, err := d.prune(entries, order, count)
		count -= pruned

		return err
	})
	if err != nil {
		return fmt.Errorf("failed to store cache entry: %w", err)
	}

	d.count = count

	return nil
}

// prune deletes the oldest entries until count fits maxEntries and reports
// how many it removed
func (d *DiskTier) prune(entries, order *bbolt.Bucket, count int) (int, error) {
	if d.maxEntries <= 0 {
		return 0, nil
	}

	excess := count - d.maxEntries
	if excess <= 0 {
		return 0, nil
	}

	var stale [][]byte
	c := order.Cursor()
	for k, v := c.First(); k != nil && len(stale) < excess; k, v = c.Next() {
		if err := entries.Delete(v); err != nil {
			return 0, err
		}

		stale = append(stale, append([]byte(nil), k...))
	}

	for _, k := range stale {
		if err := order.Delete(k); err != nil {
			return 0, err
		}
	}

	return len(stale), nil
}

// Stats returns the number of entries and total payload bytes
func (d *DiskTier) Stats() (int, int64, error) {
	var count int
	var totalSize int64

	err := d.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(entriesBucket)).ForEach(func(_, v []byte) error {
			var e diskRecord
			if err := json.Unmarshal(v, &e); err != nil {
				return nil // Skip corrupt entries
			}

			count++
			totalSize += int64(e.Size)

			return nil
		})
	})
	if err != nil {
		return 0, 0, err
	}

	return count, totalSize, nil
}

// Clear removes all cache entries
func (d *DiskTier) Clear() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	err := d.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{entriesBucket, orderBucket} {
			if err := tx.DeleteBucket([]byte(name)); err != nil {
				return err
			}

			if _, err := tx.CreateBucket([]byte(name)); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return err
	}

	d.count = 0

	return nil
}

func orderKey(seq uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, seq)

	return buf
}
