package cache

import "time"

// Entry represents a cached result
type Entry struct {
	// Key is the fingerprint the entry is stored under
	Key string `json:"key"`

	// Payload is the encoded result
	Payload []byte `json:"payload"`

	// Size of Payload in bytes
	Size int `json:"size"`

	// Tier is the name of the tier the entry was read from. Not persisted.
	Tier string `json:"-"`

	// WrittenAt is when the entry was first produced
	WrittenAt time.Time `json:"written_at"`
}

// NewEntry builds an entry stamped with the current time
func NewEntry(key string, payload []byte) *Entry {
	return &Entry{
		Key:       key,
		Payload:   payload,
		Size:      len(payload),
		WrittenAt: time.Now().UTC(),
	}
}

// clone returns a copy tagged with tier, so tiers never hand out shared values
func (e *Entry) clone(tier string) *Entry {
	c := *e
	c.Tier = tier

	return &c
}
