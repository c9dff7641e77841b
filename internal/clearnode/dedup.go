package clearnode

import (
	"sync"
	"time"
)

// Dedup drops inbound frames that were already delivered within a TTL
// window. It is safe for concurrent use.
type Dedup struct {
	seen map[string]time.Time // frame key -> first delivery
	ttl  time.Duration
	now  func() time.Time
	mu   sync.Mutex
}

// NewDedup creates a Dedup that treats a key as duplicate for ttl after it
// was first seen.
func NewDedup(ttl time.Duration) *Dedup {
	return &Dedup{
		seen: make(map[string]time.Time),
		ttl:  ttl,
		now:  time.Now,
	}
}

// IsDuplicate reports whether key was seen within the TTL. Unseen or
// expired keys are recorded and false is returned.
func (d *Dedup) IsDuplicate(key string) bool {
	if d.ttl <= 0 {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if first, ok := d.seen[key]; ok && now.Sub(first) < d.ttl {
		return true
	}
	d.seen[key] = now
	return false
}

// Cleanup removes expired entries. The session calls it periodically from
// its read loop.
func (d *Dedup) Cleanup() {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	for key, first := range d.seen {
		if now.Sub(first) >= d.ttl {
			delete(d.seen, key)
		}
	}
}

// Len returns the number of tracked keys.
func (d *Dedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
