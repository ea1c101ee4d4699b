package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// Deduper ricorda le chiavi viste per ttl, fino a max elementi.
// Serve a scartare le redelivery at-least-once dello stesso payload.
type Deduper struct {
	mu   sync.Mutex
	ttl  time.Duration
	max  int
	seen map[string]time.Time
	now  func() time.Time
}

func New(ttl time.Duration, max int) *Deduper {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if max <= 0 {
		max = 10000
	}
	return &Deduper{ttl: ttl, max: max, seen: make(map[string]time.Time, max), now: time.Now}
}

// WithClock replaces the time source, used by tests.
func (d *Deduper) WithClock(now func() time.Time) *Deduper {
	d.now = now
	return d
}

// PayloadKey is the hex sha256 of a message body.
func PayloadKey(payload []byte) string {
	h := sha256.Sum256(payload)
	return hex.EncodeToString(h[:])
}

// ShouldProcessPayload is ShouldProcess keyed by PayloadKey(payload).
func (d *Deduper) ShouldProcessPayload(payload []byte) bool {
	return d.ShouldProcess(PayloadKey(payload))
}

// ShouldProcess reports whether id has not been seen within the ttl and marks it seen.
// An empty id is always processed.
func (d *Deduper) ShouldProcess(id string) bool {
	if d == nil || id == "" {
		return true
	}
	now := d.now()
	d.mu.Lock()
	defer d.mu.Unlock()
	if exp, ok := d.seen[id]; ok && now.Before(exp) {
		return false
	}
	d.seen[id] = now.Add(d.ttl)
	if len(d.seen) > d.max {
		d.evict(now)
	}
	return true
}

// Forget drops id so that the next delivery with the same key is processed again.
func (d *Deduper) Forget(id string) {
	if d == nil {
		return
	}
	d.mu.Lock()
	delete(d.seen, id)
	d.mu.Unlock()
}

// Len returns the number of tracked keys, expired ones included.
func (d *Deduper) Len() int {
	if d == nil {
		return 0
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

func (d *Deduper) evict(now time.Time) {
	for k, v := range d.seen {
		if now.After(v) {
			delete(d.seen, k)
		}
		if len(d.seen) <= d.max {
			return
		}
	}
}
