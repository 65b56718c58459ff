// Package dedup remembers recently seen message keys so redelivered
// messages can be skipped.
package dedup

import (
	"sync"
	"time"
)

const (
	DefaultTTL  = 10 * time.Minute
	DefaultSize = 10000
)

// Deduper is a TTL set of keys bounded to a maximum size.
type Deduper struct {
	mu     sync.Mutex
	ttl    time.Duration
	max    int
	expiry map[string]time.Time
	now    func() time.Time
}

type Option func(*Deduper)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(d *Deduper) {
		if now != nil {
			d.now = now
		}
	}
}

func New(ttl time.Duration, max int, opts ...Option) *Deduper {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if max <= 0 {
		max = DefaultSize
	}
	d := &Deduper{ttl: ttl, max: max, expiry: make(map[string]time.Time), now: time.Now}
	for _, o := range opts {
		o(d)
	}
	return d
}

// ShouldProcess reports whether key is new within the TTL and marks it seen.
// An empty key is always processed.
func (d *Deduper) ShouldProcess(key string) bool {
	if key == "" {
		return true
	}
	now := d.now()
	d.mu.Lock()
	defer d.mu.Unlock()
	if exp, ok := d.expiry[key]; ok && now.Before(exp) {
		return false
	}
	d.expiry[key] = now.Add(d.ttl)
	if len(d.expiry) > d.max {
		d.evict(now, key)
	}
	return true
}

// evict drops expired keys, then the soonest-expiring ones until the set
// fits again. keep is never evicted.
func (d *Deduper) evict(now time.Time, keep string) {
	for k, exp := range d.expiry {
		if !now.Before(exp) {
			delete(d.expiry, k)
		}
	}
	for len(d.expiry) > d.max {
		var oldest string
		var oldestExp time.Time
		for k, exp := range d.expiry {
			if k == keep {
				continue
			}
			if oldest == "" || exp.Before(oldestExp) {
				oldest, oldestExp = k, exp
			}
		}
		if oldest == "" {
			return
		}
		delete(d.expiry, oldest)
	}
}

// Len returns the number of remembered keys, expired or not.
func (d *Deduper) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.expiry)
}
