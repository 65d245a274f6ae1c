// Package idempotency replays the first successful response for a repeated
// (scope, key) pair within a TTL window.
package idempotency

import (
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const DefaultTTL = 10 * time.Minute

type entry struct {
	value    []byte
	storedAt time.Time
}

// Index is a bounded TTL cache of response envelopes. Concurrent duplicates
// racing the first call are collapsed per key: the loser receives the
// winner's result. Failed calls are never cached.
type Index struct {
	ttl   time.Duration
	group singleflight.Group

	mu      sync.Mutex
	entries map[string]entry
	now     func() time.Time
}

func New(ttl time.Duration) *Index {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Index{
		ttl:     ttl,
		entries: make(map[string]entry),
		now:     time.Now,
	}
}

// Do returns the cached response for (scope, key) when present, otherwise
// runs fn and caches its successful result. The second return reports a
// replay.
func (i *Index) Do(scope, key string, fn func() ([]byte, error)) ([]byte, bool, error) {
	fullKey := scope + "\x00" + key

	if value, ok := i.lookup(fullKey); ok {
		return value, true, nil
	}

	executed := false
	result, err, _ := i.group.Do(fullKey, func() (any, error) {
		// Re-check under the flight: a racing call may have stored the
		// value between lookup and Do.
		if value, ok := i.lookup(fullKey); ok {
			return value, nil
		}
		executed = true
		value, err := fn()
		if err != nil {
			return nil, err
		}
		i.store(fullKey, value)
		return value, nil
	})
	if err != nil {
		return nil, false, err
	}
	return result.([]byte), !executed, nil
}

func (i *Index) lookup(fullKey string) ([]byte, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()

	e, ok := i.entries[fullKey]
	if !ok {
		return nil, false
	}
	if i.now().Sub(e.storedAt) > i.ttl {
		delete(i.entries, fullKey)
		return nil, false
	}
	return e.value, true
}

func (i *Index) store(fullKey string, value []byte) {
	i.mu.Lock()
	defer i.mu.Unlock()

	// Opportunistic sweep keeps the map bounded by the TTL window.
	cutoff := i.now().Add(-i.ttl)
	for k, e := range i.entries {
		if e.storedAt.Before(cutoff) {
			delete(i.entries, k)
		}
	}
	i.entries[fullKey] = entry{value: value, storedAt: i.now()}
}
