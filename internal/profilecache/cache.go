// Package profilecache implements the per-process TTL cache of each
// sensor's active conversion profile. It generalizes the
// double-checked-locking TTL cache shape used elsewhere in this
// codebase for subscription lookups, but keys expiry per entry
// instead of sharing one clock across the whole cache, since profiles
// for different sensors become stale independently.
package profilecache

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"telemetry-core/internal/conversion"
)

// Entry is the cached view of a sensor's active profile. A sensor with
// no active profile is cached as a nil *Entry (a legitimate, cacheable
// state per the ingest spec: such readings are tagged raw_only).
type Entry struct {
	ProfileID string
	Kind      conversion.Kind
	Profile   *conversion.Profile
}

// Loader resolves the current active profile for a sensor from
// durable storage. It returns (nil, nil) when the sensor has no
// active profile.
type Loader func(ctx context.Context, sensorID string) (*Entry, error)

type cacheEntry struct {
	entry   *Entry
	expires time.Time
}

type Cache struct {
	load Loader
	ttl  time.Duration
	log  *logrus.Entry

	mu      sync.RWMutex
	entries map[string]cacheEntry
}

func New(load Loader, ttl time.Duration, log *logrus.Entry) *Cache {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &Cache{
		load:    load,
		ttl:     ttl,
		log:     log,
		entries: make(map[string]cacheEntry),
	}
}

// Get returns the currently cached (possibly freshly loaded) active
// profile entry for sensorID. A reading converted immediately after
// this call is guaranteed to use a profile that was active no more
// than the cache TTL before the call, per the consistency contract.
func (c *Cache) Get(ctx context.Context, sensorID string) (*Entry, error) {
	c.mu.RLock()
	if ce, ok := c.entries[sensorID]; ok && time.Now().Before(ce.expires) {
		c.mu.RUnlock()
		return ce.entry, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	// Double-check: another goroutine may have refreshed this key
	// while we waited for the write lock.
	if ce, ok := c.entries[sensorID]; ok && time.Now().Before(ce.expires) {
		return ce.entry, nil
	}

	entry, err := c.load(ctx, sensorID)
	if err != nil {
		return nil, err
	}
	c.entries[sensorID] = cacheEntry{entry: entry, expires: time.Now().Add(c.ttl)}
	if c.log != nil {
		c.log.WithField("sensor_id", sensorID).Debug("profile cache refreshed")
	}
	return entry, nil
}

// Invalidate forces the next Get for sensorID to reload from storage.
// Called synchronously in-process right after a profile publish
// commits, so same-process readers see the new profile immediately
// rather than waiting out the TTL; other processes converge by TTL
// expiry.
func (c *Cache) Invalidate(sensorID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, sensorID)
}

// InvalidateAll drops every cached entry; used in tests and on
// startup after a schema migration that might change profile data.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]cacheEntry)
}
