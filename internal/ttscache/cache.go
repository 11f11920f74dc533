// Package ttscache provides the content-addressed synthesis cache and the
// on-disk baked-phrase store.
//
// Cached buffers are keyed by a hash of the TTS configuration plus the
// input text (see [Key]); the cache as a whole is bound to a configuration
// hash (see [ConfigHash]) and is cleared entirely when that hash changes.
// Frequently used phrases ("greetings", "check-ins") are registered under
// labels and can be drawn at random without repeating the previous pick.
package ttscache

import (
	"errors"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/Hideous-Monster/voxclaw/internal/observe"
)

// Phrase labels recognised by the baked store.
const (
	LabelGreetings = "greetings"
	LabelCheckIns  = "check-ins"
)

// ErrManifestCorrupt indicates the baked manifest could not be read or
// parsed. Recovery is automatic: affected phrases are re-synthesised.
var ErrManifestCorrupt = errors.New("ttscache: baked manifest corrupt")

// Phrase is one labelled cached phrase returned by [Cache.GetRandomPhrase].
type Phrase struct {
	// Data is the synthesised audio buffer.
	Data []byte

	// BakedOgg reports whether Data is an OGG Opus stream loaded from the
	// baked store, as opposed to the provider's default container.
	BakedOgg bool
}

type entry struct {
	data       []byte
	lastUsedAt time.Time
	bakedOgg   bool
}

// Cache is an in-memory LRU cache of synthesised audio. All methods are
// safe for concurrent use.
type Cache struct {
	mu           sync.Mutex
	entries      map[string]*entry
	labels       map[string]map[string]struct{}
	lastReturned map[string]string
	totalBytes   int64
	configHash   string

	metrics *observe.Metrics

	// now and pick are swappable for tests.
	now  func() time.Time
	pick func(n int) int
}

// New creates an empty cache reporting into metrics.
func New(metrics *observe.Metrics) *Cache {
	return &Cache{
		entries:      make(map[string]*entry),
		labels:       make(map[string]map[string]struct{}),
		lastReturned: make(map[string]string),
		metrics:      metrics,
		now:          time.Now,
		pick:         rand.Intn,
	}
}

// Get returns the cached buffer for key, or nil and false on a miss. A hit
// refreshes the entry's recency.
func (c *Cache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		c.metrics.Inc(observe.CounterCacheMisses)
		return nil, false
	}
	e.lastUsedAt = c.now()
	c.metrics.Inc(observe.CounterCacheHits)
	return e.data, true
}

// Set stores buf under key, replacing any existing entry, then evicts
// least-recently-used entries one at a time until the total size fits
// within maxSizeMb. Evicted keys are also removed from every label set.
func (c *Cache) Set(key string, buf []byte, maxSizeMb int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(key, buf, maxSizeMb, false)
}

// setBaked is Set for buffers loaded from (or written to) the baked store.
func (c *Cache) setBaked(key string, buf []byte, maxSizeMb int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(key, buf, maxSizeMb, true)
}

func (c *Cache) setLocked(key string, buf []byte, maxSizeMb int, bakedOgg bool) {
	if old, ok := c.entries[key]; ok {
		c.totalBytes -= int64(len(old.data))
	}
	c.entries[key] = &entry{data: buf, lastUsedAt: c.now(), bakedOgg: bakedOgg}
	c.totalBytes += int64(len(buf))

	limit := int64(maxSizeMb) * 1024 * 1024
	for c.totalBytes > limit && len(c.entries) > 0 {
		c.evictOldestLocked()
	}
	c.metrics.SetGauge(observe.GaugeCacheSizeBytes, c.totalBytes)
}

// evictOldestLocked removes the least-recently-used entry. Callers must
// hold c.mu.
func (c *Cache) evictOldestLocked() {
	var oldestKey string
	var oldestAt time.Time
	first := true
	for k, e := range c.entries {
		if first || e.lastUsedAt.Before(oldestAt) {
			oldestKey, oldestAt, first = k, e.lastUsedAt, false
		}
	}
	e := c.entries[oldestKey]
	c.totalBytes -= int64(len(e.data))
	delete(c.entries, oldestKey)
	for _, keys := range c.labels {
		delete(keys, oldestKey)
	}
	slog.Debug("tts cache evicted entry", "key", oldestKey, "bytes", len(e.data))
}

// Clear drops every entry, every label set, and the stored config hash.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*entry)
	c.labels = make(map[string]map[string]struct{})
	c.lastReturned = make(map[string]string)
	c.totalBytes = 0
	c.configHash = ""
	c.metrics.SetGauge(observe.GaugeCacheSizeBytes, 0)
}

// RegisterPhraseKey associates key with a phrase label so it becomes
// eligible for [Cache.GetRandomPhrase].
func (c *Cache) RegisterPhraseKey(key, label string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	set := c.labels[label]
	if set == nil {
		set = make(map[string]struct{})
		c.labels[label] = set
	}
	set[key] = struct{}{}
}

// GetRandomPhrase picks a uniformly random cached phrase with the given
// label, never returning the previously returned key while an alternative
// exists. Returns false when no labelled key is currently cached.
func (c *Cache) GetRandomPhrase(label string) (Phrase, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var candidates []string
	for key := range c.labels[label] {
		if _, ok := c.entries[key]; ok {
			candidates = append(candidates, key)
		}
	}
	if len(candidates) == 0 {
		return Phrase{}, false
	}
	sort.Strings(candidates)
	if last := c.lastReturned[label]; last != "" && len(candidates) > 1 {
		for i, key := range candidates {
			if key == last {
				candidates = append(candidates[:i], candidates[i+1:]...)
				break
			}
		}
	}

	key := candidates[c.pick(len(candidates))]
	c.lastReturned[label] = key
	e := c.entries[key]
	e.lastUsedAt = c.now()
	c.metrics.Inc(observe.CounterCacheHits)
	return Phrase{Data: e.data, BakedOgg: e.bakedOgg}, true
}

// ConfigHash returns the hash the cache is currently bound to. Empty until
// the first pre-warm.
func (c *Cache) ConfigHash() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.configHash
}

// SizeBytes returns the current total cached payload size.
func (c *Cache) SizeBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalBytes
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
