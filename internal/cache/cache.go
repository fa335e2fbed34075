// Package cache implements an in-memory LRU cache of answered queries,
// keyed by normalized query text with per-entry TTL expiry.
package cache

import (
	"container/list"
	"crypto/md5"
	"encoding/hex"
	"math"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultMaxSize bounds the cache when no capacity is configured.
	DefaultMaxSize = 1000
	// DefaultTTL is how long an entry stays servable after admission.
	DefaultTTL = 60 * time.Minute
	// DefaultMinConfidence is the admission floor: answers scored below
	// it are not worth replaying.
	DefaultMinConfidence = 0.6
)

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Entry is one cached answer. Returned by value; callers cannot mutate
// cache state through it.
type Entry struct {
	Query      string // normalized query text
	Answer     string
	Confidence float64
	Sources    []string
	CreatedAt  time.Time
	HitCount   int
}

// item is the internal representation kept on the LRU list.
type item struct {
	key        string
	entry      Entry
	lastAccess time.Time
}

// Cache is a thread-safe LRU+TTL cache of query answers. Lookups and
// admissions on the same normalized key are serialized by a single
// mutex; concurrent admissions resolve last-writer-wins.
type Cache struct {
	mu            sync.Mutex
	items         map[string]*list.Element
	lru           *list.List // front = most recently used
	maxSize       int
	ttl           time.Duration
	minConfidence float64
	clock         Clock

	hits      int64
	misses    int64
	evictions int64
}

// New creates a cache with the given capacity, TTL and admission
// confidence floor. Non-positive arguments fall back to the defaults.
func New(maxSize int, ttl time.Duration, minConfidence float64) *Cache {
	return NewWithClock(maxSize, ttl, minConfidence, realClock{})
}

// NewWithClock creates a cache with a custom clock (for testing).
func NewWithClock(maxSize int, ttl time.Duration, minConfidence float64, clock Clock) *Cache {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if minConfidence <= 0 {
		minConfidence = DefaultMinConfidence
	}
	return &Cache{
		items:         make(map[string]*list.Element),
		lru:           list.New(),
		maxSize:       maxSize,
		ttl:           ttl,
		minConfidence: minConfidence,
		clock:         clock,
	}
}

// Normalize canonicalizes a raw query so that case, surrounding/internal
// whitespace and terminal punctuation do not produce distinct keys.
func Normalize(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.Join(strings.Fields(s), " ")
	return strings.TrimRight(s, "?!.,")
}

// Key returns the cache key for a raw query: the MD5 hex digest of its
// normalized form. MD5 is used for compact fixed-width keys, not for
// any security property.
func Key(raw string) string {
	sum := md5.Sum([]byte(Normalize(raw)))
	return hex.EncodeToString(sum[:])
}

// Lookup returns the cached entry for the query, if present and fresh.
// A hit refreshes the entry's recency and increments its hit count; an
// expired entry is removed and reported as a miss.
func (c *Cache) Lookup(rawQuery string) (Entry, bool) {
	key := Key(rawQuery)
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		c.misses++
		return Entry{}, false
	}

	it := el.Value.(*item)
	if now.Sub(it.entry.CreatedAt) > c.ttl {
		c.removeLocked(el)
		c.misses++
		return Entry{}, false
	}

	it.entry.HitCount++
	it.lastAccess = now
	c.lru.MoveToFront(el)
	c.hits++
	return copyEntry(it.entry), true
}

// Admit stores an answer for future reuse. It refuses (returns false)
// answers below the confidence floor or flagged for escalation, and
// evicts the least-recently-used entry when at capacity. Re-admitting
// an existing key replaces the entry wholesale.
func (c *Cache) Admit(rawQuery, answer string, confidence float64, escalated bool, sources []string) bool {
	if escalated || confidence < c.minConfidence {
		return false
	}

	key := Key(rawQuery)
	now := c.clock.Now()
	entry := Entry{
		Query:      Normalize(rawQuery),
		Answer:     answer,
		Confidence: confidence,
		Sources:    append([]string(nil), sources...),
		CreatedAt:  now,
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		it := el.Value.(*item)
		it.entry = entry
		it.lastAccess = now
		c.lru.MoveToFront(el)
		return true
	}

	for c.lru.Len() >= c.maxSize {
		oldest := c.lru.Back()
		if oldest == nil {
			break
		}
		c.removeLocked(oldest)
		c.evictions++
	}

	el := c.lru.PushFront(&item{key: key, entry: entry, lastAccess: now})
	c.items[key] = el
	return true
}

// Invalidate removes the entry for the query. Returns false when no
// entry was present.
func (c *Cache) Invalidate(rawQuery string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[Key(rawQuery)]
	if !ok {
		return false
	}
	c.removeLocked(el)
	return true
}

// InvalidatePattern removes every entry whose normalized query contains
// the given substring and returns how many were removed.
func (c *Cache) InvalidatePattern(pattern string) int {
	pattern = strings.ToLower(pattern)

	c.mu.Lock()
	defer c.mu.Unlock()

	var stale []*list.Element
	for _, el := range c.items {
		if strings.Contains(el.Value.(*item).entry.Query, pattern) {
			stale = append(stale, el)
		}
	}
	for _, el := range stale {
		c.removeLocked(el)
	}
	return len(stale)
}

// Clear drops every entry and returns how many were evicted. Hit and
// miss counters are preserved.
func (c *Cache) Clear() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := len(c.items)
	c.items = make(map[string]*list.Element)
	c.lru.Init()
	return n
}

// PopularQuery reports one entry's reuse count for stats display.
type PopularQuery struct {
	Query    string `json:"query"`
	HitCount int    `json:"hit_count"`
}

// Stats is a snapshot of cache effectiveness counters.
type Stats struct {
	Size           int            `json:"size"`
	MaxSize        int            `json:"max_size"`
	Hits           int64          `json:"hits"`
	Misses         int64          `json:"misses"`
	Evictions      int64          `json:"evictions"`
	TotalRequests  int64          `json:"total_requests"`
	HitRatePercent float64        `json:"hit_rate_percent"`
	TTLMinutes     float64        `json:"ttl_minutes"`
	PopularQueries []PopularQuery `json:"popular_queries"`
}

// Stats returns a snapshot of the cache counters, including the top 5
// entries by hit count.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := c.hits + c.misses
	rate := 0.0
	if total > 0 {
		rate = math.Round(float64(c.hits)/float64(total)*100*100) / 100
	}
	return Stats{
		Size:           len(c.items),
		MaxSize:        c.maxSize,
		Hits:           c.hits,
		Misses:         c.misses,
		Evictions:      c.evictions,
		TotalRequests:  total,
		HitRatePercent: rate,
		TTLMinutes:     c.ttl.Minutes(),
		PopularQueries: c.popularLocked(5),
	}
}

// PopularQueries returns the top n entries by hit count, ties broken by
// most recent access.
func (c *Cache) PopularQueries(n int) []PopularQuery {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.popularLocked(n)
}

func (c *Cache) popularLocked(n int) []PopularQuery {
	if n <= 0 || len(c.items) == 0 {
		return nil
	}

	all := make([]*item, 0, len(c.items))
	for _, el := range c.items {
		all = append(all, el.Value.(*item))
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].entry.HitCount != all[j].entry.HitCount {
			return all[i].entry.HitCount > all[j].entry.HitCount
		}
		return all[i].lastAccess.After(all[j].lastAccess)
	})

	if n > len(all) {
		n = len(all)
	}
	out := make([]PopularQuery, n)
	for i := 0; i < n; i++ {
		out[i] = PopularQuery{Query: all[i].entry.Query, HitCount: all[i].entry.HitCount}
	}
	return out
}

// removeLocked drops an element from both the map and the LRU list.
// Must be called with the mutex held.
func (c *Cache) removeLocked(el *list.Element) {
	delete(c.items, el.Value.(*item).key)
	c.lru.Remove(el)
}

func copyEntry(e Entry) Entry {
	cp := e
	cp.Sources = append([]string(nil), e.Sources...)
	return cp
}
