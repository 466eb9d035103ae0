// Package cache implements the three-namespace Cache Manager (spec §4.3):
// in-process LRU caches for Stage A/B/C decisions and the tool catalog, and
// a two-tier (in-process L1 + Redis L2) cache for hydrated asset context.
package cache

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/text/unicode/norm"
)

// Namespace identifies one of the Cache Manager's logical caches.
type Namespace string

const (
	NamespaceStageA Namespace = "stage_a"
	NamespaceStageB Namespace = "stage_b"
	NamespaceStageC Namespace = "stage_c"
	NamespaceAsset  Namespace = "asset"
	NamespaceTool   Namespace = "tool"
)

// Key derives a namespaced cache key by hashing its parts with SHA-256, so
// arbitrarily long inputs (full request text, rendered prompts) collapse to
// a fixed-size, collision-resistant key (spec §4.3).
func Key(namespace Namespace, parts ...string) string {
	h := sha256.New()
	h.Write([]byte(namespace))
	for _, p := range parts {
		h.Write([]byte{0})
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// trimCutset is the punctuation CanonicalizeText strips from the leading and
// trailing edge of each word. Intra-word punctuation ("don't", "i-94") is
// left alone since it's part of the word, not incidental phrasing.
const trimCutset = ".,!?;:\"'()[]{}<>"

// CanonicalizeText normalizes free-form request text into a cache-key-stable
// form (spec §6): Unicode NFC, lowercased, whitespace collapsed to single
// spaces, and leading/trailing punctuation trimmed off each word. Two
// requests that differ only in case, spacing, or a trailing "?" canonicalize
// to the same string and therefore share the same cache entry.
func CanonicalizeText(text string) string {
	normalized := norm.NFC.String(text)
	lowered := strings.ToLower(normalized)

	words := strings.Fields(lowered)
	kept := words[:0]
	for _, w := range words {
		w = strings.Trim(w, trimCutset)
		if w != "" {
			kept = append(kept, w)
		}
	}
	return strings.Join(kept, " ")
}

// CanonicalizeEntityKeys returns a stable cache-key fragment for a set of
// extracted entities, sorted by (type, value) so entity-extraction order
// never affects the resulting cache key (spec §6).
func CanonicalizeEntityKeys(entityTypes, entityValues []string) string {
	type pair struct{ t, v string }
	pairs := make([]pair, len(entityTypes))
	for i := range entityTypes {
		pairs[i] = pair{entityTypes[i], entityValues[i]}
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].t != pairs[j].t {
			return pairs[i].t < pairs[j].t
		}
		return pairs[i].v < pairs[j].v
	})
	parts := make([]string, len(pairs))
	for i, p := range pairs {
		parts[i] = p.t + "=" + p.v
	}
	return strings.Join(parts, ",")
}

// CanonicalizeToolNames returns a sorted, deduplicated copy of names, used to
// build a tool-selection cache key that's stable regardless of the order
// tools were selected or resolved in (spec §6).
func CanonicalizeToolNames(names []string) []string {
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)
	deduped := sorted[:0]
	for i, n := range sorted {
		if i == 0 || n != sorted[i-1] {
			deduped = append(deduped, n)
		}
	}
	return deduped
}

// Stats tracks a namespace's hit/miss counters.
type Stats struct {
	Hits   int64
	Misses int64
}

// HitRate returns Hits/(Hits+Misses), or 0 when there have been no lookups.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

type entry struct {
	key       string
	value     []byte
	expiresAt time.Time
}

// lruCache is a fixed-capacity, TTL-aware, least-recently-used cache. Not
// safe for concurrent use on its own; callers hold namespaceCache's mutex.
type lruCache struct {
	capacity int
	ll       *list.List
	items    map[string]*list.Element
}

func newLRUCache(capacity int) *lruCache {
	return &lruCache{
		capacity: capacity,
		ll:       list.New(),
		items:    make(map[string]*list.Element),
	}
}

func (c *lruCache) get(key string, now time.Time) ([]byte, bool) {
	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	e := el.Value.(*entry)
	if now.After(e.expiresAt) {
		c.ll.Remove(el)
		delete(c.items, key)
		return nil, false
	}
	c.ll.MoveToFront(el)
	return e.value, true
}

func (c *lruCache) set(key string, value []byte, ttl time.Duration, now time.Time) {
	if el, ok := c.items[key]; ok {
		el.Value.(*entry).value = value
		el.Value.(*entry).expiresAt = now.Add(ttl)
		c.ll.MoveToFront(el)
		return
	}
	el := c.ll.PushFront(&entry{key: key, value: value, expiresAt: now.Add(ttl)})
	c.items[key] = el

	for c.ll.Len() > c.capacity {
		oldest := c.ll.Back()
		if oldest == nil {
			break
		}
		c.ll.Remove(oldest)
		delete(c.items, oldest.Value.(*entry).key)
	}
}

func (c *lruCache) deletePrefix(prefix string) int {
	removed := 0
	for key, el := range c.items {
		if len(prefix) > 0 && len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			c.ll.Remove(el)
			delete(c.items, key)
			removed++
		}
	}
	return removed
}

func (c *lruCache) clear() int {
	removed := c.ll.Len()
	c.ll.Init()
	c.items = make(map[string]*list.Element)
	return removed
}

func (c *lruCache) len() int {
	return c.ll.Len()
}

type namespaceCache struct {
	mu    sync.Mutex
	lru   *lruCache
	ttl   time.Duration
	stats Stats
}

func (nc *namespaceCache) get(key string) ([]byte, bool) {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	v, ok := nc.lru.get(key, time.Now())
	if ok {
		nc.stats.Hits++
		v = append([]byte(nil), v...)
	} else {
		nc.stats.Misses++
	}
	return v, ok
}

func (nc *namespaceCache) set(key string, value []byte) {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	nc.lru.set(key, value, nc.ttl, time.Now())
}

func (nc *namespaceCache) invalidatePrefix(prefix string) int {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	return nc.lru.deletePrefix(prefix)
}

func (nc *namespaceCache) clear() int {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	return nc.lru.clear()
}

func (nc *namespaceCache) snapshot() Stats {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	return nc.stats
}

func (nc *namespaceCache) size() int {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	return nc.lru.len()
}

// Config tunes per-namespace TTLs and the shared entry-count ceiling.
type Config struct {
	StageATTL  time.Duration
	StageBTTL  time.Duration
	StageCTTL  time.Duration
	AssetTTL   time.Duration
	ToolTTL    time.Duration
	MaxEntries int
}

// Manager is the Cache Manager: namespaced L1 caches for everything, plus an
// optional Redis L2 backing the asset namespace for cross-process sharing
// (spec §4.3's two-tier asset-context cache).
type Manager struct {
	namespaces map[Namespace]*namespaceCache
	redis      *redis.Client
}

// NewManager builds a Manager. redisClient may be nil, in which case the
// asset namespace runs L1-only (suitable for tests and single-process
// deployments).
func NewManager(cfg Config, redisClient *redis.Client) *Manager {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10000
	}
	m := &Manager{
		namespaces: map[Namespace]*namespaceCache{
			NamespaceStageA: {lru: newLRUCache(cfg.MaxEntries), ttl: cfg.StageATTL},
			NamespaceStageB: {lru: newLRUCache(cfg.MaxEntries), ttl: cfg.StageBTTL},
			NamespaceStageC: {lru: newLRUCache(cfg.MaxEntries), ttl: cfg.StageCTTL},
			NamespaceAsset:  {lru: newLRUCache(cfg.MaxEntries), ttl: cfg.AssetTTL},
			NamespaceTool:   {lru: newLRUCache(cfg.MaxEntries), ttl: cfg.ToolTTL},
		},
		redis: redisClient,
	}
	return m
}

func (m *Manager) ns(namespace Namespace) *namespaceCache {
	nc, ok := m.namespaces[namespace]
	if !ok {
		panic("cache: unknown namespace " + string(namespace))
	}
	return nc
}

// Get looks up key in namespace's L1 cache, falling through to Redis L2 for
// the asset namespace when L1 misses. A Redis error reads as a miss, so the
// returned error is always nil.
func (m *Manager) Get(ctx context.Context, namespace Namespace, key string) ([]byte, bool, error) {
	nc := m.ns(namespace)
	if v, ok := nc.get(key); ok {
		return v, true, nil
	}

	if namespace != NamespaceAsset || m.redis == nil {
		return nil, false, nil
	}

	v, err := m.redis.Get(ctx, redisKey(namespace, key)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, nil
	}

	// Populate L1 from the L2 hit so the next lookup on this process is free.
	nc.set(key, v)
	return v, true, nil
}

// Set writes key to namespace's L1 cache, and to Redis L2 as well for the
// asset namespace. A failed Redis write leaves the entry in L1 only, and the
// returned error is always nil.
func (m *Manager) Set(ctx context.Context, namespace Namespace, key string, value []byte) error {
	nc := m.ns(namespace)
	nc.set(key, value)

	if namespace != NamespaceAsset || m.redis == nil {
		return nil
	}
	_ = m.redis.Set(ctx, redisKey(namespace, key), value, nc.ttl).Err()
	return nil
}

// InvalidatePattern drops every L1 entry whose key begins with prefix. The
// Cache Management API's pattern-invalidation route calls it.
func (m *Manager) InvalidatePattern(namespace Namespace, prefix string) int {
	return m.ns(namespace).invalidatePrefix(prefix)
}

// Stats returns a snapshot of hit/miss counters for namespace.
func (m *Manager) Stats(namespace Namespace) Stats {
	return m.ns(namespace).snapshot()
}

// Size returns the current L1 entry count for namespace.
func (m *Manager) Size(namespace Namespace) int {
	return m.ns(namespace).size()
}

// Namespaces lists every namespace the Manager tracks, in a stable order
// suitable for building a by-namespace stats breakdown.
func Namespaces() []Namespace {
	return []Namespace{NamespaceStageA, NamespaceStageB, NamespaceStageC, NamespaceAsset, NamespaceTool}
}

// Enabled reports whether this Manager has a Redis L2 backing the asset
// namespace. The in-process L1 caches always run regardless.
func (m *Manager) Enabled() bool {
	return m.redis != nil
}

// Health pings Redis (if configured) and reports whether it answered, along
// with the round-trip latency. A Manager with no Redis client reports
// connected=true with zero latency: L1-only caching has nothing to fail.
func (m *Manager) Health(ctx context.Context) (connected bool, latency time.Duration) {
	if m.redis == nil {
		return true, 0
	}
	start := time.Now()
	err := m.redis.Ping(ctx).Err()
	return err == nil, time.Since(start)
}

// InvalidateAll drops every entry in every namespace and returns the total
// number removed.
func (m *Manager) InvalidateAll() int {
	total := 0
	for _, ns := range Namespaces() {
		total += m.ns(ns).clear()
	}
	return total
}

// InvalidateNamespace drops every entry in a single namespace.
func (m *Manager) InvalidateNamespace(namespace Namespace) int {
	return m.ns(namespace).clear()
}

func redisKey(namespace Namespace, key string) string {
	return string(namespace) + ":" + key
}
