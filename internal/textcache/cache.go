// Package textcache memoizes text embeddings so live queries are only run
// through the text model once.
package textcache

import (
	"container/list"
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/andresmejia3/livematch/internal/embedding"
	"github.com/andresmejia3/livematch/internal/metrics"
)

// DefaultCapacity bounds the number of cached texts.
const DefaultCapacity = 50

// Cache is a bounded map from exact query text to its embedding.
// Eviction is FIFO: reading an entry does not change its position, so the
// oldest insertion goes first once the cache is over capacity.
type Cache struct {
	mu       sync.RWMutex
	capacity int
	entries  map[string]*list.Element
	order    *list.List // front = oldest insertion
}

type entry struct {
	text string
	vec  embedding.Embedding
}

// New creates a cache. A non-positive capacity falls back to DefaultCapacity.
func New(capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Cache{
		capacity: capacity,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
	}
}

// Get returns the cached embedding for text.
func (c *Cache) Get(text string) (embedding.Embedding, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	el, ok := c.entries[text]
	if !ok {
		return nil, false
	}
	return el.Value.(*entry).vec, true
}

// Add inserts vec under text and returns the vector now cached for text.
// An existing entry is kept as is, so repeated lookups stay bit-identical.
// If the insertion pushes the cache over capacity, the oldest entry is
// evicted and its text returned in evicted.
func (c *Cache) Add(text string, vec embedding.Embedding) (stored embedding.Embedding, evicted string, didEvict bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[text]; ok {
		return el.Value.(*entry).vec, "", false
	}

	c.entries[text] = c.order.PushBack(&entry{text: text, vec: vec})
	if c.order.Len() > c.capacity {
		oldest := c.order.Front()
		c.order.Remove(oldest)
		e := oldest.Value.(*entry)
		delete(c.entries, e.text)
		return vec, e.text, true
	}
	return vec, "", false
}

// Len returns the number of cached texts.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.order.Len()
}

// Keys returns cached texts in insertion order, oldest first.
func (c *Cache) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	keys := make([]string, 0, c.order.Len())
	for el := c.order.Front(); el != nil; el = el.Next() {
		keys = append(keys, el.Value.(*entry).text)
	}
	return keys
}

// EmbedFunc runs the text model and returns its raw projection.
type EmbedFunc func(ctx context.Context, text string) ([]float32, error)

// Encoder resolves text to normalized embeddings through a Cache.
// Concurrent misses for the same text share a single model call.
type Encoder struct {
	cache   *Cache
	embed   EmbedFunc
	group   singleflight.Group
	logger  *zap.Logger
	metrics *metrics.Recorder
}

func NewEncoder(cache *Cache, embed EmbedFunc, logger *zap.Logger, rec *metrics.Recorder) *Encoder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Encoder{cache: cache, embed: embed, logger: logger, metrics: rec}
}

// Encode returns the embedding for text, calling the model only on a cache miss.
func (e *Encoder) Encode(ctx context.Context, text string) (embedding.Embedding, error) {
	if vec, ok := e.cache.Get(text); ok {
		e.metrics.CacheHit()
		return vec, nil
	}

	v, err, _ := e.group.Do(text, func() (interface{}, error) {
		// A call that was in flight when we missed may have filled it already.
		if vec, ok := e.cache.Get(text); ok {
			return vec, nil
		}
		e.metrics.CacheMiss()

		raw, err := e.embed(ctx, text)
		if err != nil {
			return nil, err
		}
		vec, err := embedding.Normalize(raw)
		if err != nil {
			return nil, err
		}

		stored, evicted, didEvict := e.cache.Add(text, vec)
		if didEvict {
			e.metrics.CacheEviction()
			e.logger.Debug("text cache eviction", zap.String("evicted", evicted), zap.String("added", text))
		}
		return stored, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(embedding.Embedding), nil
}

// Cache exposes the underlying cache.
func (e *Encoder) Cache() *Cache {
	return e.cache
}
