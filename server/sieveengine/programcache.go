package sieveengine

import (
	"container/list"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/allgood/pigeonhole/logger"
	"github.com/allgood/pigeonhole/pkg/metrics"
	"github.com/allgood/pigeonhole/sieve"
)

type programCacheEntry struct {
	key       string
	program   *sieve.Program
	createdAt time.Time
}

// ProgramCache is an in-memory LRU cache of compiled programs with a TTL.
// Concurrent loads of the same key share one fetch.
type ProgramCache struct {
	mu         sync.Mutex
	entries    map[string]*list.Element
	order      *list.List // front is most recently used
	maxEntries int
	ttl        time.Duration
	now        func() time.Time

	sf singleflight.Group
}

// NewProgramCache creates a cache. A maxEntries of zero disables the size
// bound; a ttl of zero disables expiry.
func NewProgramCache(maxEntries int, ttl time.Duration) *ProgramCache {
	return &ProgramCache{
		entries:    make(map[string]*list.Element),
		order:      list.New(),
		maxEntries: maxEntries,
		ttl:        ttl,
		now:        time.Now,
	}
}

// Get returns the cached program for key.
func (c *ProgramCache) Get(key string) (*sieve.Program, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	entry := el.Value.(*programCacheEntry)
	if c.ttl > 0 && c.now().Sub(entry.createdAt) > c.ttl {
		c.removeElement(el)
		return nil, false
	}
	c.order.MoveToFront(el)
	return entry.program, true
}

// Put stores a program, evicting the least recently used entry when full.
func (c *ProgramCache) Put(key string, prog *sieve.Program) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		entry := el.Value.(*programCacheEntry)
		entry.program = prog
		entry.createdAt = c.now()
		c.order.MoveToFront(el)
		return
	}
	if c.maxEntries > 0 && c.order.Len() >= c.maxEntries {
		if oldest := c.order.Back(); oldest != nil {
			c.removeElement(oldest)
		}
	}
	c.entries[key] = c.order.PushFront(&programCacheEntry{key: key, program: prog, createdAt: c.now()})
}

// GetOrLoad returns the cached program or calls load once for all
// concurrent callers asking for the same key. The loaded program is cached.
func (c *ProgramCache) GetOrLoad(key string, load func() (*sieve.Program, error)) (*sieve.Program, bool, error) {
	if prog, ok := c.Get(key); ok {
		metrics.ProgramCacheRequests.WithLabelValues("memory", "hit").Inc()
		return prog, true, nil
	}
	metrics.ProgramCacheRequests.WithLabelValues("memory", "miss").Inc()

	v, err, shared := c.sf.Do(key, func() (any, error) {
		prog, err := load()
		if err != nil {
			return nil, err
		}
		c.Put(key, prog)
		return prog, nil
	})
	if err != nil {
		return nil, false, err
	}
	if shared {
		logger.Debug("Sieve: program load shared between callers", "key", key)
	}
	return v.(*sieve.Program), false, nil
}

func (c *ProgramCache) removeElement(el *list.Element) {
	c.order.Remove(el)
	delete(c.entries, el.Value.(*programCacheEntry).key)
}

// CleanExpired drops every expired entry.
func (c *ProgramCache) CleanExpired() {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for el := c.order.Back(); el != nil; {
		prev := el.Prev()
		if now.Sub(el.Value.(*programCacheEntry).createdAt) > c.ttl {
			c.removeElement(el)
		}
		el = prev
	}
}

func (c *ProgramCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*list.Element)
	c.order.Init()
}

func (c *ProgramCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
