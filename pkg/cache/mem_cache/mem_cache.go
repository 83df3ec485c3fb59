package mem_cache

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pmkol/swproxy/pkg/cache"
	"github.com/pmkol/swproxy/pkg/concurrent_lru"
)

const (
	shardSize              = 16
	defaultCleanerInterval = time.Minute
)

var _ cache.Backend = (*MemCache)(nil)

// MemCache keeps every namespace in its own sharded lru. It does not survive
// a restart.
type MemCache struct {
	closed           uint32
	closeCleanerChan chan struct{}

	sizePerShard int
	maxAge       time.Duration

	m  sync.RWMutex
	ns map[string]*concurrent_lru.ShardedLRU[*elem]
}

type elem struct {
	status   int
	header   map[string][]string
	body     []byte
	storedAt time.Time
}

// NewMemCache creates a MemCache holding about size entries per namespace.
// If maxAge > 0, entries older than maxAge are removed every cleanerInterval.
func NewMemCache(size int, maxAge, cleanerInterval time.Duration) *MemCache {
	sizePerShard := size / shardSize
	if sizePerShard < 16 {
		sizePerShard = 16
	}
	c := &MemCache{
		closeCleanerChan: make(chan struct{}),
		sizePerShard:     sizePerShard,
		maxAge:           maxAge,
		ns:               make(map[string]*concurrent_lru.ShardedLRU[*elem]),
	}

	if maxAge > 0 && cleanerInterval >= 0 {
		go c.startCleaner(cleanerInterval)
	}
	return c
}

func (c *MemCache) isClosed() bool {
	return atomic.LoadUint32(&c.closed) != 0
}

func (c *MemCache) Close() error {
	if atomic.CompareAndSwapUint32(&c.closed, 0, 1) {
		close(c.closeCleanerChan)
	}
	return nil
}

func (c *MemCache) Namespaces(_ context.Context) ([]string, error) {
	c.m.RLock()
	names := make([]string, 0, len(c.ns))
	for name := range c.ns {
		names = append(names, name)
	}
	c.m.RUnlock()
	sort.Strings(names)
	return names, nil
}

func (c *MemCache) CreateNamespace(_ context.Context, name string) error {
	c.m.Lock()
	defer c.m.Unlock()
	if _, ok := c.ns[name]; !ok {
		c.ns[name] = concurrent_lru.NewShardedLRU[*elem](shardSize, c.sizePerShard, nil)
	}
	return nil
}

func (c *MemCache) DeleteNamespace(_ context.Context, name string) (bool, error) {
	c.m.Lock()
	l, ok := c.ns[name]
	delete(c.ns, name)
	c.m.Unlock()
	if ok {
		l.Purge()
	}
	return ok, nil
}

func (c *MemCache) lookup(name string) (*concurrent_lru.ShardedLRU[*elem], bool) {
	c.m.RLock()
	l, ok := c.ns[name]
	c.m.RUnlock()
	return l, ok
}

func (c *MemCache) Get(_ context.Context, namespace, key string) (*cache.Entry, error) {
	if c.isClosed() {
		return nil, nil
	}
	l, ok := c.lookup(namespace)
	if !ok {
		return nil, nil
	}
	e, ok := l.Get(key)
	if !ok {
		return nil, nil
	}

	body := make([]byte, len(e.body))
	copy(body, e.body)
	header := make(map[string][]string, len(e.header))
	for k, v := range e.header {
		header[k] = append([]string(nil), v...)
	}
	return &cache.Entry{Key: key, Status: e.status, Header: header, Body: body, StoredAt: e.storedAt}, nil
}

func (c *MemCache) Store(_ context.Context, namespace string, e *cache.Entry) error {
	if c.isClosed() {
		return nil
	}
	l, ok := c.lookup(namespace)
	if !ok {
		return cache.ErrNamespaceNotFound
	}

	// Copy so the backend owns its memory.
	buf := make([]byte, len(e.Body))
	copy(buf, e.Body)
	header := make(map[string][]string, len(e.Header))
	for k, v := range e.Header {
		header[k] = append([]string(nil), v...)
	}

	l.Add(e.Key, &elem{
		status:   e.Status,
		header:   header,
		body:     buf,
		storedAt: e.StoredAt,
	})
	return nil
}

func (c *MemCache) startCleaner(interval time.Duration) {
	if interval <= 0 {
		interval = defaultCleanerInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closeCleanerChan:
			return
		case <-ticker.C:
			c.clean(time.Now())
		}
	}
}

func (c *MemCache) clean(now time.Time) (removed int) {
	deadline := now.Add(-c.maxAge)
	c.m.RLock()
	defer c.m.RUnlock()
	for _, l := range c.ns {
		removed += l.Clean(func(_ string, e *elem) bool {
			return e.storedAt.Before(deadline)
		})
	}
	return removed
}

func (c *MemCache) Len() int {
	c.m.RLock()
	defer c.m.RUnlock()
	n := 0
	for _, l := range c.ns {
		n += l.Len()
	}
	return n
}
