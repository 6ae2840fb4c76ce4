package headers

import (
	"context"
	"maps"
	"sync"

	"go.uber.org/zap"
)

// MemoryCache is an in-process Cache. When maxEntries is positive the oldest
// url is evicted once the cache is full.
type MemoryCache struct {
	logger     *zap.Logger
	mu         sync.RWMutex
	records    map[string]map[string]string
	order      []string
	maxEntries int
}

var _ Cache = (*MemoryCache)(nil)

func NewMemoryCache(logger *zap.Logger, maxEntries int) *MemoryCache {
	return &MemoryCache{
		logger:     logger.Named("headers.memory"),
		records:    make(map[string]map[string]string),
		maxEntries: maxEntries,
	}
}

func (c *MemoryCache) Capture(_ context.Context, method, url string, headers map[string]string) (bool, error) {
	if !capturable(method) {
		return false, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.records[url]; ok {
		return false, nil
	}
	if c.maxEntries > 0 && len(c.order) >= c.maxEntries {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.records, oldest)
		c.logger.Debug("evicted header record", zap.String("url", oldest))
	}
	c.records[url] = Filter(headers)
	c.order = append(c.order, url)
	return true, nil
}

func (c *MemoryCache) Get(_ context.Context, url string) (map[string]string, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.records[url]
	if !ok {
		return nil, false, nil
	}
	return maps.Clone(h), true, nil
}

func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.records)
}

func (c *MemoryCache) Close() error { return nil }
