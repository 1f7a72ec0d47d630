package key

import (
	"context"
	"fmt"
	"sync"

	"demuxd/internal/fetch"
	"demuxd/internal/logger"

	"golang.org/x/sync/singleflight"
)

// Fetcher downloads key files.
type Fetcher interface {
	Fetch(ctx context.Context, req fetch.Request) ([]byte, error)
}

// Cache fetches AES-128 keys once per URI and keeps them for the lifetime of a session.
type Cache struct {
	fetcher Fetcher
	logger  logger.Logger

	mutex sync.Mutex
	keys  map[string][]byte
	group singleflight.Group
}

// NewCache creates an empty key cache.
func NewCache(f Fetcher, log logger.Logger) *Cache {
	return &Cache{
		fetcher: f,
		logger:  log,
		keys:    make(map[string][]byte),
	}
}

// Get returns the key stored at uri, downloading it on first use.
func (c *Cache) Get(ctx context.Context, uri string) ([]byte, error) {
	c.mutex.Lock()
	key, ok := c.keys[uri]
	c.mutex.Unlock()
	if ok {
		return key, nil
	}

	// streams sharing a key ask for it concurrently, only one of them downloads it
	v, err, _ := c.group.Do(uri, func() (interface{}, error) {
		data, err := c.fetcher.Fetch(ctx, fetch.WholeRequest(uri))
		if err != nil {
			return nil, fmt.Errorf("failed to fetch key %s: %w", uri, err)
		}
		if len(data) != BlockSize {
			return nil, fmt.Errorf("key %s has %d bytes, expected %d", uri, len(data), BlockSize)
		}
		c.mutex.Lock()
		c.keys[uri] = data
		c.mutex.Unlock()
		c.logger.Debugf("Cached key %s", uri)
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}
