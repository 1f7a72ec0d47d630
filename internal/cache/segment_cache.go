package cache

import (
	"context"
	"sync"
	"time"

	"demuxd/internal/logger"
)

// DefaultEvictionInterval is how often the eviction worker runs when no interval is given.
const DefaultEvictionInterval = 10 * time.Second

// ActiveKeysProvider returns the set of keys that are still referenced by a published playlist.
type ActiveKeysProvider func() map[string]struct{}

// SegmentCache is a thread-safe, in-memory store for re-published fragments and headers.
type SegmentCache struct {
	mutex    sync.RWMutex
	entries  map[string][]byte
	bytes    int
	logger   logger.Logger
	provider ActiveKeysProvider
	interval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a cache whose eviction worker keeps only the keys reported by provider.
func New(log logger.Logger, provider ActiveKeysProvider, interval time.Duration) *SegmentCache {
	if interval <= 0 {
		interval = DefaultEvictionInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &SegmentCache{
		entries:  make(map[string][]byte),
		logger:   log,
		provider: provider,
		interval: interval,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start begins the background eviction worker.
func (sc *SegmentCache) Start() {
	sc.logger.Infof("Starting segment cache eviction worker (interval %v)...", sc.interval)
	go sc.evictionWorker()
}

// Stop shuts down the eviction worker.
func (sc *SegmentCache) Stop() {
	sc.logger.Infof("Stopping segment cache eviction worker...")
	sc.cancel()
}

// Set stores data under key, replacing any previous value.
func (sc *SegmentCache) Set(key string, data []byte) {
	sc.mutex.Lock()
	defer sc.mutex.Unlock()
	if old, ok := sc.entries[key]; ok {
		sc.bytes -= len(old)
	}
	sc.entries[key] = data
	sc.bytes += len(data)
	sc.logger.Debugf("Cached %s, size: %d bytes", key, len(data))
}

// Get returns the data stored under key.
func (sc *SegmentCache) Get(key string) ([]byte, bool) {
	sc.mutex.RLock()
	defer sc.mutex.RUnlock()
	data, found := sc.entries[key]
	return data, found
}

// Len returns the number of cached entries and their total size.
func (sc *SegmentCache) Len() (int, int) {
	sc.mutex.RLock()
	defer sc.mutex.RUnlock()
	return len(sc.entries), sc.bytes
}

func (sc *SegmentCache) evictionWorker() {
	ticker := time.NewTicker(sc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-sc.ctx.Done():
			sc.logger.Infof("Eviction worker stopped.")
			return
		case <-ticker.C:
			sc.RunEviction()
		}
	}
}

// RunEviction drops every entry the provider no longer reports as active
// and returns how many were removed.
func (sc *SegmentCache) RunEviction() int {
	activeKeys := sc.provider()

	sc.mutex.Lock()
	defer sc.mutex.Unlock()

	evicted := 0
	for key, data := range sc.entries {
		if _, isActive := activeKeys[key]; !isActive {
			delete(sc.entries, key)
			sc.bytes -= len(data)
			evicted++
		}
	}

	if evicted > 0 {
		sc.logger.Infof("Evicted %d entries from cache. Current cache size: %d entries, %d bytes.", evicted, len(sc.entries), sc.bytes)
	} else {
		sc.logger.Debugf("No entries to evict. Current cache size: %d entries.", len(sc.entries))
	}
	return evicted
}
