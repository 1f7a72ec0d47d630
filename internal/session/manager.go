package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"demuxd/internal/cache"
	"demuxd/internal/config"
	"demuxd/internal/fetch"
	"demuxd/internal/hls"
	"demuxd/internal/logger"
	"demuxd/internal/metrics"
	"demuxd/internal/selector"
)

// ErrUnknownChannel is returned for channel ids missing from the configuration.
var ErrUnknownChannel = errors.New("unknown channel")

// Channel is a running session together with the publisher it feeds.
type Channel struct {
	Config    config.Channel
	Session   *Session
	Publisher *hls.Publisher
}

// Manager manages the demux sessions of all configured channels.
type Manager struct {
	mutex    sync.RWMutex
	channels map[string]*Channel
	logger   logger.Logger
	cfg      *config.Config
	client   *fetch.Client
	segCache *cache.SegmentCache
	metrics  *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
}

// NewManager creates a new session manager.
func NewManager(log logger.Logger, cfg *config.Config, client *fetch.Client, m *metrics.Metrics) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	sm := &Manager{
		channels: make(map[string]*Channel),
		logger:   log,
		cfg:      cfg,
		client:   client,
		metrics:  m,
		ctx:      ctx,
		cancel:   cancel,
	}
	sm.segCache = cache.New(log, sm.ActiveKeys, cfg.Cache.EvictionInterval)
	return sm
}

// OptionsFromConfig maps the engine section of the configuration onto session options.
func OptionsFromConfig(e config.EngineConfig) Options {
	return Options{
		MinBufferingTime: e.MinBufferingTime,
		MaxBufferingTime: e.MaxBufferingTime,
		BandwidthUsage:   e.BandwidthUsage,
		MaxBitrate:       e.MaxBitrate,
		PollInterval:     e.PollInterval,
		RefreshInterval:  e.RefreshInterval,
		MaxFailures:      e.MaxFailures,
	}
}

// Start begins the background workers for the manager's components.
func (sm *Manager) Start() {
	sm.segCache.Start()
}

// Stop gracefully shuts down all sessions and background workers.
func (sm *Manager) Stop() {
	sm.logger.Infof("Stopping session manager and all active sessions...")
	sm.mutex.Lock()
	defer sm.mutex.Unlock()

	for id, ch := range sm.channels {
		ch.Session.Stop()
		delete(sm.channels, id)
	}
	sm.cancel()
	sm.segCache.Stop()
	sm.metrics.SetActiveSessions(0)
	sm.logger.Infof("Session manager stopped.")
}

// Get returns the running session of a channel without creating one.
func (sm *Manager) Get(channelId string) (*Channel, bool) {
	sm.mutex.RLock()
	defer sm.mutex.RUnlock()
	ch, found := sm.channels[channelId]
	if !found || ended(ch.Session) {
		return nil, false
	}
	return ch, true
}

// GetOrCreateSession retrieves the running session of a channel or starts a new one.
// A session that has ended is replaced.
func (sm *Manager) GetOrCreateSession(channelId string) (*Channel, error) {
	if ch, found := sm.Get(channelId); found {
		return ch, nil
	}

	sm.mutex.Lock()
	defer sm.mutex.Unlock()
	if ch, found := sm.channels[channelId]; found && !ended(ch.Session) {
		return ch, nil
	}

	channelCfg, ok := sm.cfg.Channel(channelId)
	if !ok {
		return nil, fmt.Errorf("%w: configuration for channel ID '%s' not found", ErrUnknownChannel, channelId)
	}
	sm.logger.Infof("No session found for channel ID: %s. Creating a new one.", channelId)

	filter, err := selector.Compile(channelCfg.Filters)
	if err != nil {
		return nil, fmt.Errorf("invalid filters for channel '%s': %w", channelId, err)
	}
	opts := OptionsFromConfig(sm.cfg.Engine)
	opts.Filter = filter

	pub := hls.NewPublisher(channelId, sm.segCache, sm.logger, sm.cfg.Cache.WindowSize)
	sess := New(channelId, channelCfg.ManifestURL, opts, Deps{
		Fetcher: sm.client,
		Source:  sm.client,
		Sink:    pub,
		Logger:  sm.logger,
		Metrics: sm.metrics,
	})
	if err := sess.Start(sm.ctx); err != nil {
		return nil, fmt.Errorf("failed to start session for channel '%s': %w", channelId, err)
	}

	ch := &Channel{Config: *channelCfg, Session: sess, Publisher: pub}
	sm.channels[channelId] = ch
	sm.metrics.SetActiveSessions(sm.activeLocked())
	sm.logger.Infof("Successfully created and started new session for channel: %s (%s)", channelCfg.Name, channelId)
	return ch, nil
}

// Remove stops the session of a channel. It reports whether one existed.
func (sm *Manager) Remove(channelId string) bool {
	sm.mutex.Lock()
	ch, found := sm.channels[channelId]
	delete(sm.channels, channelId)
	active := sm.activeLocked()
	sm.mutex.Unlock()
	if !found {
		return false
	}
	ch.Session.Stop()
	sm.metrics.SetActiveSessions(active)
	sm.logger.Infof("Session for channel %s removed", channelId)
	return true
}

// ActiveSessions returns the number of sessions that are still running.
func (sm *Manager) ActiveSessions() int {
	sm.mutex.RLock()
	defer sm.mutex.RUnlock()
	return sm.activeLocked()
}

func (sm *Manager) activeLocked() int {
	n := 0
	for _, ch := range sm.channels {
		if !ended(ch.Session) {
			n++
		}
	}
	return n
}

// Cache returns the segment cache shared by all publishers.
func (sm *Manager) Cache() *cache.SegmentCache {
	return sm.segCache
}

// ActiveKeys collects the cache keys still referenced by any publisher, so that
// eviction keeps them.
func (sm *Manager) ActiveKeys() map[string]struct{} {
	activeKeys := make(map[string]struct{})
	sm.mutex.RLock()
	defer sm.mutex.RUnlock()

	for _, ch := range sm.channels {
		for k := range ch.Publisher.ActiveKeys() {
			activeKeys[k] = struct{}{}
		}
	}
	return activeKeys
}

func ended(s *Session) bool {
	select {
	case <-s.Done():
		return true
	default:
		return false
	}
}
