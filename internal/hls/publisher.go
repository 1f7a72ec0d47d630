package hls

import (
	"fmt"
	"path"
	"strings"
	"sync"

	"demuxd/internal/cache"
	"demuxd/internal/logger"
	"demuxd/internal/models"

	"github.com/grafov/m3u8"
)

// DefaultWindowSize is the number of fragments kept in a re-published media playlist.
const DefaultWindowSize = 6

const initName = "init"

// Publisher re-publishes the fragments pushed by a demux session as HLS.
// Fragment bytes go to the segment cache, playlists are kept in memory.
type Publisher struct {
	channelID string
	cache     *cache.SegmentCache
	logger    logger.Logger
	window    uint

	mutex     sync.RWMutex
	outputs   map[string]*publishedOutput
	order     []string
	buffering int
	ready     chan struct{}
	readyOnce sync.Once
}

type publishedOutput struct {
	out      models.Output
	playlist *m3u8.MediaPlaylist
	keys     []string
	// pendingDiscontinuity marks the next appended segment as discontinuous.
	pendingDiscontinuity bool
	initKey              string
	ended                bool
}

// NewPublisher creates a publisher for one channel.
func NewPublisher(channelID string, c *cache.SegmentCache, log logger.Logger, window uint) *Publisher {
	if window == 0 {
		window = DefaultWindowSize
	}
	return &Publisher{
		channelID: channelID,
		cache:     c,
		logger:    log,
		window:    window,
		outputs:   make(map[string]*publishedOutput),
		buffering: 100,
		ready:     make(chan struct{}),
	}
}

// Ready is closed once the first outputs are configured.
func (p *Publisher) Ready() <-chan struct{} {
	return p.ready
}

// Reconfigure swaps the active output set. Outputs that are kept continue their playlist
// with a discontinuity, outputs that disappear are ended.
func (p *Publisher) Reconfigure(old, next []models.Output) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	keep := make(map[string]bool, len(next))
	order := make([]string, 0, len(next))
	for _, o := range next {
		keep[o.StreamID] = true
		order = append(order, o.StreamID)
		if po, ok := p.outputs[o.StreamID]; ok && !po.ended {
			po.out = o
			po.pendingDiscontinuity = true
			continue
		}
		pl, err := m3u8.NewMediaPlaylist(p.window, p.window)
		if err != nil {
			return fmt.Errorf("failed to create playlist for %s: %w", o.StreamID, err)
		}
		p.outputs[o.StreamID] = &publishedOutput{out: o, playlist: pl}
		p.logger.Infof("Publishing output %s (%s, rep %s) for channel %s", o.StreamID, o.Kind, o.Representation.ID, p.channelID)
	}
	for _, o := range old {
		if keep[o.StreamID] {
			continue
		}
		if po, ok := p.outputs[o.StreamID]; ok {
			p.endLocked(po)
		}
	}
	p.order = order
	p.readyOnce.Do(func() { close(p.ready) })
	return nil
}

// Segment marks every output so that the next fragment starts a discontinuity.
func (p *Publisher) Segment(ev models.SegmentEvent) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	for _, po := range p.outputs {
		if po.playlist.Count() > 0 {
			po.pendingDiscontinuity = true
		}
	}
	p.logger.Debugf("Segment for channel %s starts at %v (shift %v)", p.channelID, ev.Start, ev.Shift)
	return nil
}

// Push stores a fragment and appends it to the output's playlist.
func (p *Publisher) Push(out models.Output, frag models.FragmentData) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	po, ok := p.outputs[out.StreamID]
	if !ok {
		return fmt.Errorf("unknown output %s", out.StreamID)
	}
	if po.ended {
		return fmt.Errorf("output %s has ended", out.StreamID)
	}

	data := frag.Data
	if frag.HeaderIncluded && frag.HeaderSize > 0 && frag.HeaderSize <= len(data) {
		initFile := initName + ".mp4"
		if frag.Fragment.Init != nil {
			initFile = initName + extension(frag.Fragment.Init.URI)
		}
		po.initKey = p.SegmentKey(out.StreamID, initFile)
		p.cache.Set(po.initKey, data[:frag.HeaderSize])
		data = data[frag.HeaderSize:]
		po.playlist.SetDefaultMap(initFile, 0, 0)
	}

	name := fmt.Sprintf("%d%s", frag.Fragment.Sequence, extension(frag.Fragment.URI))
	key := p.SegmentKey(out.StreamID, name)
	p.cache.Set(key, data)

	if po.playlist.Count() >= p.window {
		po.keys = po.keys[1:]
	}
	po.playlist.Slide(name, frag.Fragment.Duration.Seconds(), "")
	po.keys = append(po.keys, key)
	if po.pendingDiscontinuity || frag.Fragment.Discontinuous || frag.Resync {
		if err := po.playlist.SetDiscontinuity(); err != nil {
			p.logger.Warnf("Failed to mark discontinuity on %s: %v", out.StreamID, err)
		}
		po.pendingDiscontinuity = false
	}
	return nil
}

// EndOfStream closes the output's playlist.
func (p *Publisher) EndOfStream(out models.Output) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	po, ok := p.outputs[out.StreamID]
	if !ok {
		return fmt.Errorf("unknown output %s", out.StreamID)
	}
	p.endLocked(po)
	return nil
}

func (p *Publisher) endLocked(po *publishedOutput) {
	if po.ended {
		return
	}
	po.playlist.Close()
	po.ended = true
	p.logger.Infof("Output %s of channel %s ended", po.out.StreamID, p.channelID)
}

// Buffering records the latest buffering level reported by the session.
func (p *Publisher) Buffering(percent int) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.buffering = percent
}

// BufferingLevel returns the latest buffering level.
func (p *Publisher) BufferingLevel() int {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	return p.buffering
}

// MasterPlaylist renders the master playlist for the active outputs.
func (p *Publisher) MasterPlaylist() (string, error) {
	p.mutex.RLock()
	outputs := make([]models.Output, 0, len(p.order))
	for _, id := range p.order {
		if po, ok := p.outputs[id]; ok {
			outputs = append(outputs, po.out)
		}
	}
	p.mutex.RUnlock()
	return BuildMasterPlaylist(outputs)
}

// MediaPlaylist renders the media playlist of one output.
func (p *Publisher) MediaPlaylist(streamID string) (string, error) {
	// encoding reuses the playlist's internal buffer, so it needs the write lock
	p.mutex.Lock()
	defer p.mutex.Unlock()
	po, ok := p.outputs[streamID]
	if !ok {
		return "", fmt.Errorf("playlist for stream %s not found", streamID)
	}
	if po.playlist.Count() == 0 {
		return "", fmt.Errorf("playlist for stream %s has no segments yet", streamID)
	}
	return po.playlist.Encode().String(), nil
}

// SegmentKey returns the cache key of a published file.
func (p *Publisher) SegmentKey(streamID, name string) string {
	return fmt.Sprintf("%s/%s/%s", p.channelID, streamID, name)
}

// ActiveKeys returns the cache keys referenced by the current playlists, init files included.
func (p *Publisher) ActiveKeys() map[string]struct{} {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	keys := make(map[string]struct{})
	for _, po := range p.outputs {
		for _, k := range po.keys {
			keys[k] = struct{}{}
		}
		if po.initKey != "" {
			keys[po.initKey] = struct{}{}
		}
	}
	return keys
}

// ContentType returns the MIME type for a published file name.
func ContentType(name string) string {
	switch strings.ToLower(path.Ext(name)) {
	case ".m3u8":
		return "application/vnd.apple.mpegurl"
	case ".ts":
		return "video/mp2t"
	case ".aac":
		return "audio/aac"
	case ".vtt":
		return "text/vtt"
	default:
		return "video/mp4"
	}
}

func extension(uri string) string {
	if i := strings.IndexAny(uri, "?#"); i >= 0 {
		uri = uri[:i]
	}
	switch ext := strings.ToLower(path.Ext(uri)); ext {
	case ".ts", ".m4s", ".mp4", ".aac", ".vtt", ".m4a", ".m4v", ".cmfv", ".cmfa":
		return ext
	default:
		return ".m4s"
	}
}
