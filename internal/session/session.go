package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"demuxd/internal/fetch"
	"demuxd/internal/key"
	"demuxd/internal/logger"
	"demuxd/internal/manifest"
	"demuxd/internal/metrics"
	"demuxd/internal/models"
	"demuxd/internal/playlist"
	"demuxd/internal/queue"
	"demuxd/internal/selector"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Defaults of the engine knobs.
const (
	DefaultMinBufferingTime = 5 * time.Second
	DefaultMaxBufferingTime = 30 * time.Second
	DefaultBandwidthUsage   = 0.8
	DefaultMaxBitrate       = 24_000_000
	DefaultPollInterval     = 200 * time.Millisecond
	DefaultMaxFailures      = 3

	// maxRecommendedBuffering caps the minimum buffering time a playlist can ask for.
	maxRecommendedBuffering = 10 * time.Second
)

// Fetcher downloads fragments, headers and keys. Cancelling ctx aborts the transfer.
type Fetcher interface {
	Fetch(ctx context.Context, req fetch.Request) ([]byte, error)
}

// Sink receives the demuxed output. Calls come from the stream loop only and are
// never concurrent.
type Sink interface {
	// Reconfigure replaces the active outputs. It is called before the first fragment of a
	// group whose representation set differs from the previous one.
	Reconfigure(old, next []models.Output) error
	Segment(ev models.SegmentEvent) error
	Push(out models.Output, frag models.FragmentData) error
	EndOfStream(out models.Output) error
	// Buffering reports the fill level of the buffer in percent.
	Buffering(percent int)
}

// Clock paces the stream loop.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time                         { return time.Now() }
func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Options are the tunables of a session.
type Options struct {
	MinBufferingTime time.Duration
	MaxBufferingTime time.Duration
	BandwidthUsage   float64
	MaxBitrate       int
	// PollInterval is how often an idle download loop re-checks the buffer.
	PollInterval time.Duration
	// RefreshInterval overrides the manifest's refresh interval for live presentations.
	RefreshInterval time.Duration
	MaxFailures     int
	Filter          *selector.Filter
}

func (o Options) withDefaults() Options {
	if o.MinBufferingTime <= 0 {
		o.MinBufferingTime = DefaultMinBufferingTime
	}
	if o.MaxBufferingTime <= o.MinBufferingTime {
		o.MaxBufferingTime = DefaultMaxBufferingTime
		if o.MaxBufferingTime <= o.MinBufferingTime {
			o.MaxBufferingTime = 2 * o.MinBufferingTime
		}
	}
	if o.BandwidthUsage <= 0 || o.BandwidthUsage > 1 {
		o.BandwidthUsage = DefaultBandwidthUsage
	}
	if o.MaxBitrate <= 0 {
		o.MaxBitrate = DefaultMaxBitrate
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.MaxFailures < 1 {
		o.MaxFailures = DefaultMaxFailures
	}
	return o
}

// Deps are the collaborators of a session.
type Deps struct {
	Fetcher Fetcher
	Source  manifest.Source
	Sink    Sink
	Clock   Clock
	Logger  logger.Logger
	Metrics *metrics.Metrics
}

// Loop states, reported by Status.
const (
	StateIdle            = "idle"
	StateFetching        = "fetching"
	StateWaitingSchedule = "waiting_schedule"
	StateWaitingFirst    = "waiting_first_fragment"
	StatePushing         = "pushing"
	StatePaused          = "paused"
	StateDraining        = "draining"
	StateStopped         = "stopped"
	StateError           = "error"
)

// stream is the per-stream download state.
type stream struct {
	manifest.Stream
	timeline *playlist.Timeline

	// mutex orders representation switches against live refreshes.
	mutex   sync.Mutex
	current int

	header        []byte
	headerOf      *models.InitSegment
	headerPending bool
}

func (st *stream) representation() (models.Representation, int) {
	st.mutex.Lock()
	defer st.mutex.Unlock()
	return st.Representations[st.current], st.current
}

// Session demuxes one presentation: a download loop fills the fragment queue, a stream loop
// drains it at playback pace into the sink, and live presentations get a refresh loop.
type Session struct {
	ID      string
	Channel string
	URI     string

	opts    Options
	fetcher Fetcher
	source  manifest.Source
	sink    Sink
	clock   Clock
	logger  logger.Logger
	metrics *metrics.Metrics
	keys    *key.Cache

	// minBufferingSet is false when the minimum buffering time was left to the playlist.
	minBufferingSet bool

	presentation *manifest.Presentation
	streams      []*stream
	primary      int
	queue        *queue.Queue

	downloadCmds chan command
	streamCmds   chan command
	refreshed    signal

	// seekMutex serializes the control operations.
	seekMutex sync.Mutex

	mutex         sync.Mutex
	started       bool
	cancel        context.CancelFunc
	done          <-chan struct{}
	finished      chan struct{}
	err           error
	pausing       bool
	cancelFetch   context.CancelFunc
	endOfManifest bool
	needSegment   bool
	seekPending   bool
	shift         time.Duration
	userPaused    bool
	rate          float64
	bufferLevel   int
	downloadState string
	streamState   string
}

// New creates a session for the manifest at uri. Nothing is fetched before Start.
func New(channel, uri string, opts Options, deps Deps) *Session {
	if deps.Clock == nil {
		deps.Clock = systemClock{}
	}
	return &Session{
		ID:              uuid.NewString(),
		Channel:         channel,
		URI:             uri,
		opts:            opts.withDefaults(),
		minBufferingSet: opts.MinBufferingTime > 0,
		fetcher:         deps.Fetcher,
		source:          deps.Source,
		sink:            deps.Sink,
		clock:           deps.Clock,
		logger:          deps.Logger,
		metrics:         deps.Metrics,
		keys:            key.NewCache(deps.Fetcher, deps.Logger),
		queue:           queue.New(),
		downloadCmds:    make(chan command),
		streamCmds:      make(chan command),
		finished:        make(chan struct{}),
		needSegment:     true,
		bufferLevel:     -1,
		downloadState:   StateIdle,
		streamState:     StateWaitingFirst,
	}
}

// Start loads the manifest and the initial playlists, then runs the loops until ctx is
// cancelled, Stop is called or a terminal error occurs.
func (s *Session) Start(ctx context.Context) error {
	s.mutex.Lock()
	if s.started {
		s.mutex.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	s.mutex.Unlock()

	if err := s.load(ctx); err != nil {
		s.finish(err)
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)

	s.mutex.Lock()
	s.cancel = cancel
	s.done = gctx.Done()
	s.mutex.Unlock()

	g.Go(func() error { return s.downloadLoop(gctx) })
	g.Go(func() error { return s.streamLoop(gctx) })
	if s.live() {
		g.Go(func() error { return s.refreshLoop(gctx) })
	}

	go func() {
		err := g.Wait()
		cancel()
		s.queue.Close()
		s.finish(err)
	}()

	s.logger.Infof("Session %s started for channel %s with %d streams (%s, live=%v)", s.ID, s.Channel, len(s.streams), s.presentation.Format, s.live())
	return nil
}

func (s *Session) load(ctx context.Context) error {
	p, err := manifest.Load(ctx, s.source, s.URI, s.opts.Filter)
	if err != nil {
		if errors.Is(err, selector.ErrNoRepresentations) {
			return NewError(CodeNoRepresentations, "", "no playable representation", err)
		}
		return NewError(CodeBadManifest, "", "failed to load manifest", err)
	}
	s.presentation = p

	s.primary = 0
	for i, ms := range p.Streams {
		if ms.Kind == models.KindVideo {
			s.primary = i
			break
		}
	}

	// every stream starts on its lowest representation until throughput is known
	for _, ms := range p.Streams {
		model, err := p.LoadPlaylist(ctx, s.source, ms, ms.Representations[0])
		if err != nil {
			return NewError(CodeBadManifest, ms.ID, "failed to load playlist", err)
		}
		s.streams = append(s.streams, &stream{
			Stream:        ms,
			timeline:      playlist.NewTimeline(model),
			headerPending: true,
		})
	}

	if !s.minBufferingSet && p.Format == manifest.FormatHLS {
		s.applyRecommendedBuffering(s.streams[s.primary].timeline.Model())
	}

	// line the other streams up with the primary one
	pos := s.streams[s.primary].timeline.Position()
	for i, st := range s.streams {
		if i == s.primary {
			continue
		}
		if seq, _, ok := st.timeline.Locate(pos); ok {
			_ = st.timeline.SetCursor(seq)
		}
	}
	return nil
}

// applyRecommendedBuffering derives the minimum buffering time from the playlist, capped at
// maxRecommendedBuffering.
func (s *Session) applyRecommendedBuffering(m *playlist.Model) {
	threshold := min(m.RecommendedBufferingThreshold(), maxRecommendedBuffering)
	if threshold <= 0 {
		return
	}
	s.mutex.Lock()
	s.opts.MinBufferingTime = threshold
	if s.opts.MaxBufferingTime <= threshold {
		s.opts.MaxBufferingTime = 2 * threshold
	}
	s.mutex.Unlock()
	s.logger.Debugf("Session %s buffers at least %v as recommended by the playlist", s.ID, threshold)
}

func (s *Session) finish(err error) {
	s.mutex.Lock()
	if err != nil && s.err == nil {
		s.err = err
	}
	code := ""
	var serr *Error
	if errors.As(s.err, &serr) {
		code = serr.Code
		s.downloadState = StateError
	} else {
		s.downloadState = StateStopped
	}
	s.streamState = StateStopped
	s.mutex.Unlock()

	select {
	case <-s.finished:
		return
	default:
	}
	close(s.finished)
	s.metrics.IncSessionsFinished(code)
	if code != "" {
		s.logger.Errorf("Session %s for channel %s failed: %v", s.ID, s.Channel, s.err)
	} else {
		s.logger.Infof("Session %s for channel %s stopped", s.ID, s.Channel)
	}
}

// Wait blocks until the session has ended and returns its terminal error, nil when it was
// stopped.
func (s *Session) Wait() error {
	<-s.finished
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.err
}

// Done is closed when the session has ended.
func (s *Session) Done() <-chan struct{} {
	return s.finished
}

// Stop cancels the loops and waits for them to exit.
func (s *Session) Stop() {
	s.mutex.Lock()
	cancel := s.cancel
	started := s.started
	s.mutex.Unlock()
	if !started {
		s.finish(nil)
		return
	}
	if cancel != nil {
		cancel()
	}
	<-s.finished
}

// Pause holds delivery to the sink. Downloading continues until the buffer is full.
func (s *Session) Pause() error {
	s.seekMutex.Lock()
	defer s.seekMutex.Unlock()
	if err := s.send(s.streamCmds, cmdPause); err != nil {
		return err
	}
	s.mutex.Lock()
	s.userPaused = true
	s.mutex.Unlock()
	return nil
}

// Resume continues delivery after Pause.
func (s *Session) Resume() error {
	s.seekMutex.Lock()
	defer s.seekMutex.Unlock()
	s.mutex.Lock()
	s.userPaused = false
	s.mutex.Unlock()
	return s.send(s.streamCmds, cmdResume)
}

// Seek moves playback of every stream to the fragment containing target. It is rejected
// on live presentations and when any stream cannot resolve target, in which case playback
// continues where it was.
func (s *Session) Seek(target time.Duration) error {
	s.seekMutex.Lock()
	defer s.seekMutex.Unlock()

	if err := s.running(); err != nil {
		return err
	}
	if s.live() {
		s.metrics.IncSeeks(s.Channel, "live")
		return ErrSeekLive
	}

	// stop the download loop, aborting the fetch in flight
	s.mutex.Lock()
	s.pausing = true
	if s.cancelFetch != nil {
		s.cancelFetch()
	}
	s.mutex.Unlock()
	err := s.send(s.downloadCmds, cmdPause)
	s.mutex.Lock()
	s.pausing = false
	s.mutex.Unlock()
	if err != nil {
		return err
	}
	if err := s.send(s.streamCmds, cmdPause); err != nil {
		return err
	}

	reject := func(reason string) error {
		s.logger.Warnf("Seek to %v rejected: %s", target, reason)
		s.metrics.IncSeeks(s.Channel, "out_of_range")
		if err := s.resumeAfterSeek(); err != nil {
			return err
		}
		return fmt.Errorf("%w: %v", ErrSeekOutOfRange, target)
	}

	first, end, ok := s.streams[s.primary].timeline.Model().SeekRange()
	if !ok || target < first || target > end {
		return reject(fmt.Sprintf("outside the seekable range [%v, %v]", first, end))
	}

	// resolve before flushing so a rejected seek leaves the queue and cursors untouched
	seqs := make([]int64, len(s.streams))
	var primaryStart time.Duration
	for i, st := range s.streams {
		seq, start, ok := st.timeline.Locate(target)
		if !ok {
			return reject(fmt.Sprintf("stream %s cannot resolve it", st.ID))
		}
		seqs[i] = seq
		if i == s.primary {
			primaryStart = start
		}
	}

	dropped := s.queue.Flush()
	for i, st := range s.streams {
		if err := st.timeline.SetCursor(seqs[i]); err != nil {
			s.resumeAfterSeek()
			return err
		}
		st.headerPending = true
	}

	s.mutex.Lock()
	s.shift = target - primaryStart
	s.needSegment = true
	s.seekPending = true
	s.endOfManifest = false
	s.mutex.Unlock()

	s.metrics.IncSeeks(s.Channel, "ok")
	s.logger.Infof("Session %s seeked to %v (fragment at %v, %d queued groups dropped)", s.ID, target, primaryStart, dropped)
	return s.resumeAfterSeek()
}

func (s *Session) resumeAfterSeek() error {
	if err := s.send(s.downloadCmds, cmdResume); err != nil {
		return err
	}
	s.mutex.Lock()
	paused := s.userPaused
	s.mutex.Unlock()
	if paused {
		return nil
	}
	return s.send(s.streamCmds, cmdResume)
}

func (s *Session) running() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.done == nil {
		return ErrNotStarted
	}
	select {
	case <-s.done:
		return ErrStopped
	default:
		return nil
	}
}

func (s *Session) live() bool {
	return s.streams[s.primary].timeline.Model().Live
}

// targetDuration returns the pacing unit of the primary stream.
func (s *Session) targetDuration() time.Duration {
	return s.streams[s.primary].timeline.Model().EffectiveTargetDuration()
}

// StreamStatus describes one stream of a running session.
type StreamStatus struct {
	ID             string  `json:"id"`
	Kind           string  `json:"kind"`
	Representation string  `json:"representation"`
	Bandwidth      int     `json:"bandwidth"`
	Sequence       int64   `json:"sequence"`
	Position       float64 `json:"position"`

	// ProgramDateTime is the wall-clock time announced for the fragment under the cursor.
	ProgramDateTime *time.Time `json:"programDateTime,omitempty"`
}

// Status is a snapshot of a session for the control API.
type Status struct {
	ID            string         `json:"id"`
	Channel       string         `json:"channel"`
	URI           string         `json:"uri"`
	Format        string         `json:"format,omitempty"`
	Live          bool           `json:"live"`
	Paused        bool           `json:"paused"`
	EndOfManifest bool           `json:"endOfManifest"`
	DownloadState string         `json:"downloadState"`
	StreamState   string         `json:"streamState"`
	Buffered      float64        `json:"buffered"`
	MinBuffering  float64        `json:"minBuffering"`
	Buffering     int            `json:"buffering"`
	Throughput    float64        `json:"throughput"`
	SeekStart     float64        `json:"seekStart"`
	SeekEnd       float64        `json:"seekEnd"`
	Streams       []StreamStatus `json:"streams,omitempty"`
	Error         *Error         `json:"error,omitempty"`
}

// Status returns a snapshot of the session.
func (s *Session) Status() Status {
	s.mutex.Lock()
	st := Status{
		ID:            s.ID,
		Channel:       s.Channel,
		URI:           s.URI,
		Paused:        s.userPaused,
		EndOfManifest: s.endOfManifest,
		DownloadState: s.downloadState,
		StreamState:   s.streamState,
		MinBuffering:  s.opts.MinBufferingTime.Seconds(),
		Buffering:     s.bufferLevel,
		Throughput:    s.rate,
	}
	var serr *Error
	if errors.As(s.err, &serr) {
		st.Error = serr
	}
	s.mutex.Unlock()

	st.Buffered = s.queue.Duration().Seconds()
	if s.presentation == nil || len(s.streams) == 0 {
		return st
	}
	st.Format = s.presentation.Format.String()
	st.Live = s.live()
	if first, end, ok := s.streams[s.primary].timeline.Model().SeekRange(); ok {
		st.SeekStart = first.Seconds()
		st.SeekEnd = end.Seconds()
	}
	for _, ms := range s.streams {
		rep, _ := ms.representation()
		ss := StreamStatus{
			ID:             ms.ID,
			Kind:           ms.Kind.String(),
			Representation: rep.ID,
			Bandwidth:      rep.Bandwidth,
			Sequence:       ms.timeline.Cursor(),
			Position:       ms.timeline.Position().Seconds(),
		}
		model := ms.timeline.Model()
		if i, ok := model.Index(ss.Sequence); ok && !model.Fragments[i].ProgramDateTime.IsZero() {
			pdt := model.Fragments[i].ProgramDateTime
			ss.ProgramDateTime = &pdt
		}
		st.Streams = append(st.Streams, ss)
	}
	return st
}

func (s *Session) setDownloadState(state string) {
	s.mutex.Lock()
	s.downloadState = state
	s.mutex.Unlock()
}

func (s *Session) setStreamState(state string) {
	s.mutex.Lock()
	s.streamState = state
	s.mutex.Unlock()
}
