package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"demuxd/internal/fetch"
	"demuxd/internal/key"
	"demuxd/internal/models"
	"demuxd/internal/playlist"
	"demuxd/internal/selector"

	"golang.org/x/sync/errgroup"
)

// downloadLoop is the producer: it keeps the queue filled up to the buffering target with
// fragment groups, one fragment per stream, adapting representations to the throughput.
func (s *Session) downloadLoop(ctx context.Context) error {
	ctl := &control{cmds: s.downloadCmds}
	failures := 0

	for {
		ctl.poll()
		if ctl.paused {
			s.setDownloadState(StatePaused)
			if err := ctl.hold(ctx); err != nil {
				return nil
			}
			failures = 0
		}
		if ctx.Err() != nil {
			return nil
		}

		if s.atEnd() {
			// nothing left to fetch; only a seek brings the loop back
			s.setDownloadState(StateIdle)
			if err := ctl.wait(ctx, nil, nil); err != nil {
				return nil
			}
			continue
		}

		td := s.targetDuration()
		buffered := s.buffered()
		s.metrics.SetBuffered(s.Channel, buffered.Seconds())
		if buffered >= max(s.opts.MinBufferingTime+td, s.opts.MaxBufferingTime) {
			s.setDownloadState(StateWaitingSchedule)
			if err := ctl.wait(ctx, s.queue.Changed(), time.After(s.opts.PollInterval)); err != nil {
				return nil
			}
			continue
		}

		fetchCtx, ok := s.beginFetch(ctx)
		if !ok {
			// a seek is about to pause the loop
			if err := ctl.wait(ctx, nil, nil); err != nil {
				return nil
			}
			continue
		}
		s.setDownloadState(StateFetching)
		s.adapt(fetchCtx, buffered)
		start := s.clock.Now()
		group, err := s.fetchGroup(fetchCtx)
		elapsed := s.clock.Now().Sub(start)
		s.endFetch()

		switch {
		case err == nil:
			if err := s.queue.Push(group); err != nil {
				return nil
			}
			for i, m := range group.Members {
				s.streams[i].timeline.AdvancePast(m.Fragment.Sequence)
			}
			failures = 0
			s.measure(group.Bytes(), elapsed)
			s.logger.Debugf("Queued group %d at %v (%d bytes in %v)", group.Sequence, group.Start, group.Bytes(), elapsed)

		case ctx.Err() != nil:
			return nil

		case errors.Is(err, context.Canceled):
			// aborted by a seek, the pause command is picked up at the top
			continue

		case errors.Is(err, playlist.ErrEndOfPlaylist):
			s.mutex.Lock()
			s.endOfManifest = true
			s.mutex.Unlock()
			s.queue.Signal()
			s.logger.Infof("Session %s reached the end of the manifest", s.ID)

		case errors.Is(err, playlist.ErrNotYetAvailable):
			failures++
			if failures >= s.opts.MaxFailures {
				return NewError(CodeFetchExhausted, "", "live playlist stopped advancing", err)
			}
			s.logger.Debugf("Next fragment not announced yet (%d/%d), waiting for a refresh", failures, s.opts.MaxFailures)
			s.setDownloadState(StateWaitingSchedule)
			if err := ctl.wait(ctx, s.refreshed.C(), time.After(2*s.refreshInterval())); err != nil {
				return nil
			}

		default:
			failures++
			s.metrics.IncFetchFailures(s.Channel)
			var stream string
			var ferr *fetchError
			if errors.As(err, &ferr) {
				stream = ferr.stream
			}
			if failures >= s.opts.MaxFailures {
				return NewError(CodeFetchExhausted, stream, "fragment download failed", err)
			}
			s.logger.Warnf("Fragment group download failed (%d/%d): %v", failures, s.opts.MaxFailures, err)
			s.setDownloadState(StateWaitingSchedule)
			if err := ctl.wait(ctx, nil, time.After(time.Duration(failures)*s.opts.PollInterval)); err != nil {
				return nil
			}
		}
	}
}

// fetchError carries the stream a download failed for.
type fetchError struct {
	stream string
	err    error
}

func (e *fetchError) Error() string {
	return fmt.Sprintf("stream %s: %v", e.stream, e.err)
}

func (e *fetchError) Unwrap() error {
	return e.err
}

// beginFetch creates the context of the next fetch, which Seek can cancel. It refuses to
// start while a seek is pausing the loop.
func (s *Session) beginFetch(ctx context.Context) (context.Context, bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.pausing {
		return nil, false
	}
	fetchCtx, cancel := context.WithCancel(ctx)
	s.cancelFetch = cancel
	return fetchCtx, true
}

func (s *Session) endFetch() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.cancelFetch != nil {
		s.cancelFetch()
		s.cancelFetch = nil
	}
}

func (s *Session) atEnd() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.endOfManifest
}

// buffered is the media time held by the queue, counted in target durations.
func (s *Session) buffered() time.Duration {
	return time.Duration(s.queue.Len()) * s.targetDuration()
}

func (s *Session) measure(bytes int, elapsed time.Duration) {
	if elapsed <= 0 {
		return
	}
	rate := float64(bytes) * 8 / elapsed.Seconds()
	s.mutex.Lock()
	s.rate = rate
	s.mutex.Unlock()
	s.metrics.ObserveGroup(s.Channel, bytes, rate)
}

// adapt re-selects the representation of every stream for the measured throughput. A switch
// moves the stream's timeline onto the new playlist, and every stream re-sends its header
// with the next group.
func (s *Session) adapt(ctx context.Context, buffered time.Duration) {
	s.mutex.Lock()
	rate := s.rate
	s.mutex.Unlock()
	if rate <= 0 {
		return
	}
	target := selector.TargetBitrate(rate, s.opts.BandwidthUsage, buffered, s.opts.MinBufferingTime, s.opts.MaxBitrate)

	switched := false
	for _, st := range s.streams {
		if len(st.Representations) < 2 {
			continue
		}
		from, current := st.representation()
		next := st.Representations.Select(target, current)
		if next == current {
			continue
		}
		rep := st.Representations[next]
		model, err := s.presentation.LoadPlaylist(ctx, s.source, st.Stream, rep)
		if err != nil {
			s.logger.Warnf("Cannot switch stream %s to %s: %v", st.ID, rep.ID, err)
			continue
		}

		st.mutex.Lock()
		err = st.timeline.Replace(model)
		if err == nil {
			st.current = next
			st.headerPending = true
			st.header = nil
			st.headerOf = nil
		}
		st.mutex.Unlock()
		if err != nil {
			s.logger.Warnf("Cannot switch stream %s to %s: %v", st.ID, rep.ID, err)
			continue
		}
		switched = true
		s.metrics.IncSwitches(s.Channel, st.ID)
		s.logger.Infof("Stream %s switched from %s (%d) to %s (%d) at %.0f bit/s target", st.ID, from.ID, from.Bandwidth, rep.ID, rep.Bandwidth, target)
	}
	if switched {
		for _, st := range s.streams {
			st.headerPending = true
		}
	}
}

// fetched is the download result of one group member.
type fetched struct {
	frag   models.Fragment
	resync bool
	rep    models.Representation
	data   []byte
	header []byte
}

// fetchGroup downloads the next fragment of every stream concurrently. Either every member
// succeeds or nothing is returned; header state is only committed on success.
func (s *Session) fetchGroup(ctx context.Context) (models.FragmentGroup, error) {
	items := make([]fetched, len(s.streams))
	for i, st := range s.streams {
		f, resync, err := st.timeline.Next()
		if err != nil {
			return models.FragmentGroup{}, fmt.Errorf("stream %s: %w", st.ID, err)
		}
		rep, _ := st.representation()
		items[i] = fetched{frag: f, resync: resync, rep: rep}
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, st := range s.streams {
		st := st
		it := &items[i]
		g.Go(func() error {
			if err := s.fetchMember(gctx, st, it); err != nil {
				return &fetchError{stream: st.ID, err: err}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return models.FragmentGroup{}, err
	}

	group := models.FragmentGroup{
		Sequence: items[s.primary].frag.Sequence,
		Start:    items[s.primary].frag.Start,
		Duration: items[s.primary].frag.Duration,
	}
	for i, st := range s.streams {
		it := items[i]
		fd := models.FragmentData{
			StreamID:       st.ID,
			Kind:           st.Kind,
			Representation: it.rep,
			Fragment:       it.frag,
			Data:           it.data,
			Resync:         it.resync,
		}
		if it.header != nil {
			fd.Data = models.PrependHeader(it.data, it.header)
			fd.HeaderIncluded = true
			fd.HeaderSize = len(it.header)
			st.header = it.header
			st.headerOf = it.frag.Init
		}
		st.headerPending = false
		group.Members = append(group.Members, fd)
	}
	return group, nil
}

// fetchMember downloads one fragment, its header when one is due and decrypts it.
func (s *Session) fetchMember(ctx context.Context, st *stream, it *fetched) error {
	if init := it.frag.Init; init != nil && (st.headerPending || !st.headerOf.Same(init)) {
		if st.header != nil && st.headerOf.Same(init) {
			it.header = st.header
		} else {
			h, err := s.fetcher.Fetch(ctx, fetch.InitRequest(init))
			if err != nil {
				return fmt.Errorf("header: %w", err)
			}
			it.header = h
		}
	}

	data, err := s.fetcher.Fetch(ctx, fetch.FragmentRequest(it.frag))
	if err != nil {
		return err
	}
	if it.frag.KeyURI != "" {
		k, err := s.keys.Get(ctx, it.frag.KeyURI)
		if err != nil {
			return err
		}
		if data, err = key.Decrypt(data, k, it.frag.IV); err != nil {
			return fmt.Errorf("fragment %d: %w", it.frag.Sequence, err)
		}
	}
	it.data = data
	return nil
}
