package session

import (
	"context"
	"fmt"
	"time"
)

// refreshLoop re-fetches the playlists of a live presentation and merges them into the
// stream timelines. It ends when every stream has seen its end of presentation.
func (s *Session) refreshLoop(ctx context.Context) error {
	interval := s.refreshInterval()
	s.logger.Infof("Starting refresh loop for session %s with interval %v", s.ID, interval)
	failures := 0

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.clock.After(interval):
		}

		ended, err := s.refresh(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			failures++
			if failures >= s.opts.MaxFailures {
				return NewError(CodeBadManifest, "", "manifest refresh kept failing", err)
			}
			s.logger.Warnf("Refresh of session %s failed (%d/%d): %v", s.ID, failures, s.opts.MaxFailures, err)
			continue
		}
		failures = 0
		if ended {
			s.logger.Infof("Presentation of session %s has ended, refresh loop stopped", s.ID)
			return nil
		}
	}
}

// refresh fetches each distinct playlist once and applies it to the streams reading from it.
// It reports whether every stream's playlist announced its end.
func (s *Session) refresh(ctx context.Context) (bool, error) {
	var uris []string
	byURI := make(map[string][]*stream)
	for _, st := range s.streams {
		rep, _ := st.representation()
		if _, ok := byURI[rep.PlaylistURI]; !ok {
			uris = append(uris, rep.PlaylistURI)
		}
		byURI[rep.PlaylistURI] = append(byURI[rep.PlaylistURI], st)
	}

	ended := true
	added := 0
	for _, uri := range uris {
		text, _, err := s.source.FetchManifest(ctx, uri)
		if err != nil {
			return false, fmt.Errorf("failed to refresh %s: %w", uri, err)
		}
		for _, st := range byURI[uri] {
			st.mutex.Lock()
			rep := st.Representations[st.current]
			if rep.PlaylistURI != uri {
				// switched while the text was in flight
				st.mutex.Unlock()
				ended = false
				continue
			}
			res, err := st.timeline.Update(text, st.Parser(rep))
			st.mutex.Unlock()
			if err != nil {
				return false, fmt.Errorf("stream %s: %w", st.ID, err)
			}
			if res.Reset {
				s.logger.Warnf("Playlist of stream %s jumped past the old window, cursor moved to %d", st.ID, st.timeline.Cursor())
			}
			added += res.Added
			if !res.Ended && st.timeline.Model().Live {
				ended = false
			}
		}
	}

	s.logger.Debugf("Refreshed session %s: %d new fragments", s.ID, added)
	s.refreshed.notify()
	return ended, nil
}

// refreshInterval is the configured override, else the manifest's update period, else the
// target duration of the primary stream.
func (s *Session) refreshInterval() time.Duration {
	interval := s.opts.RefreshInterval
	if interval <= 0 {
		interval = s.presentation.UpdatePeriod
	}
	if interval <= 0 {
		interval = s.targetDuration()
	}
	return max(interval, s.opts.PollInterval)
}
