package session

import (
	"context"

	"demuxd/internal/models"
)

// streamLoop is the consumer: it hands queued groups to the sink one target duration apart,
// reconfiguring outputs when the representation set changes and ending them at the end of
// the manifest. It keeps running after the end so a seek can restart delivery.
func (s *Session) streamLoop(ctx context.Context) error {
	ctl := &control{cmds: s.streamCmds}
	var outputs []models.Output
	repKey := ""
	ended := false

	for {
		ctl.poll()
		if ctl.paused {
			s.setStreamState(StatePaused)
			if err := ctl.hold(ctx); err != nil {
				return nil
			}
		}
		if ctx.Err() != nil {
			return nil
		}

		// taken before Pop so a push right after an empty Pop is not missed
		changed := s.queue.Changed()
		group, ok := s.queue.Pop()
		if !ok {
			if s.atEnd() {
				if !ended {
					s.setStreamState(StateDraining)
					for _, out := range outputs {
						if err := s.sink.EndOfStream(out); err != nil {
							s.logger.Warnf("End of stream for output %s failed: %v", out.StreamID, err)
						}
					}
					ended = true
					s.logger.Infof("Session %s delivered every fragment", s.ID)
				}
				s.setStreamState(StateStopped)
			} else {
				if outputs == nil {
					s.setStreamState(StateWaitingFirst)
				}
				s.reportBuffering()
			}
			if err := ctl.wait(ctx, changed, nil); err != nil {
				return nil
			}
			continue
		}

		if ended {
			// restarted by a seek after the outputs were ended
			ended = false
			repKey = ""
		}
		s.setStreamState(StatePushing)
		if err := s.deliver(group, &outputs, &repKey); err != nil {
			return err
		}
		s.reportBuffering()

		if err := ctl.wait(ctx, nil, s.clock.After(s.targetDuration())); err != nil {
			return nil
		}
	}
}

// deliver pushes one group, preceded by an output reconfiguration and a segment event when
// either is due. Only a failure of the primary output is fatal.
func (s *Session) deliver(g models.FragmentGroup, outputs *[]models.Output, repKey *string) error {
	if key := g.RepresentationKey(); key != *repKey {
		next := make([]models.Output, len(g.Members))
		for i, m := range g.Members {
			next[i] = models.Output{
				StreamID:       m.StreamID,
				Kind:           m.Kind,
				Representation: m.Representation,
				Caps:           models.ResolveCaps(m.Kind, m.Representation),
			}
		}
		if err := s.sink.Reconfigure(*outputs, next); err != nil {
			return NewError(CodePushRejected, "", "sink rejected the new outputs", err)
		}
		s.logger.Infof("Session %s outputs reconfigured: %s", s.ID, key)
		*outputs = next
		*repKey = key
		s.mutex.Lock()
		s.needSegment = true
		s.mutex.Unlock()
	}

	s.mutex.Lock()
	need, seek, shift := s.needSegment, s.seekPending, s.shift
	s.needSegment, s.seekPending, s.shift = false, false, 0
	s.mutex.Unlock()
	if need {
		ev := models.SegmentEvent{Start: g.Start, Shift: shift, Seek: seek}
		if err := s.sink.Segment(ev); err != nil {
			s.logger.Warnf("Segment event at %v failed: %v", ev.Start, err)
		}
	}

	for i, m := range g.Members {
		if err := s.sink.Push((*outputs)[i], m); err != nil {
			if i == s.primary {
				return NewError(CodePushRejected, m.StreamID, "primary output rejected a fragment", err)
			}
			s.logger.Warnf("Output %s rejected fragment %d: %v", m.StreamID, m.Fragment.Sequence, err)
			continue
		}
		s.metrics.IncPushes(s.Channel, m.StreamID)
	}
	return nil
}

// reportBuffering emits the buffer fill level while it is below the minimum buffering time,
// and once more when it has recovered.
func (s *Session) reportBuffering() {
	if s.atEnd() {
		return
	}
	buffered := s.buffered()
	level := 100
	if minBuf := s.opts.MinBufferingTime; buffered < minBuf {
		level = int(100 * buffered / minBuf)
	}

	s.mutex.Lock()
	prev := s.bufferLevel
	s.bufferLevel = level
	s.mutex.Unlock()

	if level == prev || (level == 100 && prev < 0) {
		return
	}
	s.sink.Buffering(level)
}
