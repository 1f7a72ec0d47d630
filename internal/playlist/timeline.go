package playlist

import (
	"fmt"
	"sync"
	"time"

	"demuxd/internal/models"
)

// liveEdgeFragments is how many fragments behind the live edge playback starts.
const liveEdgeFragments = 3

// Timeline pairs a playlist model with the read cursor of the stream consuming it.
// The model is replaced wholesale under the lock, so readers never see a half-updated window.
type Timeline struct {
	mu     sync.RWMutex
	model  *Model
	cursor int64
	// resync is set when the cursor had to be moved because its fragment left the window.
	resync bool
}

// NewTimeline creates a timeline positioned at the start of an on-demand playlist,
// or a few fragments behind the live edge of a live one.
func NewTimeline(m *Model) *Timeline {
	t := &Timeline{model: m, cursor: m.AnchorSequence}
	if len(m.Fragments) > 0 {
		t.cursor = m.Fragments[0].Sequence
		if m.Live && len(m.Fragments) > liveEdgeFragments {
			t.cursor = m.Fragments[len(m.Fragments)-liveEdgeFragments].Sequence
		}
	}
	return t
}

// Model returns the current snapshot.
func (t *Timeline) Model() *Model {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.model
}

// Cursor returns the sequence number of the next fragment to fetch.
func (t *Timeline) Cursor() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.cursor
}

// Next returns the fragment under the cursor without advancing it. The boolean is set
// when the cursor was re-resolved against a rotated window since the last Advance.
func (t *Timeline) Next() (models.Fragment, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if i, ok := t.model.Index(t.cursor); ok {
		f, _ := t.model.NextFragment(i)
		return f, t.resync, nil
	}
	if len(t.model.Fragments) > 0 && t.cursor < t.model.Fragments[0].Sequence {
		t.cursor = t.model.Fragments[0].Sequence
		t.resync = true
		return t.model.Fragments[0], true, nil
	}
	if t.model.Live {
		return models.Fragment{}, false, ErrNotYetAvailable
	}
	return models.Fragment{}, false, ErrEndOfPlaylist
}

// AdvancePast moves the cursor past seq, the fragment last returned by Next. It does nothing when the cursor no longer points at
// seq because a refresh re-resolved it after Next returned.
func (t *Timeline) AdvancePast(seq int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cursor != seq {
		return
	}
	t.cursor++
	t.resync = false
}

// Position returns the start time of the fragment under the cursor, or the end of the
// window when the cursor is past it.
func (t *Timeline) Position() time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.positionLocked()
}

func (t *Timeline) positionLocked() time.Duration {
	if i, ok := t.model.Index(t.cursor); ok {
		return t.model.Fragments[i].Start
	}
	if n := len(t.model.Fragments); n > 0 && t.cursor >= t.model.Fragments[n-1].Sequence {
		return t.model.Fragments[n-1].End()
	}
	return 0
}

// Locate resolves a media time to a sequence number without touching the cursor.
func (t *Timeline) Locate(target time.Duration) (int64, time.Duration, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.model.SeekToTime(target)
}

// SetCursor moves the cursor to seq, which must be part of the current window.
func (t *Timeline) SetCursor(seq int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.model.Index(seq); !ok {
		return fmt.Errorf("sequence %d is outside the playlist window", seq)
	}
	t.cursor = seq
	t.resync = false
	return nil
}

// Update applies refreshed manifest text. After a reset, a cursor whose fragment rolled
// off the window is moved to the start of the new window.
func (t *Timeline) Update(text []byte, parser Parser) (UpdateResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	next, res, err := Update(t.model, text, parser)
	if err != nil {
		return res, err
	}
	t.model = next
	if len(next.Fragments) > 0 {
		first := next.Fragments[0].Sequence
		if res.Reset || t.cursor < first {
			t.cursor = first
			t.resync = true
		}
	}
	return res, nil
}

// Replace swaps in the playlist of another representation. The cursor keeps its sequence
// number when the new window has it, otherwise it is resolved by playback position.
func (t *Timeline) Replace(m *Model) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := m.Index(t.cursor); ok || t.cursor == m.NextSequence() {
		t.model = m
		return nil
	}
	pos := t.positionLocked()
	seq, _, ok := m.SeekToTime(pos)
	if !ok {
		return fmt.Errorf("position %v is not covered by the new playlist", pos)
	}
	t.model = m
	t.cursor = seq
	return nil
}
