package playlist

import (
	"errors"
	"sort"
	"time"

	"demuxd/internal/models"
)

var (
	// ErrMalformedHeader is returned when the required magic/header of a manifest is absent.
	ErrMalformedHeader = errors.New("malformed manifest header")
	// ErrMissingRequiredField is returned when a fragment lacks its duration or URI.
	ErrMissingRequiredField = errors.New("missing required field")
	// ErrMalformed wraps a parse failure of a refreshed manifest.
	ErrMalformed = errors.New("malformed manifest update")
	// ErrEndOfPlaylist signals that an on-demand playlist has no more fragments.
	ErrEndOfPlaylist = errors.New("end of playlist")
	// ErrNotYetAvailable signals that a live playlist has not announced the next fragment yet.
	ErrNotYetAvailable = errors.New("fragment not yet available")
)

// Parser turns manifest text into a playlist model. Implementations must be pure.
type Parser interface {
	Parse(text []byte, baseURI string) (*Model, error)
}

// ParserFunc adapts a plain function to the Parser interface.
type ParserFunc func(text []byte, baseURI string) (*Model, error)

func (f ParserFunc) Parse(text []byte, baseURI string) (*Model, error) {
	return f(text, baseURI)
}

// Model is an immutable snapshot of a media timeline.
type Model struct {
	Fragments      []models.Fragment
	AnchorSequence int64
	Live           bool
	TargetDuration time.Duration
	BaseURI        string
	// Timestamped is set when every fragment carries an absolute Timestamp.
	Timestamped bool
}

// Len returns the number of fragments in the window.
func (m *Model) Len() int {
	return len(m.Fragments)
}

// NextSequence returns the sequence number following the last fragment.
func (m *Model) NextSequence() int64 {
	return m.AnchorSequence + int64(len(m.Fragments))
}

// NextFragment returns the fragment at cursor, or false when cursor is past the window.
func (m *Model) NextFragment(cursor int) (models.Fragment, bool) {
	if cursor < 0 || cursor >= len(m.Fragments) {
		return models.Fragment{}, false
	}
	return m.Fragments[cursor], true
}

// Index resolves a sequence number to a cursor into the window.
func (m *Model) Index(seq int64) (int, bool) {
	if len(m.Fragments) == 0 {
		return 0, false
	}
	i := int(seq - m.Fragments[0].Sequence)
	if i < 0 || i >= len(m.Fragments) || m.Fragments[i].Sequence != seq {
		return 0, false
	}
	return i, true
}

// SeekToTime finds the fragment whose [Start, Start+Duration) contains target.
func (m *Model) SeekToTime(target time.Duration) (int64, time.Duration, bool) {
	n := len(m.Fragments)
	if n == 0 || target < m.Fragments[0].Start {
		return 0, 0, false
	}
	i := sort.Search(n, func(i int) bool {
		return m.Fragments[i].End() > target
	})
	if i == n {
		return 0, 0, false
	}
	f := m.Fragments[i]
	return f.Sequence, f.Start, true
}

// Duration returns the total media time covered by the window.
func (m *Model) Duration() time.Duration {
	var d time.Duration
	for _, f := range m.Fragments {
		d += f.Duration
	}
	return d
}

// SeekRange returns the first seekable position and the end of the window.
func (m *Model) SeekRange() (time.Duration, time.Duration, bool) {
	if len(m.Fragments) == 0 {
		return 0, 0, false
	}
	end := m.Fragments[len(m.Fragments)-1].End()
	if m.Live {
		// the last three target durations are not safely seekable on a live window
		end -= 3 * m.TargetDuration
		if end < m.Fragments[0].Start {
			end = m.Fragments[0].Start
		}
	}
	return m.Fragments[0].Start, end, true
}

// RecommendedBufferingThreshold returns how much media should be buffered before playback:
// three target durations, capped at the total duration of the window.
func (m *Model) RecommendedBufferingThreshold() time.Duration {
	threshold := 3 * m.TargetDuration
	if total := m.Duration(); !m.Live && total < threshold {
		return total
	}
	return threshold
}

// EffectiveTargetDuration returns TargetDuration, or the longest fragment when it is unset.
func (m *Model) EffectiveTargetDuration() time.Duration {
	if m.TargetDuration > 0 {
		return m.TargetDuration
	}
	var longest time.Duration
	for _, f := range m.Fragments {
		if f.Duration > longest {
			longest = f.Duration
		}
	}
	return longest
}

// Equal reports whether both models describe the same fragments in the same order.
func (m *Model) Equal(o *Model) bool {
	if m == nil || o == nil {
		return m == o
	}
	if m.AnchorSequence != o.AnchorSequence || m.Live != o.Live || len(m.Fragments) != len(o.Fragments) {
		return false
	}
	for i := range m.Fragments {
		a, b := m.Fragments[i], o.Fragments[i]
		if a.URI != b.URI || a.Sequence != b.Sequence || a.Duration != b.Duration ||
			a.Offset != b.Offset || a.Size != b.Size || a.Discontinuous != b.Discontinuous {
			return false
		}
	}
	return true
}

// Restart recomputes cumulative start times beginning at origin.
func Restart(fragments []models.Fragment, origin time.Duration) {
	t := origin
	for i := range fragments {
		fragments[i].Start = t
		t += fragments[i].Duration
	}
}
