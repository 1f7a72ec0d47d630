package playlist

import (
	"fmt"
	"time"

	"demuxd/internal/models"
)

// UpdateResult describes what a manifest refresh changed.
type UpdateResult struct {
	// Reset is set when the new window shares no fragment with the old one.
	Reset bool
	// Added and Dropped count fragments appended to and rolled off the window.
	Added   int
	Dropped int
	// Mismatch is set when an on-demand refresh disagreed with the loaded model.
	Mismatch bool
	// Ended is set when a live playlist announced its end.
	Ended bool
}

// Update applies freshly fetched manifest text to an existing model and returns the model
// that replaces it. The existing model is never modified.
//
// For live playlists the new window is merged onto the old one: fragments that are still
// announced keep their descriptors, new ones are appended and the rest roll off. When the
// new anchor lies beyond the end of the old window the model is rebuilt from scratch and
// Reset is reported so cursors get re-resolved.
//
// On-demand playlists are only validated; a differing refresh sets Mismatch and the
// existing model is returned unchanged.
func Update(existing *Model, text []byte, parser Parser) (*Model, UpdateResult, error) {
	var res UpdateResult

	fresh, err := parser.Parse(text, existing.BaseURI)
	if err != nil {
		return existing, res, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	if !existing.Live {
		if !existing.Equal(fresh) {
			res.Mismatch = true
		}
		return existing, res, nil
	}

	if existing.Timestamped && fresh.Timestamped {
		rebase(existing, fresh)
	}

	merged, res := merge(existing, fresh)
	res.Ended = !fresh.Live
	return merged, res, nil
}

func merge(existing, fresh *Model) (*Model, UpdateResult) {
	var res UpdateResult

	out := &Model{
		AnchorSequence: fresh.AnchorSequence,
		Live:           fresh.Live,
		TargetDuration: fresh.TargetDuration,
		BaseURI:        fresh.BaseURI,
		Timestamped:    fresh.Timestamped,
	}
	if out.TargetDuration == 0 {
		out.TargetDuration = existing.TargetDuration
	}

	var origin time.Duration
	if n := len(existing.Fragments); n > 0 {
		origin = existing.Fragments[n-1].End()
	}

	frags := make([]models.Fragment, len(fresh.Fragments))
	copy(frags, fresh.Fragments)
	out.Fragments = frags

	disjoint := fresh.AnchorSequence > existing.NextSequence() ||
		(len(frags) > 0 && frags[len(frags)-1].Sequence < existing.AnchorSequence)
	if disjoint {
		Restart(frags, origin)
		res.Reset = true
		res.Dropped = len(existing.Fragments)
		res.Added = len(frags)
		return out, res
	}

	kept := make([]bool, len(frags))
	pivot := -1
	for i := range frags {
		if j, ok := existing.Index(frags[i].Sequence); ok {
			frags[i] = existing.Fragments[j]
			kept[i] = true
			if pivot < 0 {
				pivot = i
			}
			continue
		}
		res.Added++
	}
	res.Dropped = len(existing.Fragments) - (len(frags) - res.Added)

	if pivot < 0 {
		// the new window starts right after the old one
		Restart(frags, origin)
		return out, res
	}
	for i := pivot - 1; i >= 0; i-- {
		frags[i].Start = frags[i+1].Start - frags[i].Duration
	}
	for i := pivot + 1; i < len(frags); i++ {
		if !kept[i] {
			frags[i].Start = frags[i-1].End()
		}
	}
	return out, res
}

// rebase renumbers fresh so that fragments with the same absolute timestamp carry the
// sequence numbers already assigned by existing.
func rebase(existing, fresh *Model) {
	if len(fresh.Fragments) == 0 || len(existing.Fragments) == 0 {
		return
	}
	bySeq := make(map[time.Duration]int64, len(existing.Fragments))
	for _, f := range existing.Fragments {
		bySeq[f.Timestamp] = f.Sequence
	}

	var shift int64
	matched := false
	for _, f := range fresh.Fragments {
		if seq, ok := bySeq[f.Timestamp]; ok {
			shift = seq - f.Sequence
			matched = true
			break
		}
	}
	if !matched {
		last := existing.Fragments[len(existing.Fragments)-1]
		first := fresh.Fragments[0]
		lastEnd := last.Timestamp + last.Duration
		if first.Timestamp < lastEnd {
			return
		}
		skipped := int64(0)
		if td := existing.EffectiveTargetDuration(); td > 0 {
			skipped = int64((first.Timestamp - lastEnd + td/2) / td)
		}
		shift = existing.NextSequence() + skipped - first.Sequence
	}
	if shift == 0 {
		return
	}
	fresh.AnchorSequence += shift
	for i := range fresh.Fragments {
		fresh.Fragments[i].Sequence += shift
	}
}
