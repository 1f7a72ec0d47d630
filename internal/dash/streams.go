package dash

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"demuxd/internal/models"
	"demuxd/internal/playlist"
)

// AdaptationStream describes one adaptation set as a selectable stream.
type AdaptationStream struct {
	ID              string
	Kind            models.StreamKind
	Representations []models.Representation
}

// ActivePeriod returns the period playback happens in: the first one of a static
// presentation, the latest one of a dynamic presentation.
func (m *MPD) ActivePeriod() (*Period, error) {
	if len(m.Periods) == 0 {
		return nil, fmt.Errorf("%w: MPD has no Period", playlist.ErrMissingRequiredField)
	}
	if m.IsLive() {
		return &m.Periods[len(m.Periods)-1], nil
	}
	return &m.Periods[0], nil
}

// Find locates a representation of the active period.
func (m *MPD) Find(adaptationSetID, representationID string) (*Period, *AdaptationSet, *Representation, error) {
	period, err := m.ActivePeriod()
	if err != nil {
		return nil, nil, nil, err
	}
	for i := range period.Sets {
		as := &period.Sets[i]
		if SetID(as, i) != adaptationSetID {
			continue
		}
		for j := range as.Representations {
			if as.Representations[j].ID == representationID {
				return period, as, &as.Representations[j], nil
			}
		}
	}
	return nil, nil, nil, fmt.Errorf("%w: representation %s/%s not found", playlist.ErrMissingRequiredField, adaptationSetID, representationID)
}

// SetID returns the adaptation set id, or a positional id when the MPD has none.
func SetID(as *AdaptationSet, index int) string {
	if as.ID != "" {
		return as.ID
	}
	return fmt.Sprintf("as%d", index)
}

// Describe lists the adaptation sets of the active period as streams with their
// representations sorted by bandwidth. Trick-play sets and representations are left out.
func Describe(mpd *MPD, manifestURI string) ([]AdaptationStream, error) {
	period, err := mpd.ActivePeriod()
	if err != nil {
		return nil, err
	}

	var streams []AdaptationStream
	for i := range period.Sets {
		as := &period.Sets[i]
		if as.IsTrickMode() {
			continue
		}
		stream := AdaptationStream{
			ID:   SetID(as, i),
			Kind: models.ParseStreamKind(as.Kind()),
		}
		for j := range as.Representations {
			rep := &as.Representations[j]
			// A simple way to identify and exclude trick mode tracks.
			if strings.Contains(rep.ID, "TrickMode") {
				continue
			}
			stream.Representations = append(stream.Representations, models.Representation{
				ID:          rep.ID,
				Bandwidth:   rep.Bandwidth,
				Codecs:      firstNonEmpty(rep.Codecs, as.Codecs),
				MimeType:    firstNonEmpty(rep.MimeType, as.MimeType),
				Language:    as.Lang,
				Width:       rep.Width,
				Height:      rep.Height,
				FrameRate:   firstNonEmpty(rep.FrameRate, as.FrameRate),
				Channels:    audioChannels(rep.AudioChannels, as.AudioChannels),
				SampleRate:  firstNonZero(rep.AudioSamplingRate, as.AudioSamplingRate),
				PlaylistURI: manifestURI,
			})
		}
		if len(stream.Representations) == 0 {
			continue
		}
		sort.SliceStable(stream.Representations, func(a, b int) bool {
			return stream.Representations[a].Bandwidth < stream.Representations[b].Bandwidth
		})
		streams = append(streams, stream)
	}
	if len(streams) == 0 {
		return nil, fmt.Errorf("%w: no usable adaptation set in MPD", playlist.ErrMissingRequiredField)
	}
	return streams, nil
}

func audioChannels(sets ...[]Descriptor) int {
	for _, descriptors := range sets {
		for _, d := range descriptors {
			if n, err := strconv.Atoi(d.Value); err == nil {
				return n
			}
		}
	}
	return 0
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstNonZero(values ...int) int {
	for _, v := range values {
		if v != 0 {
			return v
		}
	}
	return 0
}
