package dash

import (
	"fmt"
	"time"

	"demuxd/internal/models"
	"demuxd/internal/playlist"
)

// defaultLiveWindow is the number of segments announced for a live number-based
// template without a time-shift buffer depth.
const defaultLiveWindow = 5

// RepresentationParser derives the fragment list of one representation from MPD text.
// It satisfies playlist.Parser.
type RepresentationParser struct {
	AdaptationSetID  string
	RepresentationID string
	// Now locates the live edge of number-based templates. Defaults to time.Now.
	Now func() time.Time
}

func (p RepresentationParser) Parse(text []byte, baseURI string) (*playlist.Model, error) {
	mpd, err := ParseMPD(text)
	if err != nil {
		return nil, err
	}
	period, as, rep, err := mpd.Find(p.AdaptationSetID, p.RepresentationID)
	if err != nil {
		return nil, err
	}
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	return BuildModel(mpd, period, as, rep, baseURI, now())
}

// segmentEntry is one segment of a template before URL expansion.
type segmentEntry struct {
	number        int64
	time          uint64
	duration      uint64
	discontinuous bool
}

// BuildModel expands the SegmentTemplate of a representation into a playlist model.
func BuildModel(mpd *MPD, period *Period, as *AdaptationSet, rep *Representation, manifestURI string, now time.Time) (*playlist.Model, error) {
	tmpl := effectiveTemplate(as, rep)
	if tmpl == nil || tmpl.Media == "" {
		return nil, fmt.Errorf("%w: representation %s has no SegmentTemplate@media", playlist.ErrMissingRequiredField, rep.ID)
	}
	base, err := baseChain(manifestURI, mpd.BaseURL, period.BaseURL, as.BaseURL, rep.BaseURL)
	if err != nil {
		return nil, err
	}

	timescale := tmpl.Timescale
	if timescale == 0 {
		timescale = 1
	}
	startNumber := int64(1)
	if tmpl.StartNumber != nil {
		startNumber = *tmpl.StartNumber
	}

	var init *models.InitSegment
	if tmpl.Initialization != "" {
		initURL, err := BuildInitSegmentURL(base, tmpl, rep)
		if err != nil {
			return nil, err
		}
		init = &models.InitSegment{URI: initURL, Offset: -1, Size: -1}
	}

	model := &playlist.Model{Live: mpd.IsLive(), BaseURI: manifestURI}

	var entries []segmentEntry
	switch {
	case tmpl.Timeline != nil && len(tmpl.Timeline.Segments) > 0:
		end, err := periodEndTicks(mpd, period, tmpl, timescale)
		if err != nil {
			return nil, err
		}
		entries, err = expandTimeline(tmpl.Timeline, startNumber, end)
		if err != nil {
			return nil, err
		}
		model.Timestamped = true
	case tmpl.Duration > 0:
		entries, err = numberedEntries(mpd, period, tmpl, startNumber, timescale, now)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: representation %s has neither SegmentTimeline nor @duration", playlist.ErrMissingRequiredField, rep.ID)
	}

	model.Fragments = make([]models.Fragment, 0, len(entries))
	for _, e := range entries {
		segURL, err := BuildSegmentURL(base, tmpl, rep, e.number, e.time)
		if err != nil {
			return nil, err
		}
		var ts time.Duration
		if e.time >= tmpl.PresentationTimeOffset {
			ts = ticksToDuration(e.time-tmpl.PresentationTimeOffset, timescale)
		}
		model.Fragments = append(model.Fragments, models.Fragment{
			URI:           segURL,
			Offset:        -1,
			Size:          -1,
			Duration:      ticksToDuration(e.duration, timescale),
			Sequence:      e.number,
			Timestamp:     ts,
			Discontinuous: e.discontinuous,
			Init:          init,
		})
	}
	playlist.Restart(model.Fragments, 0)

	if len(model.Fragments) > 0 {
		model.AnchorSequence = model.Fragments[0].Sequence
	} else {
		model.AnchorSequence = startNumber
	}
	if d, err := mpd.GetMaxSegmentDuration(); err == nil && d > 0 {
		model.TargetDuration = d
	} else {
		model.TargetDuration = model.EffectiveTargetDuration()
	}

	if !model.Live && len(model.Fragments) == 0 {
		return nil, fmt.Errorf("%w: representation %s has no segments", playlist.ErrMissingRequiredField, rep.ID)
	}
	return model, nil
}

// expandTimeline flattens S elements, honouring explicit start times and repeat counts.
// A negative repeat count runs until the next S element or until end (in ticks, 0 when unknown).
func expandTimeline(timeline *SegmentTimeline, startNumber int64, end uint64) ([]segmentEntry, error) {
	var entries []segmentEntry
	var t uint64
	number := startNumber
	segs := timeline.Segments
	for i, s := range segs {
		if s.D == 0 {
			return nil, fmt.Errorf("%w: S element without duration", playlist.ErrMissingRequiredField)
		}
		jump := false
		if s.T != nil {
			jump = len(entries) > 0 && *s.T != t
			t = *s.T
		}

		repeat := s.R
		if repeat < 0 {
			until := end
			if i+1 < len(segs) && segs[i+1].T != nil {
				until = *segs[i+1].T
			}
			repeat = 0
			if until > t {
				repeat = int((until-t+s.D-1)/s.D) - 1
			}
		}

		for k := 0; k <= repeat; k++ {
			entries = append(entries, segmentEntry{
				number:        number,
				time:          t,
				duration:      s.D,
				discontinuous: jump && k == 0,
			})
			number++
			t += s.D
		}
	}
	return entries, nil
}

// numberedEntries lists the segments of a $Number$ template with a fixed @duration.
func numberedEntries(mpd *MPD, period *Period, tmpl *SegmentTemplate, startNumber int64, timescale uint64, now time.Time) ([]segmentEntry, error) {
	segDur := ticksToDuration(tmpl.Duration, timescale)
	if segDur <= 0 {
		return nil, fmt.Errorf("%w: SegmentTemplate@duration is zero", playlist.ErrMissingRequiredField)
	}

	if !mpd.IsLive() {
		total, err := periodLength(mpd, period)
		if err != nil {
			return nil, err
		}
		if total <= 0 {
			return nil, fmt.Errorf("%w: static MPD without mediaPresentationDuration", playlist.ErrMissingRequiredField)
		}
		totalTicks := durationToTicks(total, timescale)
		var entries []segmentEntry
		for k := uint64(0); k*tmpl.Duration < totalTicks; k++ {
			d := tmpl.Duration
			if rest := totalTicks - k*tmpl.Duration; rest < d {
				d = rest
			}
			entries = append(entries, segmentEntry{
				number:   startNumber + int64(k),
				time:     tmpl.PresentationTimeOffset + k*tmpl.Duration,
				duration: d,
			})
		}
		return entries, nil
	}

	ast, err := mpd.GetAvailabilityStartTime()
	if err != nil {
		return nil, fmt.Errorf("invalid availabilityStartTime: %w", err)
	}
	if ast.IsZero() {
		return nil, fmt.Errorf("%w: dynamic MPD without availabilityStartTime", playlist.ErrMissingRequiredField)
	}
	periodStart, err := period.GetStart()
	if err != nil {
		return nil, fmt.Errorf("invalid period start: %w", err)
	}

	elapsed := now.Sub(ast) - periodStart
	latest := int64(elapsed/segDur) - 1
	if latest < 0 {
		return nil, nil
	}
	window := int64(defaultLiveWindow)
	if depth, err := mpd.GetTimeShiftBufferDepth(); err == nil && depth >= segDur {
		window = int64(depth / segDur)
	}
	first := latest - window + 1
	if first < 0 {
		first = 0
	}

	entries := make([]segmentEntry, 0, latest-first+1)
	for k := first; k <= latest; k++ {
		entries = append(entries, segmentEntry{
			number:   startNumber + k,
			time:     tmpl.PresentationTimeOffset + uint64(k)*tmpl.Duration,
			duration: tmpl.Duration,
		})
	}
	return entries, nil
}

// periodLength returns the duration of a period, derived from the presentation duration
// when the period does not state it.
func periodLength(mpd *MPD, period *Period) (time.Duration, error) {
	d, err := period.GetDuration()
	if err != nil {
		return 0, fmt.Errorf("invalid period duration: %w", err)
	}
	if d > 0 {
		return d, nil
	}
	total, err := mpd.GetMediaPresentationDuration()
	if err != nil {
		return 0, fmt.Errorf("invalid mediaPresentationDuration: %w", err)
	}
	start, err := period.GetStart()
	if err != nil {
		return 0, fmt.Errorf("invalid period start: %w", err)
	}
	return total - start, nil
}

func periodEndTicks(mpd *MPD, period *Period, tmpl *SegmentTemplate, timescale uint64) (uint64, error) {
	if mpd.IsLive() {
		return 0, nil
	}
	length, err := periodLength(mpd, period)
	if err != nil || length <= 0 {
		return 0, err
	}
	return tmpl.PresentationTimeOffset + durationToTicks(length, timescale), nil
}

// effectiveTemplate merges the adaptation set template with the representation's overrides.
func effectiveTemplate(as *AdaptationSet, rep *Representation) *SegmentTemplate {
	if as.SegmentTemplate == nil && rep.SegmentTemplate == nil {
		return nil
	}
	var merged SegmentTemplate
	if as.SegmentTemplate != nil {
		merged = *as.SegmentTemplate
	}
	if o := rep.SegmentTemplate; o != nil {
		if o.Timescale != 0 {
			merged.Timescale = o.Timescale
		}
		if o.Duration != 0 {
			merged.Duration = o.Duration
		}
		if o.StartNumber != nil {
			merged.StartNumber = o.StartNumber
		}
		if o.PresentationTimeOffset != 0 {
			merged.PresentationTimeOffset = o.PresentationTimeOffset
		}
		if o.Initialization != "" {
			merged.Initialization = o.Initialization
		}
		if o.Media != "" {
			merged.Media = o.Media
		}
		if o.Timeline != nil {
			merged.Timeline = o.Timeline
		}
	}
	return &merged
}

func ticksToDuration(ticks, timescale uint64) time.Duration {
	return time.Duration(ticks/timescale)*time.Second + time.Duration(ticks%timescale)*time.Second/time.Duration(timescale)
}

func durationToTicks(d time.Duration, timescale uint64) uint64 {
	return uint64(d/time.Second)*timescale + uint64(d%time.Second)*timescale/uint64(time.Second)
}
