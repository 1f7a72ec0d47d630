package dash

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"demuxd/internal/playlist"

	"github.com/rickb777/date/period"
)

// MPD is the root element of a Media Presentation Description.
type MPD struct {
	XMLName                   xml.Name `xml:"MPD"`
	Type                      string   `xml:"type,attr"`
	Profiles                  string   `xml:"profiles,attr"`
	MinimumUpdatePeriod       string   `xml:"minimumUpdatePeriod,attr"`
	MediaPresentationDuration string   `xml:"mediaPresentationDuration,attr"`
	TimeShiftBufferDepth      string   `xml:"timeShiftBufferDepth,attr"`
	AvailabilityStartTime     string   `xml:"availabilityStartTime,attr"`
	PublishTime               string   `xml:"publishTime,attr"`
	MaxSegmentDuration        string   `xml:"maxSegmentDuration,attr"`
	MinBufferTime             string   `xml:"minBufferTime,attr"`
	BaseURL                   string   `xml:"BaseURL"`
	Periods                   []Period `xml:"Period"`
}

// ParseMPD decodes MPD XML.
func ParseMPD(data []byte) (*MPD, error) {
	if !IsMPD(data) {
		return nil, fmt.Errorf("%w: no <MPD> root element", playlist.ErrMalformedHeader)
	}
	var mpd MPD
	if err := xml.Unmarshal(data, &mpd); err != nil {
		return nil, fmt.Errorf("%w: failed to unmarshal MPD XML: %w", playlist.ErrMalformedHeader, err)
	}
	return &mpd, nil
}

// IsMPD reports whether data looks like an MPD document.
func IsMPD(data []byte) bool {
	return bytes.Contains(data, []byte("<MPD"))
}

// IsLive reports whether the presentation is dynamic.
func (m *MPD) IsLive() bool {
	return m.Type == "dynamic"
}

// GetMinimumUpdatePeriod returns the MinimumUpdatePeriod as a time.Duration.
func (m *MPD) GetMinimumUpdatePeriod() (time.Duration, error) {
	return parseDuration(m.MinimumUpdatePeriod)
}

// GetMediaPresentationDuration returns the total duration of a static presentation.
func (m *MPD) GetMediaPresentationDuration() (time.Duration, error) {
	return parseDuration(m.MediaPresentationDuration)
}

// GetMaxSegmentDuration returns the MaxSegmentDuration as a time.Duration.
func (m *MPD) GetMaxSegmentDuration() (time.Duration, error) {
	return parseDuration(m.MaxSegmentDuration)
}

// GetTimeShiftBufferDepth returns the TimeShiftBufferDepth as a time.Duration.
func (m *MPD) GetTimeShiftBufferDepth() (time.Duration, error) {
	return parseDuration(m.TimeShiftBufferDepth)
}

// GetAvailabilityStartTime returns the AvailabilityStartTime, zero when absent.
func (m *MPD) GetAvailabilityStartTime() (time.Time, error) {
	if m.AvailabilityStartTime == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, m.AvailabilityStartTime)
}

// parseDuration parses an ISO 8601 duration string like "PT8S" or "P1DT2H".
func parseDuration(duration string) (time.Duration, error) {
	duration = strings.TrimSpace(duration)
	if duration == "" {
		return 0, nil
	}
	if !strings.HasPrefix(duration, "P") {
		// plain Go durations like "5s"
		return time.ParseDuration(duration)
	}
	if strings.HasPrefix(duration, "PT") {
		return parseSecondsDuration(duration)
	}
	p, err := period.Parse(duration)
	if err != nil {
		return 0, fmt.Errorf("invalid ISO 8601 duration %q: %w", duration, err)
	}
	// years and months are approximated by the period package
	d, _ := p.Duration()
	return d, nil
}

var durationPartRe = regexp.MustCompile(`(\d+\.?\d*)([HMS])`)

// parseSecondsDuration handles time-only durations, keeping every fractional digit
// of values such as "PT2.002S".
func parseSecondsDuration(duration string) (time.Duration, error) {
	rest, ok := strings.CutPrefix(duration, "PT")
	if !ok {
		return 0, errors.New("invalid ISO 8601 duration format: " + duration)
	}
	matches := durationPartRe.FindAllStringSubmatch(rest, -1)
	if len(matches) == 0 {
		if rest == "" {
			return 0, nil
		}
		return 0, errors.New("invalid ISO 8601 duration format: " + duration)
	}

	var total time.Duration
	for _, match := range matches {
		value, err := strconv.ParseFloat(match[1], 64)
		if err != nil {
			return 0, err
		}
		switch match[2] {
		case "H":
			total += time.Duration(math.Round(value * float64(time.Hour)))
		case "M":
			total += time.Duration(math.Round(value * float64(time.Minute)))
		case "S":
			total += time.Duration(math.Round(value * float64(time.Second)))
		}
	}
	return total, nil
}

// Period represents a media content period.
type Period struct {
	ID       string          `xml:"id,attr"`
	Start    string          `xml:"start,attr"`
	Duration string          `xml:"duration,attr"`
	BaseURL  string          `xml:"BaseURL"`
	Sets     []AdaptationSet `xml:"AdaptationSet"`
}

// GetStart returns the Period's start time as a time.Duration.
func (p *Period) GetStart() (time.Duration, error) {
	return parseDuration(p.Start)
}

// GetDuration returns the Period's duration, zero when absent.
func (p *Period) GetDuration() (time.Duration, error) {
	return parseDuration(p.Duration)
}

// AdaptationSet represents a set of interchangeable representations.
type AdaptationSet struct {
	ID                  string           `xml:"id,attr"`
	ContentType         string           `xml:"contentType,attr"`
	Lang                string           `xml:"lang,attr,omitempty"`
	MimeType            string           `xml:"mimeType,attr"`
	Codecs              string           `xml:"codecs,attr,omitempty"`
	FrameRate           string           `xml:"frameRate,attr,omitempty"`
	AudioSamplingRate   int              `xml:"audioSamplingRate,attr,omitempty"`
	SegmentAlignment    bool             `xml:"segmentAlignment,attr"`
	MaxWidth            int              `xml:"maxWidth,attr,omitempty"`
	MaxHeight           int              `xml:"maxHeight,attr,omitempty"`
	BaseURL             string           `xml:"BaseURL"`
	EssentialProperties []Descriptor     `xml:"EssentialProperty"`
	AudioChannels       []Descriptor     `xml:"AudioChannelConfiguration"`
	Representations     []Representation `xml:"Representation"`
	SegmentTemplate     *SegmentTemplate `xml:"SegmentTemplate"`
}

// Kind returns the content type, falling back to the mime type of the set or its first representation.
func (as *AdaptationSet) Kind() string {
	if as.ContentType != "" {
		return as.ContentType
	}
	if as.MimeType != "" {
		return as.MimeType
	}
	if len(as.Representations) > 0 {
		return as.Representations[0].MimeType
	}
	return ""
}

// IsTrickMode reports whether the set only carries trick-play representations.
func (as *AdaptationSet) IsTrickMode() bool {
	for _, p := range as.EssentialProperties {
		if strings.Contains(p.SchemeIDURI, "trickmode") {
			return true
		}
	}
	return false
}

// Descriptor is a generic scheme/value pair.
type Descriptor struct {
	SchemeIDURI string `xml:"schemeIdUri,attr"`
	Value       string `xml:"value,attr"`
}

// Representation represents a specific media stream.
type Representation struct {
	ID                string           `xml:"id,attr"`
	Bandwidth         int              `xml:"bandwidth,attr"`
	Codecs            string           `xml:"codecs,attr"`
	MimeType          string           `xml:"mimeType,attr,omitempty"`
	Width             int              `xml:"width,attr,omitempty"`
	Height            int              `xml:"height,attr,omitempty"`
	FrameRate         string           `xml:"frameRate,attr,omitempty"`
	AudioSamplingRate int              `xml:"audioSamplingRate,attr,omitempty"`
	AudioChannels     []Descriptor     `xml:"AudioChannelConfiguration"`
	BaseURL           string           `xml:"BaseURL"`
	SegmentTemplate   *SegmentTemplate `xml:"SegmentTemplate"`
}

// SegmentTemplate defines the URL structure and timing of segments.
type SegmentTemplate struct {
	Timescale              uint64           `xml:"timescale,attr"`
	Duration               uint64           `xml:"duration,attr"`
	StartNumber            *int64           `xml:"startNumber,attr"`
	PresentationTimeOffset uint64           `xml:"presentationTimeOffset,attr"`
	Initialization         string           `xml:"initialization,attr"`
	Media                  string           `xml:"media,attr"`
	Timeline               *SegmentTimeline `xml:"SegmentTimeline"`
}

// SegmentTimeline defines the timeline of segments.
type SegmentTimeline struct {
	Segments []S `xml:"S"`
}

// S represents a single segment or a run of equally long segments.
type S struct {
	T *uint64 `xml:"t,attr"`           // Start time
	D uint64  `xml:"d,attr"`           // Duration
	R int     `xml:"r,attr,omitempty"` // Repeat count, -1 repeats to the next S or period end
}
