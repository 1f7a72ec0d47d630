package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/PaesslerAG/gval"
)

// StreamKind identifies the type of an elementary stream.
type StreamKind int

const (
	KindVideo StreamKind = iota
	KindAudio
	KindSubtitle
	KindApplication
)

func (k StreamKind) String() string {
	switch k {
	case KindVideo:
		return "video"
	case KindAudio:
		return "audio"
	case KindSubtitle:
		return "subtitle"
	default:
		return "application"
	}
}

// ParseStreamKind maps a manifest content type or mime type onto a StreamKind.
// Unknown values fall back to KindApplication.
func ParseStreamKind(contentType string) StreamKind {
	ct := strings.ToLower(contentType)
	if i := strings.Index(ct, "/"); i >= 0 {
		ct = ct[:i]
	}
	switch ct {
	case "video":
		return KindVideo
	case "audio":
		return KindAudio
	case "text", "subtitle", "subtitles", "closed-captions":
		return KindSubtitle
	default:
		return KindApplication
	}
}

// Representation is one bitrate/quality variant of a stream.
type Representation struct {
	ID         string `json:"id" yaml:"id"`
	Bandwidth  int    `json:"bandwidth" yaml:"bandwidth"`
	Codecs     string `json:"codecs,omitempty" yaml:"codecs,omitempty"`
	MimeType   string `json:"mimeType,omitempty" yaml:"mimeType,omitempty"`
	Language   string `json:"language,omitempty" yaml:"language,omitempty"`
	Width      int    `json:"width,omitempty" yaml:"width,omitempty"`
	Height     int    `json:"height,omitempty" yaml:"height,omitempty"`
	FrameRate  string `json:"frameRate,omitempty" yaml:"frameRate,omitempty"`
	Channels   int    `json:"channels,omitempty" yaml:"channels,omitempty"`
	SampleRate int    `json:"sampleRate,omitempty" yaml:"sampleRate,omitempty"`
	// PlaylistURI is the child playlist (HLS) or the manifest the representation's
	// fragment list is derived from (DASH).
	PlaylistURI string `json:"playlistUri" yaml:"playlistUri"`
}

// Caps describes the format of an output as seen by downstream consumers.
type Caps struct {
	Kind       StreamKind
	MimeType   string
	Codecs     string
	Width      int
	Height     int
	FrameRate  float64
	Channels   int
	SampleRate int
	Language   string
}

// ResolveCaps derives output caps from the stream kind and the representation metadata.
func ResolveCaps(kind StreamKind, rep Representation) Caps {
	caps := Caps{
		Kind:     kind,
		MimeType: rep.MimeType,
		Codecs:   rep.Codecs,
		Language: rep.Language,
	}
	switch kind {
	case KindVideo:
		caps.Width = rep.Width
		caps.Height = rep.Height
		caps.FrameRate = EvalFrameRate(rep.FrameRate)
		if caps.MimeType == "" {
			caps.MimeType = "video/mp4"
		}
	case KindAudio:
		caps.Channels = rep.Channels
		caps.SampleRate = rep.SampleRate
		if caps.MimeType == "" {
			caps.MimeType = "audio/mp4"
		}
	case KindSubtitle:
		if caps.MimeType == "" {
			caps.MimeType = "text/vtt"
		}
	default:
		if caps.MimeType == "" {
			caps.MimeType = "application/octet-stream"
		}
	}
	return caps
}

// EvalFrameRate evaluates frame rates written as "25" or "30000/1001".
// Unparseable values yield 0.
func EvalFrameRate(fr string) float64 {
	if fr == "" {
		return 0
	}
	v, err := gval.Evaluate(fr, nil)
	if err != nil {
		return 0
	}
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	default:
		return 0
	}
}

// FragmentData is one downloaded fragment of one stream.
type FragmentData struct {
	StreamID       string
	Kind           StreamKind
	Representation Representation
	Fragment       Fragment
	// Data holds the payload, with the header composed in front when HeaderIncluded is set.
	Data           []byte
	HeaderIncluded bool
	HeaderSize     int
	// Resync is set when the fragment follows a re-resolved live window.
	Resync bool
}

// FragmentGroup is the synchronized set of fragments, one per active stream,
// that moves through the queue as a single unit.
type FragmentGroup struct {
	Sequence int64
	Start    time.Duration
	Duration time.Duration
	Members  []FragmentData
}

// Bytes returns the total payload size of the group.
func (g FragmentGroup) Bytes() int {
	n := 0
	for _, m := range g.Members {
		n += len(m.Data)
	}
	return n
}

// RepresentationKey identifies the set of representations carried by the group.
func (g FragmentGroup) RepresentationKey() string {
	ids := make([]string, len(g.Members))
	for i, m := range g.Members {
		ids[i] = fmt.Sprintf("%s=%s", m.StreamID, m.Representation.ID)
	}
	return strings.Join(ids, ",")
}

// PrependHeader returns a new buffer holding header followed by base.
// Neither input is modified.
func PrependHeader(base, header []byte) []byte {
	out := make([]byte, 0, len(header)+len(base))
	out = append(out, header...)
	return append(out, base...)
}
