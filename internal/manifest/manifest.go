package manifest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"demuxd/internal/dash"
	"demuxd/internal/hls"
	"demuxd/internal/models"
	"demuxd/internal/playlist"
	"demuxd/internal/selector"
)

// Format is the manifest dialect of a presentation.
type Format int

const (
	FormatHLS Format = iota
	FormatDASH
)

func (f Format) String() string {
	if f == FormatDASH {
		return "dash"
	}
	return "hls"
}

// ErrUnknownFormat is returned for documents that are neither M3U8 nor MPD.
var ErrUnknownFormat = errors.New("unknown manifest format")

// Source fetches manifest text and reports the final location after redirects.
type Source interface {
	FetchManifest(ctx context.Context, uri string) ([]byte, string, error)
}

// Stream is one elementary stream of a presentation with its selectable representations.
type Stream struct {
	ID              string                     `yaml:"id"`
	Kind            models.StreamKind          `yaml:"-"`
	Representations selector.RepresentationSet `yaml:"representations"`

	parser func(rep models.Representation) playlist.Parser
}

// Parser returns the playlist parser for one representation of the stream.
func (s Stream) Parser(rep models.Representation) playlist.Parser {
	return s.parser(rep)
}

// Presentation is the stream layout of a manifest.
type Presentation struct {
	URI    string `yaml:"uri"`
	Format Format `yaml:"-"`
	// UpdatePeriod is the refresh interval announced by the manifest; zero means the
	// playlist's target duration applies.
	UpdatePeriod time.Duration `yaml:"updatePeriod"`
	Streams      []Stream      `yaml:"streams"`

	// texts holds documents already fetched while loading, consumed by the first
	// LoadPlaylist of the matching URI.
	mutex sync.Mutex
	texts map[string][]byte
}

// Load fetches and parses the manifest at uri. Representations rejected by filter are
// removed and streams left without any are dropped.
func Load(ctx context.Context, src Source, uri string, filter *selector.Filter) (*Presentation, error) {
	text, finalURI, err := src.FetchManifest(ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch manifest %s: %w", uri, err)
	}
	if finalURI == "" {
		finalURI = uri
	}
	return Parse(text, finalURI, filter)
}

// Parse builds a presentation from manifest text located at uri.
func Parse(text []byte, uri string, filter *selector.Filter) (*Presentation, error) {
	var p *Presentation
	var err error
	switch {
	case dash.IsMPD(text):
		p, err = parseDASH(text, uri)
	case hls.IsPlaylist(text):
		p, err = parseHLS(text, uri)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownFormat, uri)
	}
	if err != nil {
		return nil, err
	}

	// one stream per kind: the first one the manifest lists that survives the filter
	var streams []Stream
	taken := make(map[models.StreamKind]bool)
	for _, s := range p.Streams {
		if taken[s.Kind] || s.Kind == models.KindApplication {
			continue
		}
		reps := filter.Apply(s.Kind, s.Representations)
		set, err := selector.NewRepresentationSet(reps)
		if err != nil {
			continue
		}
		taken[s.Kind] = true
		s.ID = s.Kind.String()
		s.Representations = set
		streams = append(streams, s)
	}
	if len(streams) == 0 {
		return nil, fmt.Errorf("%w: nothing playable in %s", selector.ErrNoRepresentations, uri)
	}
	p.Streams = streams
	return p, nil
}

// LoadPlaylist fetches and parses the playlist model of one representation.
func (p *Presentation) LoadPlaylist(ctx context.Context, src Source, s Stream, rep models.Representation) (*playlist.Model, error) {
	text, ok := p.take(rep.PlaylistURI)
	location := rep.PlaylistURI
	if !ok {
		var err error
		text, location, err = src.FetchManifest(ctx, rep.PlaylistURI)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch playlist of %s/%s: %w", s.ID, rep.ID, err)
		}
		if location == "" {
			location = rep.PlaylistURI
		}
	}
	model, err := s.Parser(rep).Parse(text, location)
	if err != nil {
		return nil, fmt.Errorf("failed to parse playlist of %s/%s: %w", s.ID, rep.ID, err)
	}
	return model, nil
}

func (p *Presentation) take(uri string) ([]byte, bool) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	text, ok := p.texts[uri]
	delete(p.texts, uri)
	return text, ok
}

func (p *Presentation) keep(uri string, text []byte) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if p.texts == nil {
		p.texts = make(map[string][]byte)
	}
	p.texts[uri] = text
}

func parseDASH(text []byte, uri string) (*Presentation, error) {
	mpd, err := dash.ParseMPD(text)
	if err != nil {
		return nil, err
	}
	sets, err := dash.Describe(mpd, uri)
	if err != nil {
		return nil, err
	}
	update, err := mpd.GetMinimumUpdatePeriod()
	if err != nil {
		return nil, fmt.Errorf("invalid minimumUpdatePeriod: %w", err)
	}

	p := &Presentation{URI: uri, Format: FormatDASH, UpdatePeriod: update}
	for _, as := range sets {
		setID := as.ID
		p.Streams = append(p.Streams, Stream{
			ID:              setID,
			Kind:            as.Kind,
			Representations: as.Representations,
			parser: func(rep models.Representation) playlist.Parser {
				return dash.RepresentationParser{AdaptationSetID: setID, RepresentationID: rep.ID}
			},
		})
	}
	p.keep(uri, text)
	return p, nil
}

func mediaParser(models.Representation) playlist.Parser {
	return hls.MediaParser{}
}

func parseHLS(text []byte, uri string) (*Presentation, error) {
	p := &Presentation{URI: uri, Format: FormatHLS}
	if !hls.IsMaster(text) {
		// a media playlist on its own is a single stream with a single representation
		p.Streams = []Stream{{
			Kind:            models.KindVideo,
			Representations: []models.Representation{{ID: "default", PlaylistURI: uri}},
			parser:          mediaParser,
		}}
		p.keep(uri, text)
		return p, nil
	}

	master, err := hls.ParseMaster(text, uri)
	if err != nil {
		return nil, err
	}
	p.Streams = append(p.Streams, Stream{
		Kind:            master.VariantKind,
		Representations: master.Variants,
		parser:          mediaParser,
	})
	if len(master.Audio) > 0 && master.VariantKind == models.KindVideo {
		// renditions differ by language, not bitrate; the default one is played
		p.Streams = append(p.Streams, Stream{
			Kind:            models.KindAudio,
			Representations: master.Audio[:1],
			parser:          mediaParser,
		})
	}
	return p, nil
}
