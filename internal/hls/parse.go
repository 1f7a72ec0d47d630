package hls

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"math"
	"net/url"
	"strconv"
	"strings"
	"time"

	"demuxd/internal/models"
	"demuxd/internal/playlist"

	"github.com/grafov/m3u8"
	"github.com/pkg/errors"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// MediaParser parses HLS media playlists. It satisfies playlist.Parser.
type MediaParser struct{}

func (MediaParser) Parse(text []byte, baseURI string) (*playlist.Model, error) {
	return ParseMedia(text, baseURI)
}

// IsPlaylist reports whether text starts with the M3U8 magic.
func IsPlaylist(text []byte) bool {
	body := bytes.TrimLeft(bytes.TrimPrefix(text, utf8BOM), " \t\r\n")
	return bytes.HasPrefix(body, []byte("#EXTM3U"))
}

// IsMaster reports whether text is a master (variant) playlist.
func IsMaster(text []byte) bool {
	return bytes.Contains(text, []byte("#EXT-X-STREAM-INF:"))
}

// ParseMedia parses a media playlist into a playlist model. Relative URIs are resolved
// against baseURI.
func ParseMedia(text []byte, baseURI string) (*playlist.Model, error) {
	if !IsPlaylist(text) {
		return nil, errors.Wrap(playlist.ErrMalformedHeader, "missing #EXTM3U")
	}
	if IsMaster(text) {
		return nil, errors.Wrap(playlist.ErrMalformedHeader, "master playlist where a media playlist was expected")
	}
	ranges, err := checkFragments(text)
	if err != nil {
		return nil, err
	}

	base, err := url.Parse(baseURI)
	if err != nil {
		return nil, errors.Wrapf(err, "parse base uri %s", baseURI)
	}

	pl, listType, err := m3u8.DecodeFrom(bytes.NewReader(bytes.TrimPrefix(text, utf8BOM)), false)
	if err != nil {
		return nil, errors.Wrapf(err, "decode media playlist %s", baseURI)
	}
	media, ok := pl.(*m3u8.MediaPlaylist)
	if listType != m3u8.MEDIA || !ok {
		return nil, errors.Wrap(playlist.ErrMalformedHeader, "not a media playlist")
	}

	model := &playlist.Model{
		AnchorSequence: int64(media.SeqNo),
		Live:           !media.Closed && media.MediaType != m3u8.VOD,
		TargetDuration: seconds(media.TargetDuration),
		BaseURI:        baseURI,
	}

	// keys and maps apply to every following segment until replaced
	var key *m3u8.Key
	var initSeg *models.InitSegment
	var start time.Duration
	// a sub-range without an offset continues where the previous sub-range of the same
	// resource ended
	nextOffset := map[string]int64{}
	subRange := func(uri string, size, offset int64, explicit bool) int64 {
		if !explicit {
			offset = nextOffset[uri]
		}
		nextOffset[uri] = offset + size
		return offset
	}
	for i, seg := range media.Segments {
		if seg == nil {
			break
		}
		var hint byteRangeHint
		if i < len(ranges) {
			hint = ranges[i]
		}
		if seg.Key != nil {
			key = seg.Key
		}
		if seg.Map != nil {
			initSeg = nil
			if seg.Map.URI != "" {
				initSeg = &models.InitSegment{URI: resolve(base, seg.Map.URI), Offset: -1, Size: -1}
				if seg.Map.Limit > 0 {
					initSeg.Size = seg.Map.Limit
					initSeg.Offset = subRange(initSeg.URI, seg.Map.Limit, seg.Map.Offset, hint.mapOffset)
				}
			}
		}

		seq := model.AnchorSequence + int64(i)
		f := models.Fragment{
			URI:             resolve(base, seg.URI),
			Offset:          -1,
			Size:            -1,
			Duration:        seconds(seg.Duration),
			Sequence:        seq,
			Start:           start,
			Timestamp:       -1,
			Discontinuous:   seg.Discontinuity,
			ProgramDateTime: seg.ProgramDateTime,
		}
		if seg.Limit > 0 {
			f.Size = seg.Limit
			f.Offset = subRange(f.URI, seg.Limit, seg.Offset, hint.offset)
		}
		if key != nil && strings.EqualFold(key.Method, "AES-128") && key.URI != "" {
			f.KeyURI = resolve(base, key.URI)
			f.IV = models.SequenceIV(seq)
			if key.IV != "" {
				iv, err := parseIV(key.IV)
				if err != nil {
					return nil, errors.Wrapf(err, "segment %d", seq)
				}
				f.IV = iv
			}
		}
		if initSeg != nil {
			header := *initSeg
			f.Init = &header
		}

		model.Fragments = append(model.Fragments, f)
		start += f.Duration
	}

	if !model.Live && len(model.Fragments) == 0 {
		return nil, errors.Wrap(playlist.ErrMissingRequiredField, "on-demand playlist without fragments")
	}
	return model, nil
}

// byteRangeHint records whether the BYTERANGE attributes that apply to a fragment carry an
// explicit offset. The decoder reports a missing offset as zero.
type byteRangeHint struct {
	offset    bool
	mapOffset bool
}

// checkFragments verifies that every fragment URI is announced by an #EXTINF with a valid
// duration and that no #EXTINF is left without a URI. It returns one hint per fragment.
func checkFragments(text []byte) ([]byteRangeHint, error) {
	scanner := bufio.NewScanner(bytes.NewReader(text))
	var hints []byteRangeHint
	var current byteRangeHint
	pending := false
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
		case strings.HasPrefix(line, "#EXTINF:"):
			if pending {
				return nil, errors.Wrapf(playlist.ErrMissingRequiredField, "line %d: #EXTINF without fragment URI", lineNo)
			}
			value, _, _ := strings.Cut(line[len("#EXTINF:"):], ",")
			if _, err := strconv.ParseFloat(strings.TrimSpace(value), 64); err != nil {
				return nil, errors.Wrapf(playlist.ErrMissingRequiredField, "line %d: invalid duration %q", lineNo, value)
			}
			pending = true
		case strings.HasPrefix(line, "#EXT-X-BYTERANGE:"):
			current.offset = strings.Contains(line, "@")
		case strings.HasPrefix(line, "#EXT-X-MAP:"):
			current.mapOffset = false
			if _, attr, found := strings.Cut(line, "BYTERANGE=\""); found {
				value, _, _ := strings.Cut(attr, "\"")
				current.mapOffset = strings.Contains(value, "@")
			}
		case strings.HasPrefix(line, "#"):
		default:
			if !pending {
				return nil, errors.Wrapf(playlist.ErrMissingRequiredField, "line %d: fragment %q has no #EXTINF", lineNo, line)
			}
			pending = false
			hints = append(hints, current)
			current = byteRangeHint{}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "scan playlist")
	}
	if pending {
		return nil, errors.Wrap(playlist.ErrMissingRequiredField, "#EXTINF without fragment URI at end of playlist")
	}
	return hints, nil
}

// parseIV decodes an EXT-X-KEY IV attribute ("0x" followed by 32 hex digits).
func parseIV(s string) ([16]byte, error) {
	var iv [16]byte
	h := strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(h) != 32 {
		return iv, errors.Errorf("invalid IV %q", s)
	}
	b, err := hex.DecodeString(h)
	if err != nil {
		return iv, errors.Wrapf(err, "invalid IV %q", s)
	}
	copy(iv[:], b)
	return iv, nil
}

func resolve(base *url.URL, ref string) string {
	u, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return ref
	}
	return base.ResolveReference(u).String()
}

func seconds(s float64) time.Duration {
	return time.Duration(math.Round(s * float64(time.Second)))
}
