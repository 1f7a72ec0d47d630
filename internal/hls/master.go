package hls

import (
	"bytes"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"demuxd/internal/models"
	"demuxd/internal/playlist"

	"github.com/grafov/m3u8"
	"github.com/pkg/errors"
)

// Master is the stream layout announced by a master playlist.
type Master struct {
	// Variants are the main stream's representations, sorted by bandwidth.
	Variants []models.Representation
	// VariantKind is audio when no variant carries a video codec or resolution.
	VariantKind models.StreamKind
	// Audio holds the playable audio renditions referenced by the variants, default first.
	Audio []models.Representation
}

// ParseMaster parses a master playlist.
func ParseMaster(text []byte, baseURI string) (*Master, error) {
	if !IsPlaylist(text) {
		return nil, errors.Wrap(playlist.ErrMalformedHeader, "missing #EXTM3U")
	}
	base, err := url.Parse(baseURI)
	if err != nil {
		return nil, errors.Wrapf(err, "parse base uri %s", baseURI)
	}

	pl, listType, err := m3u8.DecodeFrom(bytes.NewReader(bytes.TrimPrefix(text, utf8BOM)), false)
	if err != nil {
		return nil, errors.Wrapf(err, "decode master playlist %s", baseURI)
	}
	master, ok := pl.(*m3u8.MasterPlaylist)
	if listType != m3u8.MASTER || !ok {
		return nil, errors.Wrap(playlist.ErrMalformedHeader, "not a master playlist")
	}

	out := &Master{VariantKind: models.KindAudio}
	seenAudio := make(map[string]bool)
	for i, v := range master.Variants {
		if v == nil || v.Iframe || v.URI == "" {
			continue
		}
		rep := models.Representation{
			ID:          variantID(i, v),
			Bandwidth:   int(v.Bandwidth),
			Codecs:      v.Codecs,
			FrameRate:   frameRate(v.FrameRate),
			PlaylistURI: resolve(base, v.URI),
		}
		rep.Width, rep.Height = parseResolution(v.Resolution)
		if rep.Height > 0 || hasVideoCodec(v.Codecs) || v.Codecs == "" {
			out.VariantKind = models.KindVideo
		}
		out.Variants = append(out.Variants, rep)

		for _, alt := range v.Alternatives {
			if alt == nil || !strings.EqualFold(alt.Type, "AUDIO") || alt.URI == "" {
				continue
			}
			uri := resolve(base, alt.URI)
			if seenAudio[uri] {
				continue
			}
			seenAudio[uri] = true
			r := models.Representation{
				ID:          alternativeID(alt),
				Language:    alt.Language,
				PlaylistURI: uri,
			}
			if alt.Default {
				out.Audio = append([]models.Representation{r}, out.Audio...)
			} else {
				out.Audio = append(out.Audio, r)
			}
		}
	}
	if len(out.Variants) == 0 {
		return nil, errors.Wrap(playlist.ErrMissingRequiredField, "master playlist without playable variants")
	}
	sort.SliceStable(out.Variants, func(i, j int) bool {
		return out.Variants[i].Bandwidth < out.Variants[j].Bandwidth
	})
	return out, nil
}

func variantID(i int, v *m3u8.Variant) string {
	if v.Name != "" {
		return v.Name
	}
	return fmt.Sprintf("v%d-%d", i, v.Bandwidth)
}

func alternativeID(alt *m3u8.Alternative) string {
	parts := []string{alt.GroupId}
	if alt.Language != "" {
		parts = append(parts, alt.Language)
	} else if alt.Name != "" {
		parts = append(parts, alt.Name)
	}
	return strings.Join(parts, "-")
}

func parseResolution(res string) (int, int) {
	w, h, ok := strings.Cut(strings.ToLower(res), "x")
	if !ok {
		return 0, 0
	}
	width, err1 := strconv.Atoi(w)
	height, err2 := strconv.Atoi(h)
	if err1 != nil || err2 != nil {
		return 0, 0
	}
	return width, height
}

func hasVideoCodec(codecs string) bool {
	for _, c := range strings.Split(codecs, ",") {
		c = strings.TrimSpace(c)
		for _, prefix := range []string{"avc", "hvc", "hev", "vp0", "vp9", "av01", "dvh"} {
			if strings.HasPrefix(c, prefix) {
				return true
			}
		}
	}
	return false
}

func frameRate(fr float64) string {
	if fr <= 0 {
		return ""
	}
	return strconv.FormatFloat(fr, 'f', -1, 64)
}
