package hls

import (
	"fmt"

	"demuxd/internal/models"

	"github.com/grafov/m3u8"
)

const audioGroupID = "audio"

// BuildMasterPlaylist renders the master playlist for the currently active outputs.
// Video outputs become variants; audio outputs become an audio rendition group when
// video is present and plain variants otherwise.
func BuildMasterPlaylist(outputs []models.Output) (string, error) {
	var video, audio []models.Output
	for _, o := range outputs {
		switch o.Kind {
		case models.KindVideo:
			video = append(video, o)
		case models.KindAudio:
			audio = append(audio, o)
		}
	}
	if len(video) == 0 && len(audio) == 0 {
		return "", fmt.Errorf("no audio or video outputs to publish")
	}

	master := m3u8.NewMasterPlaylist()
	if len(video) == 0 {
		for _, o := range audio {
			master.Append(mediaPlaylistPath(o.StreamID), nil, variantParams(o))
		}
		return master.String(), nil
	}

	var alternatives []*m3u8.Alternative
	for i, o := range audio {
		alternatives = append(alternatives, &m3u8.Alternative{
			GroupId:    audioGroupID,
			URI:        mediaPlaylistPath(o.StreamID),
			Type:       "AUDIO",
			Language:   o.Caps.Language,
			Name:       o.StreamID,
			Default:    i == 0,
			Autoselect: "YES",
		})
	}
	for _, o := range video {
		params := variantParams(o)
		if len(alternatives) > 0 {
			params.Audio = audioGroupID
			params.Alternatives = alternatives
			for _, a := range audio {
				params.Bandwidth += uint32(a.Representation.Bandwidth)
			}
		}
		master.Append(mediaPlaylistPath(o.StreamID), nil, params)
	}
	return master.String(), nil
}

func variantParams(o models.Output) m3u8.VariantParams {
	params := m3u8.VariantParams{
		Bandwidth: uint32(o.Representation.Bandwidth),
		Codecs:    o.Caps.Codecs,
	}
	if o.Caps.Width > 0 && o.Caps.Height > 0 {
		params.Resolution = fmt.Sprintf("%dx%d", o.Caps.Width, o.Caps.Height)
	}
	if o.Caps.FrameRate > 0 {
		params.FrameRate = o.Caps.FrameRate
	}
	return params
}

func mediaPlaylistPath(streamID string) string {
	return fmt.Sprintf("%s/playlist.m3u8", streamID)
}
