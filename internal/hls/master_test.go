package hls_test

import (
	"testing"

	"demuxd/internal/hls"
	"demuxd/internal/models"
	"demuxd/internal/playlist"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const masterURL = "http://origin.example.com/show/master.m3u8"

const masterPlaylist = `#EXTM3U
#EXT-X-VERSION:6
#EXT-X-MEDIA:TYPE=AUDIO,GROUP-ID="aud",LANGUAGE="en",NAME="English",DEFAULT=NO,URI="audio/en.m3u8"
#EXT-X-MEDIA:TYPE=AUDIO,GROUP-ID="aud",LANGUAGE="fr",NAME="French",DEFAULT=YES,URI="audio/fr.m3u8"
#EXT-X-STREAM-INF:BANDWIDTH=3000000,RESOLUTION=1280x720,CODECS="avc1.64001f,mp4a.40.2",AUDIO="aud",FRAME-RATE=29.970
hi/index.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=800000,RESOLUTION=640x360,CODECS="avc1.4d401e,mp4a.40.2",AUDIO="aud"
lo/index.m3u8
#EXT-X-I-FRAME-STREAM-INF:BANDWIDTH=100000,URI="iframe.m3u8"
`

func TestParseMaster(t *testing.T) {
	assert.True(t, hls.IsMaster([]byte(masterPlaylist)))

	master, err := hls.ParseMaster([]byte(masterPlaylist), masterURL)
	require.NoError(t, err)

	assert.Equal(t, models.KindVideo, master.VariantKind)
	require.Len(t, master.Variants, 2, "I-frame variants are skipped")

	lo, hi := master.Variants[0], master.Variants[1]
	assert.Equal(t, 800000, lo.Bandwidth)
	assert.Equal(t, "http://origin.example.com/show/lo/index.m3u8", lo.PlaylistURI)
	assert.Equal(t, 640, lo.Width)
	assert.Equal(t, 360, lo.Height)
	assert.Equal(t, 3000000, hi.Bandwidth)
	assert.Equal(t, "29.97", hi.FrameRate)
	assert.Equal(t, "avc1.64001f,mp4a.40.2", hi.Codecs)
	assert.NotEqual(t, lo.ID, hi.ID)

	require.Len(t, master.Audio, 2)
	assert.Equal(t, "fr", master.Audio[0].Language, "default rendition comes first")
	assert.Equal(t, "http://origin.example.com/show/audio/fr.m3u8", master.Audio[0].PlaylistURI)
	assert.Equal(t, "aud-en", master.Audio[1].ID)
}

func TestParseMasterAudioOnly(t *testing.T) {
	text := `#EXTM3U
#EXT-X-STREAM-INF:BANDWIDTH=64000,CODECS="mp4a.40.5"
radio/low.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=128000,CODECS="mp4a.40.2"
radio/high.m3u8
`
	master, err := hls.ParseMaster([]byte(text), masterURL)
	require.NoError(t, err)
	assert.Equal(t, models.KindAudio, master.VariantKind)
	assert.Len(t, master.Variants, 2)
	assert.Empty(t, master.Audio)
}

func TestParseMasterRejectsGarbage(t *testing.T) {
	_, err := hls.ParseMaster([]byte("<?xml version=\"1.0\"?><MPD/>"), masterURL)
	assert.ErrorIs(t, err, playlist.ErrMalformedHeader)
}

func TestBuildMasterPlaylist(t *testing.T) {
	video := models.Output{
		StreamID:       "video",
		Kind:           models.KindVideo,
		Representation: models.Representation{ID: "v720", Bandwidth: 3000000},
		Caps:           models.Caps{Kind: models.KindVideo, Codecs: "avc1.64001f", Width: 1280, Height: 720, FrameRate: 25},
	}
	audio := models.Output{
		StreamID:       "audio",
		Kind:           models.KindAudio,
		Representation: models.Representation{ID: "a128", Bandwidth: 128000},
		Caps:           models.Caps{Kind: models.KindAudio, Codecs: "mp4a.40.2", Language: "en"},
	}

	text, err := hls.BuildMasterPlaylist([]models.Output{video, audio})
	require.NoError(t, err)
	assert.Contains(t, text, "#EXTM3U")
	assert.Contains(t, text, "video/playlist.m3u8")
	assert.Contains(t, text, "RESOLUTION=1280x720")
	assert.Contains(t, text, "BANDWIDTH=3128000")
	assert.Contains(t, text, `TYPE=AUDIO,GROUP-ID="audio"`)
	assert.Contains(t, text, `URI="audio/playlist.m3u8"`)

	text, err = hls.BuildMasterPlaylist([]models.Output{audio})
	require.NoError(t, err)
	assert.Contains(t, text, "audio/playlist.m3u8")
	assert.NotContains(t, text, "TYPE=AUDIO")

	_, err = hls.BuildMasterPlaylist(nil)
	assert.Error(t, err)
}
