package manifest_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"demuxd/internal/manifest"
	"demuxd/internal/models"
	"demuxd/internal/selector"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	mutex     sync.Mutex
	docs      map[string]string
	redirects map[string]string
	fetched   map[string]int
}

func newFakeSource(docs map[string]string) *fakeSource {
	return &fakeSource{docs: docs, redirects: map[string]string{}, fetched: map[string]int{}}
}

func (f *fakeSource) FetchManifest(ctx context.Context, uri string) ([]byte, string, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.fetched[uri]++
	if to, ok := f.redirects[uri]; ok {
		uri = to
	}
	doc, ok := f.docs[uri]
	if !ok {
		return nil, "", fmt.Errorf("not found: %s", uri)
	}
	return []byte(doc), uri, nil
}

const master = `#EXTM3U
#EXT-X-MEDIA:TYPE=AUDIO,GROUP-ID="aud",LANGUAGE="en",NAME="English",DEFAULT=YES,URI="audio/en.m3u8"
#EXT-X-STREAM-INF:BANDWIDTH=2000000,RESOLUTION=1280x720,CODECS="avc1.64001f,mp4a.40.2",AUDIO="aud"
hi.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=600000,RESOLUTION=640x360,CODECS="avc1.4d401e,mp4a.40.2",AUDIO="aud"
lo.m3u8
`

const media = `#EXTM3U
#EXT-X-TARGETDURATION:2
#EXT-X-MEDIA-SEQUENCE:0
#EXTINF:2.0,
0.ts
#EXTINF:2.0,
1.ts
#EXT-X-ENDLIST
`

const mpd = `<?xml version="1.0"?>
<MPD type="dynamic" minimumUpdatePeriod="PT4S" availabilityStartTime="1970-01-01T00:00:00Z">
  <Period id="1">
    <AdaptationSet id="10" contentType="audio" lang="fr">
      <SegmentTemplate timescale="1" media="$RepresentationID$/$Time$.m4s"><SegmentTimeline><S t="100" d="2" r="2"/></SegmentTimeline></SegmentTemplate>
      <Representation id="fr" bandwidth="96000" codecs="mp4a.40.2"/>
    </AdaptationSet>
    <AdaptationSet id="11" contentType="audio" lang="en">
      <SegmentTemplate timescale="1" media="$RepresentationID$/$Time$.m4s"><SegmentTimeline><S t="100" d="2" r="2"/></SegmentTimeline></SegmentTemplate>
      <Representation id="en" bandwidth="96000" codecs="mp4a.40.2"/>
    </AdaptationSet>
    <AdaptationSet id="12" contentType="video">
      <SegmentTemplate timescale="1" media="$RepresentationID$/$Time$.m4s"><SegmentTimeline><S t="100" d="2" r="2"/></SegmentTimeline></SegmentTemplate>
      <Representation id="v1" bandwidth="1000000" codecs="avc1.4d401e"/>
      <Representation id="v2" bandwidth="3000000" codecs="avc1.640028"/>
    </AdaptationSet>
  </Period>
</MPD>`

func TestLoadHLSMaster(t *testing.T) {
	src := newFakeSource(map[string]string{
		"http://origin/show/master.m3u8":   master,
		"http://origin/show/lo.m3u8":       media,
		"http://origin/show/audio/en.m3u8": media,
	})
	p, err := manifest.Load(context.Background(), src, "http://origin/show/master.m3u8", nil)
	require.NoError(t, err)

	assert.Equal(t, manifest.FormatHLS, p.Format)
	require.Len(t, p.Streams, 2)
	video, audio := p.Streams[0], p.Streams[1]
	assert.Equal(t, "video", video.ID)
	assert.Equal(t, models.KindVideo, video.Kind)
	require.Len(t, video.Representations, 2)
	assert.Equal(t, 600000, video.Representations[0].Bandwidth)
	assert.Equal(t, "audio", audio.ID)
	assert.Equal(t, "en", audio.Representations[0].Language)

	model, err := p.LoadPlaylist(context.Background(), src, video, video.Representations[0])
	require.NoError(t, err)
	assert.Equal(t, 2, model.Len())
	assert.Equal(t, "http://origin/show/0.ts", model.Fragments[0].URI)
}

func TestLoadHLSMediaOnly(t *testing.T) {
	src := newFakeSource(map[string]string{"http://origin/old.m3u8": media})
	src.redirects["http://origin/start.m3u8"] = "http://origin/old.m3u8"

	p, err := manifest.Load(context.Background(), src, "http://origin/start.m3u8", nil)
	require.NoError(t, err)
	require.Len(t, p.Streams, 1)
	assert.Equal(t, "http://origin/old.m3u8", p.URI, "the final location is kept")

	s := p.Streams[0]
	model, err := p.LoadPlaylist(context.Background(), src, s, s.Representations[0])
	require.NoError(t, err)
	assert.Equal(t, 2, model.Len())
	assert.Equal(t, 1, src.fetched["http://origin/start.m3u8"], "the loaded text is reused")
}

func TestLoadDASHWithLanguageFilter(t *testing.T) {
	src := newFakeSource(map[string]string{"http://origin/live.mpd": mpd})
	filter, err := selector.Compile([]selector.StreamFilter{{ContentType: "audio", Langs: []string{"^en"}}})
	require.NoError(t, err)

	p, err := manifest.Load(context.Background(), src, "http://origin/live.mpd", filter)
	require.NoError(t, err)
	assert.Equal(t, manifest.FormatDASH, p.Format)
	assert.Equal(t, 4*time.Second, p.UpdatePeriod)

	require.Len(t, p.Streams, 2)
	audio := p.Streams[0]
	assert.Equal(t, "audio", audio.ID)
	require.Len(t, audio.Representations, 1)
	assert.Equal(t, "en", audio.Representations[0].ID)

	model, err := p.LoadPlaylist(context.Background(), src, audio, audio.Representations[0])
	require.NoError(t, err)
	assert.True(t, model.Live)
	assert.Equal(t, "http://origin/en/100.m4s", model.Fragments[0].URI)

	video := p.Streams[1]
	model, err = p.LoadPlaylist(context.Background(), src, video, video.Representations[1])
	require.NoError(t, err)
	assert.Equal(t, "http://origin/v2/104.m4s", model.Fragments[2].URI)
}

func TestLoadErrors(t *testing.T) {
	src := newFakeSource(map[string]string{"http://origin/page.html": "<html></html>"})

	_, err := manifest.Load(context.Background(), src, "http://origin/page.html", nil)
	assert.ErrorIs(t, err, manifest.ErrUnknownFormat)

	_, err = manifest.Load(context.Background(), src, "http://origin/missing.m3u8", nil)
	assert.Error(t, err)

	filter, err := selector.Compile([]selector.StreamFilter{{ContentType: "video", BitRates: []string{"> 100000000"}}})
	require.NoError(t, err)
	_, err = manifest.Parse([]byte(media), "http://origin/a.m3u8", filter)
	assert.ErrorIs(t, err, selector.ErrNoRepresentations)
}
