package dash_test

import (
	"fmt"
	"testing"
	"time"

	"demuxd/internal/dash"
	"demuxd/internal/playlist"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const liveManifestURL = "http://cdn.example.com/live/manifest.mpd"

// liveTimelineMPD renders a dynamic MPD whose packager keeps startNumber at its default
// and only moves the SegmentTimeline forward.
func liveTimelineMPD(t0 uint64, repeat int) []byte {
	return []byte(fmt.Sprintf(`<?xml version="1.0"?>
<MPD xmlns="urn:mpeg:dash:schema:mpd:2011" type="dynamic" availabilityStartTime="1970-01-01T00:00:00Z" minimumUpdatePeriod="PT2S" timeShiftBufferDepth="PT10S">
  <Period id="live" start="PT0S">
    <AdaptationSet id="v" contentType="video" mimeType="video/mp4">
      <SegmentTemplate timescale="1000" initialization="$RepresentationID$/init.mp4" media="$RepresentationID$/$Time$.m4s">
        <SegmentTimeline>
          <S t="%d" d="2000" r="%d"/>
        </SegmentTimeline>
      </SegmentTemplate>
      <Representation id="hd" bandwidth="2000000" codecs="avc1.640028" width="1920" height="1080"/>
    </AdaptationSet>
  </Period>
</MPD>`, t0, repeat))
}

func TestRepresentationParserOnDemandTimeline(t *testing.T) {
	parser := dash.RepresentationParser{AdaptationSetID: "1", RepresentationID: "v720"}
	model, err := parser.Parse(loadVOD(t), vodManifestURL)
	require.NoError(t, err)

	assert.False(t, model.Live)
	assert.True(t, model.Timestamped)
	assert.Equal(t, int64(10), model.AnchorSequence)
	assert.Equal(t, 4*time.Second, model.TargetDuration)
	require.Equal(t, 3, model.Len())

	for i, f := range model.Fragments {
		assert.Equal(t, int64(10+i), f.Sequence)
		assert.Equal(t, time.Duration(i)*4*time.Second, f.Start)
		assert.Equal(t, 4*time.Second, f.Duration)
		assert.Equal(t, int64(-1), f.Size)
		require.NotNil(t, f.Init)
		assert.Equal(t, "http://cdn.example.com/vod/media/v720/init.mp4", f.Init.URI)
	}
	assert.Equal(t, "http://cdn.example.com/vod/media/v720/00010.m4s", model.Fragments[0].URI)
	assert.Equal(t, "http://cdn.example.com/vod/media/v720/00012.m4s", model.Fragments[2].URI)
	assert.Equal(t, 12*time.Second, model.Duration())
}

func TestRepresentationParserOnDemandDuration(t *testing.T) {
	parser := dash.RepresentationParser{AdaptationSetID: "2", RepresentationID: "a128"}
	model, err := parser.Parse(loadVOD(t), vodManifestURL)
	require.NoError(t, err)

	assert.False(t, model.Timestamped)
	require.Equal(t, 3, model.Len())
	assert.Equal(t, int64(1), model.AnchorSequence)
	assert.Equal(t, "http://cdn.example.com/vod/media/a/1.m4s", model.Fragments[0].URI)
	assert.Equal(t, "http://cdn.example.com/vod/media/a/3.m4s", model.Fragments[2].URI)
	assert.Equal(t, 8*time.Second, model.Fragments[2].Start)
}

func TestRepresentationParserUnknownRepresentation(t *testing.T) {
	parser := dash.RepresentationParser{AdaptationSetID: "1", RepresentationID: "v4k"}
	_, err := parser.Parse(loadVOD(t), vodManifestURL)
	assert.ErrorIs(t, err, playlist.ErrMissingRequiredField)
}

func TestRepeatUntilNextTimestamp(t *testing.T) {
	mpd := []byte(`<MPD type="static" mediaPresentationDuration="PT15S">
  <Period>
    <AdaptationSet contentType="audio">
      <SegmentTemplate timescale="10" media="$Time$.aac">
        <SegmentTimeline>
          <S t="0" d="20" r="-1"/>
          <S t="80" d="20"/>
          <S t="120" d="30"/>
        </SegmentTimeline>
      </SegmentTemplate>
      <Representation id="aud" bandwidth="64000"/>
    </AdaptationSet>
  </Period>
</MPD>`)
	parser := dash.RepresentationParser{AdaptationSetID: "as0", RepresentationID: "aud"}
	model, err := parser.Parse(mpd, "http://example.com/a.mpd")
	require.NoError(t, err)

	// r=-1 fills [0,80) with 2s segments; the explicit t=120 leaves a gap
	require.Equal(t, 6, model.Len())
	assert.Equal(t, "http://example.com/60.aac", model.Fragments[3].URI)
	assert.Equal(t, "http://example.com/80.aac", model.Fragments[4].URI)
	assert.False(t, model.Fragments[4].Discontinuous)
	assert.Equal(t, "http://example.com/120.aac", model.Fragments[5].URI)
	assert.True(t, model.Fragments[5].Discontinuous)
	assert.Equal(t, 3*time.Second, model.Fragments[5].Duration)
	assert.Equal(t, 3*time.Second, model.TargetDuration)
}

func TestLiveNumberTemplateFollowsWallClock(t *testing.T) {
	mpd := []byte(`<MPD type="dynamic" availabilityStartTime="2026-01-01T00:00:00Z" timeShiftBufferDepth="PT10S">
  <Period start="PT0S">
    <AdaptationSet id="v" contentType="video">
      <SegmentTemplate timescale="1000" duration="2000" media="seg-$Number$.m4s" startNumber="1"/>
      <Representation id="sd" bandwidth="1000000"/>
    </AdaptationSet>
  </Period>
</MPD>`)
	ast := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	parser := dash.RepresentationParser{
		AdaptationSetID:  "v",
		RepresentationID: "sd",
		Now:              func() time.Time { return ast.Add(60 * time.Second) },
	}
	model, err := parser.Parse(mpd, "http://example.com/live/stream.mpd")
	require.NoError(t, err)

	assert.True(t, model.Live)
	require.Equal(t, 5, model.Len(), "time-shift buffer of 10s holds five 2s segments")
	assert.Equal(t, int64(26), model.AnchorSequence)
	assert.Equal(t, "http://example.com/live/seg-30.m4s", model.Fragments[4].URI)
	assert.Equal(t, 2*time.Second, model.TargetDuration)
}

func TestLiveTimelineRebasedUpdate(t *testing.T) {
	parser := dash.RepresentationParser{AdaptationSetID: "v", RepresentationID: "hd"}
	model, err := parser.Parse(liveTimelineMPD(100000, 4), liveManifestURL)
	require.NoError(t, err)
	require.Equal(t, 5, model.Len())
	assert.Equal(t, "http://cdn.example.com/live/hd/100000.m4s", model.Fragments[0].URI)

	tl := playlist.NewTimeline(model)
	assert.Equal(t, int64(3), tl.Cursor(), "live playback starts three fragments behind the edge")

	// the window slides by two segments while numbering restarts at 1
	res, err := tl.Update(liveTimelineMPD(104000, 4), parser)
	require.NoError(t, err)
	assert.False(t, res.Reset)
	assert.Equal(t, 2, res.Added)
	assert.Equal(t, 2, res.Dropped)

	m := tl.Model()
	assert.Equal(t, int64(3), m.AnchorSequence)
	assert.Equal(t, int64(8), m.NextSequence())
	assert.Equal(t, int64(3), tl.Cursor())

	f, resync, err := tl.Next()
	require.NoError(t, err)
	assert.False(t, resync)
	assert.Equal(t, "http://cdn.example.com/live/hd/104000.m4s", f.URI)
	assert.Equal(t, 4*time.Second, f.Start)

	last := m.Fragments[m.Len()-1]
	assert.Equal(t, "http://cdn.example.com/live/hd/112000.m4s", last.URI)
	assert.Equal(t, 12*time.Second, last.Start)

	// a jump far beyond the window resets and re-resolves the cursor
	res, err = tl.Update(liveTimelineMPD(200000, 1), parser)
	require.NoError(t, err)
	assert.True(t, res.Reset)
	f, resync, err = tl.Next()
	require.NoError(t, err)
	assert.True(t, resync)
	assert.Equal(t, "http://cdn.example.com/live/hd/200000.m4s", f.URI)
	assert.Equal(t, 14*time.Second, f.Start)
}
