package playlist_test

import (
	"testing"
	"time"

	"demuxd/internal/playlist"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimelineOnDemandCursor(t *testing.T) {
	tl := playlist.NewTimeline(window(0, 3, 4*time.Second, false))
	assert.Equal(t, int64(0), tl.Cursor())

	var last int64 = -1
	for {
		f, resync, err := tl.Next()
		if err != nil {
			assert.ErrorIs(t, err, playlist.ErrEndOfPlaylist)
			break
		}
		assert.False(t, resync)
		assert.Greater(t, f.Sequence, last, "cursor only moves forward")
		last = f.Sequence
		tl.AdvancePast(f.Sequence)
	}
	assert.Equal(t, int64(2), last)
	assert.Equal(t, 12*time.Second, tl.Position())
}

func TestTimelineLiveStartsBehindEdge(t *testing.T) {
	tl := playlist.NewTimeline(window(100, 6, 2*time.Second, true))
	assert.Equal(t, int64(103), tl.Cursor())

	for i := 0; i < 3; i++ {
		f, _, err := tl.Next()
		require.NoError(t, err)
		tl.AdvancePast(f.Sequence)
	}
	_, _, err := tl.Next()
	assert.ErrorIs(t, err, playlist.ErrNotYetAvailable)
}

func TestTimelineUpdateResolvesRolledOffCursor(t *testing.T) {
	tl := playlist.NewTimeline(window(10, 5, 2*time.Second, true))
	require.Equal(t, int64(12), tl.Cursor())

	// N+K+5 rotation: everything the cursor could point at is gone
	_, err := tl.Update([]byte("#EXTM3U"), windowParser(window(15, 5, 2*time.Second, true)))
	require.NoError(t, err)
	_, ok := tl.Model().Index(12)
	assert.False(t, ok)

	f, resync, err := tl.Next()
	require.NoError(t, err)
	assert.True(t, resync)
	assert.Equal(t, int64(15), f.Sequence)
	tl.AdvancePast(f.Sequence)

	_, resync, err = tl.Next()
	require.NoError(t, err)
	assert.False(t, resync)
}

func TestTimelineSeekFailureLeavesCursor(t *testing.T) {
	tl := playlist.NewTimeline(window(0, 3, 4*time.Second, false))
	require.NoError(t, tl.SetCursor(1))

	_, _, ok := tl.Locate(time.Minute)
	assert.False(t, ok)
	assert.Equal(t, int64(1), tl.Cursor())

	assert.Error(t, tl.SetCursor(7))
	assert.Equal(t, int64(1), tl.Cursor())

	seq, start, ok := tl.Locate(9 * time.Second)
	require.True(t, ok)
	assert.Equal(t, 8*time.Second, start)
	require.NoError(t, tl.SetCursor(seq))
	assert.Equal(t, int64(2), tl.Cursor())
}

func TestTimelineReplaceKeepsSequence(t *testing.T) {
	tl := playlist.NewTimeline(window(0, 4, 2*time.Second, false))
	require.NoError(t, tl.SetCursor(2))

	other := window(0, 4, 2*time.Second, false)
	other.Fragments[2].URI = "http://example.com/hd/2.ts"
	require.NoError(t, tl.Replace(other))

	f, _, err := tl.Next()
	require.NoError(t, err)
	assert.Equal(t, "http://example.com/hd/2.ts", f.URI)
}

func TestTimelineReplaceFallsBackToPosition(t *testing.T) {
	tl := playlist.NewTimeline(window(0, 4, 2*time.Second, false))
	require.NoError(t, tl.SetCursor(2))

	// different numbering, same media time
	require.NoError(t, tl.Replace(window(1000, 4, 2*time.Second, false)))
	assert.Equal(t, int64(1002), tl.Cursor())

	assert.Error(t, tl.Replace(window(5000, 1, 2*time.Second, false)))
	assert.Equal(t, int64(1002), tl.Cursor(), "a failed replace keeps the current playlist")
}

func TestTimelineAdvancePastIgnoresStaleSequence(t *testing.T) {
	tl := playlist.NewTimeline(window(0, 4, 2*time.Second, false))
	tl.AdvancePast(0)
	assert.Equal(t, int64(1), tl.Cursor())

	tl.AdvancePast(0)
	assert.Equal(t, int64(1), tl.Cursor(), "a stale sequence leaves the cursor alone")
}
