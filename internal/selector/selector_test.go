package selector_test

import (
	"testing"
	"time"

	"demuxd/internal/models"
	"demuxd/internal/selector"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func reps(bandwidths ...int) []models.Representation {
	out := make([]models.Representation, len(bandwidths))
	for i, bw := range bandwidths {
		out[i] = models.Representation{ID: string(rune('a' + i)), Bandwidth: bw}
	}
	return out
}

func TestSelect(t *testing.T) {
	set := reps(500_000, 1_000_000, 2_500_000, 5_000_000)

	tests := []struct {
		name    string
		target  float64
		current int
		want    int
	}{
		{"exact fit", 2_500_000, 0, 2},
		{"between", 3_000_000, 0, 2},
		{"above all", 1e9, 0, 3},
		{"below all picks lowest", 100_000, 3, 0},
		{"zero target", 0, 2, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, selector.Select(set, tt.target, tt.current))
		})
	}
}

func TestSelectTiesPreferCurrent(t *testing.T) {
	set := reps(500_000, 1_000_000, 1_000_000, 2_000_000)

	assert.Equal(t, 1, selector.Select(set, 1_500_000, 0), "first in list order")
	assert.Equal(t, 2, selector.Select(set, 1_500_000, 2), "current wins a tie")

	low := reps(700_000, 700_000)
	assert.Equal(t, 0, selector.Select(low, 1, -1))
	assert.Equal(t, 1, selector.Select(low, 1, 1))
}

func TestSelectIsMonotonicInTarget(t *testing.T) {
	set := reps(300_000, 800_000, 1_200_000, 3_000_000, 6_000_000)
	prev := 0
	for target := 0.0; target <= 8e6; target += 50_000 {
		idx := selector.Select(set, target, -1)
		assert.GreaterOrEqual(t, set[idx].Bandwidth, set[prev].Bandwidth)
		prev = idx
	}
	assert.Equal(t, -1, selector.Select(nil, 1e6, 0))
}

func TestTargetBitrate(t *testing.T) {
	minBuf := 5 * time.Second

	assert.InDelta(t, 8e6, selector.TargetBitrate(10e6, 0.8, 10*time.Second, minBuf, 24_000_000), 1)
	assert.InDelta(t, 4e6, selector.TargetBitrate(10e6, 0.8, 2500*time.Millisecond, minBuf, 24_000_000), 1)
	assert.Zero(t, selector.TargetBitrate(10e6, 0.8, 0, minBuf, 24_000_000))
	assert.InDelta(t, 24e6, selector.TargetBitrate(100e6, 1, minBuf, minBuf, 24_000_000), 1, "capped")
	assert.InDelta(t, 8e6, selector.TargetBitrate(10e6, 0.8, 0, 0, 24_000_000), 1, "no minimum means a full buffer")
}

func TestNewRepresentationSet(t *testing.T) {
	_, err := selector.NewRepresentationSet(nil)
	assert.ErrorIs(t, err, selector.ErrNoRepresentations)

	set, err := selector.NewRepresentationSet(reps(3_000_000, 500_000, 1_000_000))
	require.NoError(t, err)
	assert.Equal(t, 500_000, set[0].Bandwidth)
	assert.Equal(t, 3_000_000, set[2].Bandwidth)

	assert.Equal(t, "a", set[2].ID)
	assert.Equal(t, 1, set.Select(1_200_000, 0))
}

func TestFilter(t *testing.T) {
	f, err := selector.Compile([]selector.StreamFilter{
		{ContentType: "video", BitRates: []string{">= 800000", "<= 3000000"}, Codecs: []string{"^avc1"}},
		{ContentType: "audio", Langs: []string{"^en"}},
	})
	require.NoError(t, err)

	video := []models.Representation{
		{ID: "low", Bandwidth: 400_000, Codecs: "avc1.4d401e"},
		{ID: "mid", Bandwidth: 1_500_000, Codecs: "avc1.4d401f"},
		{ID: "hevc", Bandwidth: 1_500_000, Codecs: "hvc1.1.6.L93"},
		{ID: "high", Bandwidth: 6_000_000, Codecs: "avc1.640028"},
	}
	got := f.Apply(models.KindVideo, video)
	require.Len(t, got, 1)
	assert.Equal(t, "mid", got[0].ID)

	audio := []models.Representation{
		{ID: "en", Language: "eng"},
		{ID: "fr", Language: "fra"},
		{ID: "und"},
	}
	got = f.Apply(models.KindAudio, audio)
	require.Len(t, got, 2)
	assert.Equal(t, "en", got[0].ID)
	assert.Equal(t, "und", got[1].ID)

	subs := []models.Representation{{ID: "s"}}
	assert.Equal(t, subs, f.Apply(models.KindSubtitle, subs), "kinds without a filter pass")

	var none *selector.Filter
	assert.Equal(t, video, none.Apply(models.KindVideo, video))
}

func TestCompileRejectsBadExpressions(t *testing.T) {
	_, err := selector.Compile([]selector.StreamFilter{{ContentType: "video", BitRates: []string{">= ("}}})
	assert.Error(t, err)

	_, err = selector.Compile([]selector.StreamFilter{{ContentType: "video", Codecs: []string{"avc1("}}})
	assert.Error(t, err)
}
