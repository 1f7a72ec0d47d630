package selector

import (
	"errors"
	"sort"
	"time"

	"demuxd/internal/models"
)

// ErrNoRepresentations is returned when a stream offers nothing to select from.
var ErrNoRepresentations = errors.New("no representations")

// RepresentationSet is a non-empty list of representations ordered by ascending bandwidth.
type RepresentationSet []models.Representation

// NewRepresentationSet sorts reps by bandwidth. Equal bandwidths keep their manifest order.
func NewRepresentationSet(reps []models.Representation) (RepresentationSet, error) {
	if len(reps) == 0 {
		return nil, ErrNoRepresentations
	}
	set := make(RepresentationSet, len(reps))
	copy(set, reps)
	sort.SliceStable(set, func(i, j int) bool {
		return set[i].Bandwidth < set[j].Bandwidth
	})
	return set, nil
}

// Select picks the representation for a target rate in bits per second.
// See the package function of the same name.
func (s RepresentationSet) Select(target float64, current int) int {
	return Select(s, target, current)
}

// Select returns the index of the representation with the greatest bandwidth not above
// target, or of the lowest bandwidth one when none fits. Among equal bandwidths the current
// selection wins, otherwise the first in list order. It returns -1 only for an empty list.
func Select(reps []models.Representation, target float64, current int) int {
	best := -1
	for i, r := range reps {
		if float64(r.Bandwidth) > target {
			continue
		}
		if best < 0 || r.Bandwidth > reps[best].Bandwidth || (r.Bandwidth == reps[best].Bandwidth && i == current) {
			best = i
		}
	}
	if best >= 0 {
		return best
	}

	for i, r := range reps {
		if best < 0 || r.Bandwidth < reps[best].Bandwidth || (r.Bandwidth == reps[best].Bandwidth && i == current) {
			best = i
		}
	}
	return best
}

// TargetBitrate scales the measured download rate by the usable fraction and by how full
// the buffer is relative to minBuffering, then caps it. A zero minBuffering counts as full.
func TargetBitrate(rate, fraction float64, buffered, minBuffering time.Duration, maxBitrate int) float64 {
	ratio := 1.0
	if minBuffering > 0 && buffered < minBuffering {
		ratio = float64(buffered) / float64(minBuffering)
		if ratio < 0 {
			ratio = 0
		}
	}
	target := rate * fraction * ratio
	if maxBitrate > 0 && target > float64(maxBitrate) {
		target = float64(maxBitrate)
	}
	return target
}
