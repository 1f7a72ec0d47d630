package models

import "time"

// Output is one active downstream stream.
type Output struct {
	StreamID       string
	Kind           StreamKind
	Representation Representation
	Caps           Caps
}

// SegmentEvent announces a new time segment to downstream consumers. It is emitted before
// the first fragment, after every output reconfiguration and after every seek.
type SegmentEvent struct {
	// Start is the media time of the first fragment that follows.
	Start time.Duration
	// Shift is the distance between the requested seek position and Start.
	Shift time.Duration
	Seek  bool
}

// Position returns the media time playback is expected to resume at.
func (e SegmentEvent) Position() time.Duration {
	return e.Start + e.Shift
}
