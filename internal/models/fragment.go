package models

import (
	"encoding/binary"
	"time"
)

// Fragment represents one addressable, time-bounded chunk of media.
// Fragments are created by the manifest parsers and are never modified afterwards.
type Fragment struct {
	// URI is the fully-qualified location of the fragment.
	URI string
	// Offset is the byte offset inside URI, or -1 when the whole resource is meant.
	Offset int64
	// Size is the number of bytes to read from Offset, or -1 for the whole resource.
	Size int64
	// Duration of the fragment in media time.
	Duration time.Duration
	// Sequence is unique within a playlist instance and increases by one per fragment.
	Sequence int64
	// Start is the cumulative start time derived from the durations of earlier fragments.
	Start time.Duration
	// Timestamp is the absolute media time announced by the manifest, -1 when the format has none.
	Timestamp time.Duration
	// Discontinuous marks a break in timestamps or encoding before this fragment.
	Discontinuous bool
	// ProgramDateTime is the wall-clock time of the first sample, when announced.
	ProgramDateTime time.Time
	// KeyURI points at the AES-128 key for this fragment, empty when not encrypted.
	KeyURI string
	// IV is the initialization vector for KeyURI.
	IV [16]byte
	// Init is the header/initialization segment that must precede this fragment, if any.
	Init *InitSegment
}

// InitSegment references the header bytes a decoder needs before any fragment of a representation.
type InitSegment struct {
	URI    string
	Offset int64
	Size   int64
}

// HasRange reports whether the fragment addresses a sub-range of its resource.
func (f Fragment) HasRange() bool {
	return f.Size >= 0
}

// End returns the start time of the following fragment.
func (f Fragment) End() time.Duration {
	return f.Start + f.Duration
}

// SequenceIV returns the default initialization vector for a sequence number:
// the big-endian encoding of the number in the trailing bytes of a zeroed block.
func SequenceIV(seq int64) [16]byte {
	var iv [16]byte
	binary.BigEndian.PutUint64(iv[8:], uint64(seq))
	return iv
}

// Same reports whether two init segment references address the same bytes.
func (s *InitSegment) Same(o *InitSegment) bool {
	if s == nil || o == nil {
		return s == o
	}
	return *s == *o
}
