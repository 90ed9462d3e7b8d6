// Package statestore keeps serialized simulation snapshots for rollback.
package statestore

import (
	"errors"
	"fmt"

	"github.com/lockstepio/go-rollback/hash"
	"github.com/lockstepio/go-rollback/types"
)

// ErrStateNotFound is returned when a frame's snapshot has been evicted.
// If the prediction window is respected this cannot happen, so hitting it
// is an unrecoverable engine fault.
var ErrStateNotFound = errors.New("statestore: state not found")

type slot struct {
	frame    types.Frame
	blob     []byte
	checksum uint64
}

// Store is a ring of snapshots indexed by frame modulo capacity. It holds
// prediction window + 1 entries: every frame that may still be rolled
// back to, plus the one being left.
type Store struct {
	slots []slot
}

// New creates a store able to roll back up to predictionWindow frames.
func New(predictionWindow int) *Store {
	s := &Store{slots: make([]slot, predictionWindow+1)}
	for i := range s.slots {
		s.slots[i].frame = types.NullFrame
	}
	return s
}

// Save records blob as the snapshot of frame and returns its checksum.
// The store owns blob from here on.
func (s *Store) Save(frame types.Frame, blob []byte) uint64 {
	sl := &s.slots[int(frame)%len(s.slots)]
	sl.frame = frame
	sl.blob = blob
	sl.checksum = hash.Checksum(blob)
	return sl.checksum
}

// Load returns the snapshot of frame.
func (s *Store) Load(frame types.Frame) ([]byte, error) {
	sl := &s.slots[int(frame)%len(s.slots)]
	if sl.frame != frame {
		return nil, fmt.Errorf("%w: frame %s (slot holds %s)", ErrStateNotFound, frame, sl.frame)
	}
	return sl.blob, nil
}

// Checksum returns the stored checksum for frame, or false when the frame
// is no longer retained.
func (s *Store) Checksum(frame types.Frame) (uint64, bool) {
	if frame.IsNull() {
		return 0, false
	}
	sl := &s.slots[int(frame)%len(s.slots)]
	if sl.frame != frame {
		return 0, false
	}
	return sl.checksum, true
}

// Release drops all blobs, for session teardown.
func (s *Store) Release() {
	for i := range s.slots {
		s.slots[i] = slot{frame: types.NullFrame}
	}
}
