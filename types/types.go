// Package types defines the small shared types of the rollback engine:
// frame numbers, player handles and peer identities.
package types

import (
	"fmt"

	"github.com/spacemeshos/go-scale"
)

// Frame identifies one discrete simulation tick. Frames increase
// monotonically from zero; NullFrame marks an unset value.
type Frame int32

// NullFrame is the "no frame" sentinel.
const NullFrame Frame = -1

// IsNull reports whether the frame is unset.
func (f Frame) IsNull() bool { return f == NullFrame }

func (f Frame) String() string {
	if f.IsNull() {
		return "null"
	}
	return fmt.Sprintf("%d", int32(f))
}

// EncodeScale implements scale.Encodable.
func (f Frame) EncodeScale(enc *scale.Encoder) (int, error) {
	return scale.EncodeCompact32(enc, uint32(f))
}

// DecodeScale implements scale.Decodable.
func (f *Frame) DecodeScale(dec *scale.Decoder) (int, error) {
	v, total, err := scale.DecodeCompact32(dec)
	*f = Frame(v)
	return total, err
}

// PlayerHandle indexes one input slot of the simulation. Every peer,
// including the local one, owns exactly one slot.
type PlayerHandle int

// PeerID identifies a remote peer on the transport. For the UDP transport
// this is the string form of the remote address.
type PeerID string

// MinFrame returns the smaller of two frames, treating NullFrame as
// unknown rather than smallest.
func MinFrame(a, b Frame) Frame {
	switch {
	case a.IsNull():
		return b
	case b.IsNull():
		return a
	case a < b:
		return a
	default:
		return b
	}
}
