package protocol

import (
	"github.com/lockstepio/go-rollback/types"
)

// Event is something a peer wants the session to act on. Events are
// accumulated while the peer processes packets and drained by the
// session once per tick.
type Event interface {
	event()
}

// EventSynchronized fires once when the handshake completes and the peer
// enters StateRunning.
type EventSynchronized struct{}

// EventInput delivers one confirmed remote input. Inputs are delivered
// in frame order with no gaps.
type EventInput struct {
	Frame types.Frame
	Bits  []byte
}

// EventInterrupted fires when the peer has been silent longer than the
// notify threshold but has not yet timed out.
type EventInterrupted struct{}

// EventResumed fires when traffic returns after an interruption.
type EventResumed struct{}

// EventDisconnected fires when the peer leaves the session, either
// gracefully (it sent a Disconnect) or by liveness timeout.
type EventDisconnected struct {
	Graceful bool
}

// EventChecksum carries the remote's state checksum for a mutually
// confirmed frame. The session compares it against its own.
type EventChecksum struct {
	Frame    types.Frame
	Checksum uint64
}

func (EventSynchronized) event() {}
func (EventInput) event()        {}
func (EventInterrupted) event()  {}
func (EventResumed) event()      {}
func (EventDisconnected) event() {}
func (EventChecksum) event()     {}
