package session

import "github.com/lockstepio/go-rollback/types"

// Event is a host-facing notification. Drained with PollEvents, once
// per tick.
type Event interface {
	sessionEvent()
}

// EventSynchronizing fires when the session starts (or restarts after
// Reset) waiting for peer handshakes.
type EventSynchronizing struct{}

// EventPeerSynchronized fires when one peer's handshake completes.
type EventPeerSynchronized struct {
	Peer types.PeerID
}

// EventRunning fires once all peers are synchronized and simulation may
// advance.
type EventRunning struct{}

// EventPeerInterrupted warns that a peer has been silent for longer than
// the notify threshold.
type EventPeerInterrupted struct {
	Peer types.PeerID
}

// EventPeerResumed clears a prior EventPeerInterrupted.
type EventPeerResumed struct {
	Peer types.PeerID
}

// EventPeerDisconnected reports that a peer is gone, either by its own
// goodbye or by liveness timeout.
type EventPeerDisconnected struct {
	Peer    types.PeerID
	Timeout bool
}

// EventDesync reports a fatal state divergence detected by checksum
// comparison or a conflicting confirmed input.
type EventDesync struct {
	Frame          types.Frame
	LocalChecksum  uint64
	RemoteChecksum uint64
}

// EventTimeSync recommends idling for Frames frames so a lagging peer
// can catch up. The session already stalls one frame by itself; the
// host may additionally stretch its frame timer.
type EventTimeSync struct {
	Frames int
}

func (EventSynchronizing) sessionEvent()     {}
func (EventPeerSynchronized) sessionEvent()  {}
func (EventRunning) sessionEvent()           {}
func (EventPeerInterrupted) sessionEvent()   {}
func (EventPeerResumed) sessionEvent()       {}
func (EventPeerDisconnected) sessionEvent()  {}
func (EventDesync) sessionEvent()            {}
func (EventTimeSync) sessionEvent()          {}
