// Package transport defines the unreliable datagram boundary the engine
// speaks through. Implementations may drop, duplicate and reorder at
// will; the protocol is built to survive all three.
package transport

import "github.com/lockstepio/go-rollback/types"

// Sender pushes one datagram towards a peer, best effort. A returned
// error means the datagram was certainly not sent; nil means nothing.
type Sender interface {
	Send(peer types.PeerID, data []byte) error
}

// Message is one inbound datagram together with its origin.
type Message struct {
	Peer types.PeerID
	Data []byte
}

// Handler consumes inbound datagrams. Session.HandleMessage satisfies it.
type Handler func(peer types.PeerID, data []byte)

// SenderFunc adapts a function to the Sender interface.
type SenderFunc func(peer types.PeerID, data []byte) error

// Send implements Sender.
func (f SenderFunc) Send(peer types.PeerID, data []byte) error {
	return f(peer, data)
}
