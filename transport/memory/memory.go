// Package memory provides an in-process loopback transport pair with
// configurable loss, duplication and reordering. It exists for tests
// and for sync-test runs, where deterministic, pull-based delivery
// matters more than realism.
package memory

import (
	"math/rand"
	"sync"

	"github.com/lockstepio/go-rollback/transport"
	"github.com/lockstepio/go-rollback/types"
)

// Opt modifies link behavior.
type Opt func(*link)

// WithLoss drops outbound datagrams with the given probability.
func WithLoss(rate float64) Opt {
	return func(l *link) {
		l.loss = rate
	}
}

// WithDuplication duplicates outbound datagrams with the given
// probability.
func WithDuplication(rate float64) Opt {
	return func(l *link) {
		l.dup = rate
	}
}

// WithReorder swaps a queued datagram with its predecessor with the
// given probability.
func WithReorder(rate float64) Opt {
	return func(l *link) {
		l.reorder = rate
	}
}

// WithSeed fixes the randomness, making a lossy link reproducible.
func WithSeed(seed int64) Opt {
	return func(l *link) {
		l.rng = rand.New(rand.NewSource(seed))
	}
}

type link struct {
	mu      sync.Mutex
	rng     *rand.Rand
	loss    float64
	dup     float64
	reorder float64
}

// Pair connects two endpoints. Datagrams sent on a come out of b's
// Deliver attributed to aID, and vice versa.
func Pair(aID, bID types.PeerID, opts ...Opt) (*Endpoint, *Endpoint) {
	l := &link{rng: rand.New(rand.NewSource(1))}
	for _, opt := range opts {
		opt(l)
	}
	a := &Endpoint{id: aID, peer: bID, link: l}
	b := &Endpoint{id: bID, peer: aID, link: l}
	a.remote = b
	b.remote = a
	return a, b
}

// Endpoint is one side of a loopback pair.
type Endpoint struct {
	id     types.PeerID
	peer   types.PeerID
	link   *link
	remote *Endpoint

	mu      sync.Mutex
	pending [][]byte
}

var _ transport.Sender = (*Endpoint)(nil)

// Send implements transport.Sender. Datagrams to anyone but the paired
// peer vanish, like on any unreliable network.
func (e *Endpoint) Send(peer types.PeerID, data []byte) error {
	if peer != e.peer {
		return nil
	}
	l := e.link
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.loss > 0 && l.rng.Float64() < l.loss {
		return nil
	}
	copies := 1
	if l.dup > 0 && l.rng.Float64() < l.dup {
		copies = 2
	}
	for i := 0; i < copies; i++ {
		buf := make([]byte, len(data))
		copy(buf, data)
		e.remote.enqueue(buf, l)
	}
	return nil
}

func (e *Endpoint) enqueue(data []byte, l *link) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending = append(e.pending, data)
	if n := len(e.pending); n > 1 && l.reorder > 0 && l.rng.Float64() < l.reorder {
		e.pending[n-1], e.pending[n-2] = e.pending[n-2], e.pending[n-1]
	}
}

// Deliver hands every queued inbound datagram to fn, attributed to the
// paired peer, and clears the queue.
func (e *Endpoint) Deliver(fn transport.Handler) {
	e.mu.Lock()
	pending := e.pending
	e.pending = nil
	e.mu.Unlock()
	for _, data := range pending {
		fn(e.peer, data)
	}
}

// Pending reports the number of queued inbound datagrams.
func (e *Endpoint) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}
