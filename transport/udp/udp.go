// Package udp is the reference datagram transport: one UDP socket, peer
// identity is the string form of the remote address.
package udp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lockstepio/go-rollback/transport"
	"github.com/lockstepio/go-rollback/types"
)

// maxDatagram is the read buffer size. Engine packets are far smaller;
// anything larger is someone else's traffic and gets truncated and then
// dropped as malformed.
const maxDatagram = 4096

// Endpoint pumps a UDP socket into a session inbox.
type Endpoint struct {
	conn    *net.UDPConn
	handler transport.Handler
	logger  *zap.Logger

	eg     errgroup.Group
	cancel context.CancelFunc

	mu    sync.RWMutex
	addrs map[types.PeerID]*net.UDPAddr
}

var _ transport.Sender = (*Endpoint)(nil)

// Listen binds addr and starts the reader goroutine. Every datagram is
// handed to handler with the sender's address as peer identity;
// typically handler is Session.HandleMessage.
func Listen(addr string, handler transport.Handler, logger *zap.Logger) (*Endpoint, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Endpoint{
		conn:    conn,
		handler: handler,
		logger:  logger,
		cancel:  cancel,
		addrs:   make(map[types.PeerID]*net.UDPAddr),
	}
	e.eg.Go(func() error {
		return e.read(ctx)
	})
	return e, nil
}

// LocalAddr is the bound address, useful with ":0" listens.
func (e *Endpoint) LocalAddr() net.Addr {
	return e.conn.LocalAddr()
}

// Send implements transport.Sender.
func (e *Endpoint) Send(peer types.PeerID, data []byte) error {
	addr, err := e.resolve(peer)
	if err != nil {
		return err
	}
	if _, err := e.conn.WriteToUDP(data, addr); err != nil {
		return fmt.Errorf("send to %s: %w", peer, err)
	}
	return nil
}

// Close stops the reader and releases the socket.
func (e *Endpoint) Close() error {
	e.cancel()
	e.conn.Close()
	err := e.eg.Wait()
	if errors.Is(err, net.ErrClosed) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (e *Endpoint) read(ctx context.Context) error {
	buf := make([]byte, maxDatagram)
	for {
		n, addr, err := e.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read: %w", err)
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		e.handler(types.PeerID(addr.String()), data)
	}
}

func (e *Endpoint) resolve(peer types.PeerID) (*net.UDPAddr, error) {
	e.mu.RLock()
	addr, ok := e.addrs[peer]
	e.mu.RUnlock()
	if ok {
		return addr, nil
	}
	addr, err := net.ResolveUDPAddr("udp", string(peer))
	if err != nil {
		return nil, fmt.Errorf("resolve peer %s: %w", peer, err)
	}
	e.mu.Lock()
	e.addrs[peer] = addr
	e.mu.Unlock()
	return addr, nil
}
