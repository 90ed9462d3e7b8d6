// Package session composes the rollback engine: it owns the per-peer
// protocol endpoints, the input queues and the save-state store, and
// exposes the tick API the host simulation drives.
//
// A session is single-threaded: AddLocalInput, AdvanceFrame and the
// other host-facing calls must come from one goroutine. The only
// concurrent entry point is HandleMessage, which merely enqueues into a
// bounded per-peer inbox drained at the start of the next tick.
package session

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/lockstepio/go-rollback/config"
	"github.com/lockstepio/go-rollback/input"
	"github.com/lockstepio/go-rollback/protocol"
	"github.com/lockstepio/go-rollback/transport"
	"github.com/lockstepio/go-rollback/types"
)

// Result of one AdvanceFrame call.
type Result uint8

const (
	// ResultAdvanced means the simulation moved one frame forward.
	ResultAdvanced Result = iota
	// ResultStalled means the engine chose not to advance this tick:
	// still synchronizing, prediction window full, pacing, or a
	// mandatory peer is gone.
	ResultStalled
	// ResultDesynced means the session is dead: peers diverged.
	ResultDesynced
)

func (r Result) String() string {
	switch r {
	case ResultAdvanced:
		return "advanced"
	case ResultStalled:
		return "stalled"
	case ResultDesynced:
		return "desynced"
	default:
		return "unknown"
	}
}

// PeerPolicy decides what the session does when a peer is lost.
type PeerPolicy uint8

const (
	// PolicyMandatory stalls the session until the host explicitly
	// disconnects the peer.
	PolicyMandatory PeerPolicy = iota
	// PolicyOptional drops the peer and keeps simulating, feeding
	// zeroed inputs for its player.
	PolicyOptional
)

type peerSlot struct {
	id      types.PeerID
	player  types.PlayerHandle
	policy  PeerPolicy
	proto   *protocol.Peer
	inbox   chan []byte
	lost    bool // connection gone: goodbye or timeout
	dropped bool // no longer honored by the simulation
}

type pendingInput struct {
	frame types.Frame
	bits  []byte
}

// Session is the top-level rollback object for one simulation.
type Session struct {
	cfg    config.Config
	logger *zap.Logger
	clock  clockwork.Clock
	rng    *rand.Rand
	sender transport.Sender
	cb     Callbacks

	players     int
	localPlayer types.PlayerHandle

	mu    sync.RWMutex // guards peers against concurrent HandleMessage
	peers map[types.PeerID]*peerSlot

	sync         *synchronizer
	pendingLocal *pendingInput

	desynced        bool
	closed          bool
	runningNotified bool

	lastChecksumFrame  types.Frame
	confirmedChecksums map[types.Frame]uint64
	remoteChecksums    map[types.Frame]uint64

	framesToRecommendation int
	skipFrames             int

	events []Event
}

// Opt modifies session construction.
type Opt func(*Session)

// WithLogger sets the logger; default is a nop logger.
func WithLogger(logger *zap.Logger) Opt {
	return func(s *Session) {
		s.logger = logger
	}
}

// WithClock replaces the wall clock driving timeouts and RTT, for tests.
func WithClock(clock clockwork.Clock) Opt {
	return func(s *Session) {
		s.clock = clock
	}
}

// WithRand replaces the handshake token source, for deterministic tests.
func WithRand(rng *rand.Rand) Opt {
	return func(s *Session) {
		s.rng = rng
	}
}

// New creates a session for a simulation with players input slots, of
// which localPlayer is driven by this host. Remote peers are attached
// with AddPeer before the first tick.
func New(cfg config.Config, cb Callbacks, sender transport.Sender, players int, localPlayer types.PlayerHandle, opts ...Opt) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("session config: %w", err)
	}
	if players < 1 || int(localPlayer) < 0 || int(localPlayer) >= players {
		return nil, fmt.Errorf("local player %d out of range for %d players", localPlayer, players)
	}
	s := &Session{
		cfg:                    cfg,
		logger:                 zap.NewNop(),
		clock:                  clockwork.NewRealClock(),
		sender:                 sender,
		cb:                     cb,
		players:                players,
		localPlayer:            localPlayer,
		peers:                  make(map[types.PeerID]*peerSlot),
		lastChecksumFrame:      types.NullFrame,
		confirmedChecksums:     make(map[types.Frame]uint64),
		remoteChecksums:        make(map[types.Frame]uint64),
		framesToRecommendation: cfg.RecommendationInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.sync = newSynchronizer(cfg, cb, players, localPlayer, s.logger)
	s.pushEvent(EventSynchronizing{})
	return s, nil
}

// AddPeer attaches a remote peer owning the given player slot and starts
// the handshake with it.
func (s *Session) AddPeer(id types.PeerID, player types.PlayerHandle, policy PeerPolicy) error {
	if s.closed {
		return ErrClosed
	}
	if int(player) < 0 || int(player) >= s.players || player == s.localPlayer {
		return fmt.Errorf("%w: player slot %d not available", ErrInputOutOfRange, player)
	}
	var popts []protocol.Opt
	if s.rng != nil {
		popts = append(popts, protocol.WithRand(s.rng))
	}
	slot := &peerSlot{
		id:     id,
		player: player,
		policy: policy,
		proto:  protocol.NewPeer(id, s.cfg, s.clock, s.logger, popts...),
		inbox:  make(chan []byte, s.cfg.InboxCapacity),
	}
	s.mu.Lock()
	if _, ok := s.peers[id]; ok {
		s.mu.Unlock()
		return fmt.Errorf("peer %s already added", id)
	}
	s.peers[id] = slot
	s.mu.Unlock()
	slot.proto.Start()
	s.flushOutbound()
	return nil
}

// RemovePeer drops a peer entirely. Its player slot plays zeroed inputs
// from its last confirmed frame on.
func (s *Session) RemovePeer(id types.PeerID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	slot, ok := s.peers[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, id)
	}
	if !slot.dropped {
		s.sync.disconnectPlayer(slot.player, slot.proto.LastReceivedFrame())
	}
	delete(s.peers, id)
	return nil
}

// HandleMessage enqueues one inbound datagram. Safe to call from the
// transport's goroutine; the bytes are copied. A full inbox drops the
// datagram, which the protocol treats like any other loss.
func (s *Session) HandleMessage(peer types.PeerID, data []byte) {
	s.mu.RLock()
	slot, ok := s.peers[peer]
	s.mu.RUnlock()
	if !ok {
		return
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	select {
	case slot.inbox <- buf:
	default:
		inboxDropped.Inc()
	}
}

// AddLocalInput supplies the local player's input for frame, which must
// be the current frame. The input is consumed by the next AdvanceFrame
// that actually advances; re-adding the same frame after a stall is
// allowed and overwrites.
func (s *Session) AddLocalInput(frame types.Frame, bits []byte) error {
	if s.closed {
		return ErrClosed
	}
	if s.desynced {
		return ErrDesync
	}
	if len(bits) != s.cfg.InputSize {
		return fmt.Errorf("%w: input is %d bytes, configured size is %d",
			ErrInputOutOfRange, len(bits), s.cfg.InputSize)
	}
	if !s.allSynchronized() {
		return ErrNotSynchronized
	}
	if frame != s.sync.frameCount {
		return fmt.Errorf("%w: input for frame %s, current frame is %s",
			ErrInputOutOfRange, frame, s.sync.frameCount)
	}
	buf := make([]byte, len(bits))
	copy(buf, bits)
	s.pendingLocal = &pendingInput{frame: frame, bits: buf}
	return nil
}

// AdvanceFrame runs one tick: drain the network, apply corrections via
// rollback, and either advance the simulation one frame or report why
// not. Outbound packets queued during the tick are flushed before it
// returns.
func (s *Session) AdvanceFrame() (Result, error) {
	if s.closed {
		return ResultStalled, ErrClosed
	}
	if s.desynced {
		return ResultDesynced, nil
	}
	defer s.flushOutbound()

	s.drainInboxes()
	s.forEachSlot(func(slot *peerSlot) {
		if !slot.dropped {
			slot.proto.Update()
		}
	})
	s.processPeerEvents()
	if s.desynced {
		return ResultDesynced, ErrDesync
	}

	if !s.allSynchronized() {
		stallsTotal.WithLabelValues("synchronizing").Inc()
		return ResultStalled, nil
	}
	if s.mandatoryPeerLost() {
		stallsTotal.WithLabelValues("peer_lost").Inc()
		return ResultStalled, nil
	}

	if err := s.sync.checkSimulation(); err != nil {
		return ResultStalled, err
	}

	confirmed := s.minConfirmedFrame()
	s.sync.setLastConfirmedFrame(confirmed)
	s.exchangeChecksums()
	if s.desynced {
		return ResultDesynced, ErrDesync
	}

	if s.applyPacing() {
		stallsTotal.WithLabelValues("pacing").Inc()
		return ResultStalled, nil
	}
	if s.sync.predictionWindowFull() {
		stallsTotal.WithLabelValues("prediction_window").Inc()
		return ResultStalled, nil
	}

	if s.pendingLocal == nil || s.pendingLocal.frame != s.sync.frameCount {
		return ResultStalled, ErrMissingLocalInput
	}
	frame := s.sync.frameCount
	bits := s.pendingLocal.bits
	s.pendingLocal = nil

	actual, err := s.sync.addLocalInput(frame, bits)
	if err != nil {
		return ResultStalled, err
	}
	if !actual.IsNull() {
		s.forEachSlot(func(slot *peerSlot) {
			if !slot.dropped {
				slot.proto.SendInput(actual, bits)
			}
		})
	}

	inputs, err := s.sync.synchronizeInputs(frame)
	if err != nil {
		return ResultStalled, err
	}
	if err := s.sync.advanceFrame(inputs); err != nil {
		return ResultStalled, err
	}
	predictionDepth.Set(float64(s.sync.frameCount - s.sync.lastConfirmed))
	return ResultAdvanced, nil
}

// DisconnectPeer drops a peer by host decision: a goodbye is sent, the
// peer's player plays zeroed inputs from its last confirmed frame on,
// and the session keeps going regardless of policy.
func (s *Session) DisconnectPeer(id types.PeerID) error {
	if s.closed {
		return ErrClosed
	}
	s.mu.RLock()
	slot, ok := s.peers[id]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, id)
	}
	if slot.dropped {
		return nil
	}
	slot.proto.Disconnect()
	slot.lost = true
	s.dropSlot(slot)
	s.pushEvent(EventPeerDisconnected{Peer: id, Timeout: false})
	s.flushOutbound()
	return nil
}

// Close tears the session down: goodbyes are flushed, snapshots
// released. Nothing runs after Close returns.
func (s *Session) Close() error {
	if s.closed {
		return ErrClosed
	}
	s.forEachSlot(func(slot *peerSlot) {
		if !slot.dropped {
			slot.proto.Disconnect()
		}
	})
	s.flushOutbound()
	s.sync.release()
	s.closed = true
	return nil
}

// Reset rebuilds the session from scratch after a desync: frame zero,
// fresh queues and snapshots, new handshakes with all attached peers.
func (s *Session) Reset() error {
	if s.closed {
		return ErrClosed
	}
	s.sync = newSynchronizer(s.cfg, s.cb, s.players, s.localPlayer, s.logger)
	s.desynced = false
	s.runningNotified = false
	s.pendingLocal = nil
	s.lastChecksumFrame = types.NullFrame
	s.confirmedChecksums = make(map[types.Frame]uint64)
	s.remoteChecksums = make(map[types.Frame]uint64)
	s.framesToRecommendation = s.cfg.RecommendationInterval
	s.skipFrames = 0

	s.mu.Lock()
	for id, slot := range s.peers {
		var popts []protocol.Opt
		if s.rng != nil {
			popts = append(popts, protocol.WithRand(s.rng))
		}
		fresh := &peerSlot{
			id:     id,
			player: slot.player,
			policy: slot.policy,
			proto:  protocol.NewPeer(id, s.cfg, s.clock, s.logger, popts...),
			inbox:  make(chan []byte, s.cfg.InboxCapacity),
		}
		s.peers[id] = fresh
		fresh.proto.Start()
	}
	s.mu.Unlock()

	s.events = nil
	s.pushEvent(EventSynchronizing{})
	s.flushOutbound()
	return nil
}

// PollEvents drains the pending host notifications.
func (s *Session) PollEvents() []Event {
	ev := s.events
	s.events = nil
	return ev
}

// CurrentFrame is the frame the next AdvanceFrame will simulate.
func (s *Session) CurrentFrame() types.Frame { return s.sync.frameCount }

// ConfirmedFrame is the newest frame confirmed by every honored peer.
func (s *Session) ConfirmedFrame() types.Frame { return s.sync.lastConfirmed }

// Stats is a point-in-time view of one peer connection.
type Stats struct {
	State                protocol.State
	RoundTripTime        int64 // milliseconds
	LastReceivedFrame    types.Frame
	LastAckedFrame       types.Frame
	LocalFrameAdvantage  int32
	RemoteFrameAdvantage int32
}

// NetworkStats reports the connection quality for one peer.
func (s *Session) NetworkStats(id types.PeerID) (Stats, error) {
	s.mu.RLock()
	slot, ok := s.peers[id]
	s.mu.RUnlock()
	if !ok {
		return Stats{}, fmt.Errorf("%w: %s", ErrUnknownPeer, id)
	}
	return Stats{
		State:                slot.proto.State(),
		RoundTripTime:        slot.proto.RoundTripTime().Milliseconds(),
		LastReceivedFrame:    slot.proto.LastReceivedFrame(),
		LastAckedFrame:       slot.proto.LastAckedFrame(),
		LocalFrameAdvantage:  int32(s.sync.frameCount - (slot.proto.LastReceivedFrame() + 1)),
		RemoteFrameAdvantage: slot.proto.RemoteFrameAdvantage(),
	}, nil
}

func (s *Session) drainInboxes() {
	s.forEachSlot(func(slot *peerSlot) {
		for {
			select {
			case data := <-slot.inbox:
				if !slot.dropped {
					slot.proto.HandleMessage(data)
				}
			default:
				return
			}
		}
	})
}

func (s *Session) processPeerEvents() {
	s.forEachSlot(func(slot *peerSlot) {
		for _, ev := range slot.proto.DrainEvents() {
			switch e := ev.(type) {
			case protocol.EventSynchronized:
				s.pushEvent(EventPeerSynchronized{Peer: slot.id})
				if s.allSynchronized() && !s.runningNotified {
					s.runningNotified = true
					s.pushEvent(EventRunning{})
				}
			case protocol.EventInput:
				if err := s.sync.addRemoteInput(slot.player, e.Frame, e.Bits); err != nil {
					if errors.Is(err, input.ErrInputConflict) {
						s.declareDesync(e.Frame, 0, 0)
					} else {
						// Out of sequence: drop, the protocol will
						// retransmit.
						s.logger.Debug("dropping remote input",
							zap.String("peer", string(slot.id)),
							zap.Error(err))
					}
				}
			case protocol.EventChecksum:
				s.onRemoteChecksum(e.Frame, e.Checksum)
			case protocol.EventInterrupted:
				s.pushEvent(EventPeerInterrupted{Peer: slot.id})
			case protocol.EventResumed:
				s.pushEvent(EventPeerResumed{Peer: slot.id})
			case protocol.EventDisconnected:
				s.onPeerLost(slot, !e.Graceful)
			}
		}
	})
}

func (s *Session) onPeerLost(slot *peerSlot, timeout bool) {
	if slot.lost {
		return
	}
	slot.lost = true
	s.pushEvent(EventPeerDisconnected{Peer: slot.id, Timeout: timeout})
	if slot.policy == PolicyOptional {
		s.dropSlot(slot)
	}
	// A mandatory peer keeps its slot and stalls the session until the
	// host decides with DisconnectPeer.
}

func (s *Session) dropSlot(slot *peerSlot) {
	if slot.dropped {
		return
	}
	slot.dropped = true
	s.sync.disconnectPlayer(slot.player, slot.proto.LastReceivedFrame())
}

func (s *Session) onRemoteChecksum(frame types.Frame, remote uint64) {
	if local, ok := s.confirmedChecksums[frame]; ok {
		if local != remote {
			s.declareDesync(frame, local, remote)
		}
		return
	}
	// We have not confirmed this frame yet; keep the report and compare
	// once we do.
	s.remoteChecksums[frame] = remote
}

func (s *Session) declareDesync(frame types.Frame, local, remote uint64) {
	if s.desynced {
		return
	}
	s.desynced = true
	desyncsTotal.Inc()
	s.pushEvent(EventDesync{Frame: frame, LocalChecksum: local, RemoteChecksum: remote})
	s.logger.Error("simulation desync",
		zap.Stringer("frame", frame),
		zap.Uint64("local_checksum", local),
		zap.Uint64("remote_checksum", remote))
}

// minConfirmedFrame is the newest frame every honored remote peer has
// delivered inputs for. With no honored remote peers everything already
// simulated is final.
func (s *Session) minConfirmedFrame() types.Frame {
	confirmed := types.NullFrame
	remotes := false
	s.forEachSlot(func(slot *peerSlot) {
		if slot.dropped {
			return
		}
		remotes = true
		confirmed = types.MinFrame(confirmed, slot.proto.LastReceivedFrame())
	})
	if !remotes {
		if s.sync.frameCount == 0 {
			return types.NullFrame
		}
		return s.sync.frameCount - 1
	}
	return confirmed
}

// exchangeChecksums records the state checksum at every checksum
// interval boundary at or below the confirmation horizon, publishes it
// to all peers and compares it against any stashed remote reports.
func (s *Session) exchangeChecksums() {
	interval := types.Frame(s.cfg.ChecksumInterval)
	if interval <= 0 || s.sync.lastConfirmed.IsNull() {
		return
	}
	boundary := s.sync.lastConfirmed - s.sync.lastConfirmed%interval
	next := types.Frame(0)
	if !s.lastChecksumFrame.IsNull() {
		next = s.lastChecksumFrame + interval
	}
	for f := next; f <= boundary; f += interval {
		sum, ok := s.sync.store.Checksum(f)
		if !ok {
			continue
		}
		s.confirmedChecksums[f] = sum
		s.lastChecksumFrame = f
		s.forEachSlot(func(slot *peerSlot) {
			if !slot.dropped {
				slot.proto.SendChecksum(f, sum)
			}
		})
		if remote, ok := s.remoteChecksums[f]; ok {
			delete(s.remoteChecksums, f)
			if remote != sum {
				s.declareDesync(f, sum, remote)
				return
			}
		}
	}
	// Bound the maps: anything far below the horizon can never be
	// compared again.
	floor := boundary - 4*interval
	for f := range s.confirmedChecksums {
		if f < floor {
			delete(s.confirmedChecksums, f)
		}
	}
	for f := range s.remoteChecksums {
		if f < floor {
			delete(s.remoteChecksums, f)
		}
	}
}

// applyPacing feeds frame-advantage samples to every peer and, at the
// configured cadence, asks whether the local side should idle. Returns
// true when this tick should stall for pacing.
func (s *Session) applyPacing() bool {
	s.forEachSlot(func(slot *peerSlot) {
		if slot.dropped || slot.proto.State() != protocol.StateRunning {
			return
		}
		slot.proto.SetLocalFrameAdvantage(int32(s.sync.frameCount - (slot.proto.LastReceivedFrame() + 1)))
		slot.proto.AdvancePacing(s.sync.frameCount)
	})

	if s.skipFrames > 0 {
		s.skipFrames--
		return true
	}
	s.framesToRecommendation--
	if s.framesToRecommendation > 0 {
		return false
	}
	s.framesToRecommendation = s.cfg.RecommendationInterval

	skip := 0
	s.forEachSlot(func(slot *peerSlot) {
		if slot.dropped || slot.proto.State() != protocol.StateRunning {
			return
		}
		if w := slot.proto.RecommendWaitFrames(); w > skip {
			skip = w
		}
	})
	if skip == 0 {
		return false
	}
	s.pushEvent(EventTimeSync{Frames: skip})
	s.skipFrames = skip - 1
	return true
}

func (s *Session) allSynchronized() bool {
	ok := true
	s.forEachSlot(func(slot *peerSlot) {
		if slot.dropped {
			return
		}
		switch slot.proto.State() {
		case protocol.StateInitial, protocol.StateSyncing:
			ok = false
		}
	})
	return ok
}

func (s *Session) mandatoryPeerLost() bool {
	lost := false
	s.forEachSlot(func(slot *peerSlot) {
		if !slot.dropped && slot.lost && slot.policy == PolicyMandatory {
			lost = true
		}
	})
	return lost
}

func (s *Session) flushOutbound() {
	s.forEachSlot(func(slot *peerSlot) {
		for _, data := range slot.proto.DrainOutbox() {
			if err := s.sender.Send(slot.id, data); err != nil {
				s.logger.Debug("send failed",
					zap.String("peer", string(slot.id)),
					zap.Error(err))
			}
		}
	})
}

// forEachSlot visits peers in a stable order so packet emission and
// event processing do not depend on map iteration.
func (s *Session) forEachSlot(fn func(*peerSlot)) {
	s.mu.RLock()
	slots := make([]*peerSlot, 0, len(s.peers))
	for _, slot := range s.peers {
		slots = append(slots, slot)
	}
	s.mu.RUnlock()
	sort.Slice(slots, func(i, j int) bool { return slots[i].id < slots[j].id })
	for _, slot := range slots {
		fn(slot)
	}
}

func (s *Session) pushEvent(ev Event) {
	s.events = append(s.events, ev)
}
