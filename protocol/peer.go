package protocol

import (
	"math/rand"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/lockstepio/go-rollback/codec"
	"github.com/lockstepio/go-rollback/config"
	"github.com/lockstepio/go-rollback/input"
	"github.com/lockstepio/go-rollback/types"
)

// State of the connection to one remote peer.
type State uint8

const (
	// StateInitial is the state before Start.
	StateInitial State = iota
	// StateSyncing means the handshake is in flight.
	StateSyncing
	// StateRunning means inputs are being exchanged.
	StateRunning
	// StateDisconnected is terminal.
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateInitial:
		return "initial"
	case StateSyncing:
		return "syncing"
	case StateRunning:
		return "running"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// transitions is the full set of legal state changes. Anything else is a
// programming error and is refused.
var transitions = map[State][]State{
	StateInitial:      {StateSyncing, StateDisconnected},
	StateSyncing:      {StateRunning, StateDisconnected},
	StateRunning:      {StateDisconnected},
	StateDisconnected: {},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Peer drives the protocol with one remote peer. It is not safe for
// concurrent use: the session calls into it from a single goroutine and
// collects outgoing packets and events after each call.
type Peer struct {
	id     types.PeerID
	cfg    config.Config
	clock  clockwork.Clock
	logger *zap.Logger
	rng    *rand.Rand

	state         State
	syncToken     uint32
	tokenAccepted bool
	remoteSynced  bool

	nextSendSeq uint16
	lastRecvSeq uint16
	haveRecvSeq bool

	// Local inputs sent but possibly not yet seen by the remote, plus a
	// configured tail of already acked ones for redundancy.
	pendingOutput []input.Input

	lastReceivedFrame types.Frame
	lastAckedFrame    types.Frame
	lastAckSentFrame  types.Frame

	roundTripTime        time.Duration
	localFrameAdvantage  int32
	remoteFrameAdvantage int32
	pacer                Pacer

	lastRecvTime    time.Time
	lastSendTime    time.Time
	lastSyncSent    time.Time
	lastQualitySent time.Time
	interrupted     bool

	outbox [][]byte
	events []Event
}

// Opt modifies peer construction.
type Opt func(*Peer)

// WithRand replaces the handshake token source, for deterministic tests.
func WithRand(rng *rand.Rand) Opt {
	return func(p *Peer) {
		p.rng = rng
	}
}

// NewPeer creates the protocol endpoint for one remote peer.
func NewPeer(id types.PeerID, cfg config.Config, clock clockwork.Clock, logger *zap.Logger, opts ...Opt) *Peer {
	p := &Peer{
		id:                id,
		cfg:               cfg,
		clock:             clock,
		logger:            logger.With(zap.String("peer", string(id))),
		rng:               rand.New(rand.NewSource(time.Now().UnixNano())),
		state:             StateInitial,
		lastReceivedFrame: types.NullFrame,
		lastAckedFrame:    types.NullFrame,
		lastAckSentFrame:  types.NullFrame,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ID returns the peer's transport identity.
func (p *Peer) ID() types.PeerID { return p.id }

// State returns the current protocol state.
func (p *Peer) State() State { return p.state }

// RoundTripTime is the smoothed RTT estimate.
func (p *Peer) RoundTripTime() time.Duration { return p.roundTripTime }

// LastReceivedFrame is the newest remote input frame delivered so far.
func (p *Peer) LastReceivedFrame() types.Frame { return p.lastReceivedFrame }

// LastAckedFrame is the newest local input frame the remote confirmed.
func (p *Peer) LastAckedFrame() types.Frame { return p.lastAckedFrame }

// RemoteFrameAdvantage is the advantage last reported by the remote.
func (p *Peer) RemoteFrameAdvantage() int32 { return p.remoteFrameAdvantage }

// SetLocalFrameAdvantage records how far the local simulation currently
// runs ahead of this peer, feeding quality reports and pacing.
func (p *Peer) SetLocalFrameAdvantage(frames int32) {
	p.localFrameAdvantage = frames
}

// RecommendWaitFrames forwards the pacer's current recommendation.
func (p *Peer) RecommendWaitFrames() int {
	return p.pacer.RecommendWaitFrames()
}

// Start begins the handshake.
func (p *Peer) Start() {
	if !p.transition(StateSyncing) {
		return
	}
	now := p.clock.Now()
	p.lastRecvTime = now
	p.syncToken = p.rng.Uint32()
	p.sendSyncRequest()
	p.logger.Debug("handshake started", zap.Uint32("token", p.syncToken))
}

// Disconnect sends a goodbye and moves to the terminal state.
func (p *Peer) Disconnect() {
	if p.state == StateDisconnected {
		return
	}
	p.send(&Disconnect{})
	p.transition(StateDisconnected)
}

// HandleMessage processes one datagram from the remote peer. Malformed
// and stale packets are dropped silently; the protocol heals through
// retransmission.
func (p *Peer) HandleMessage(data []byte) {
	if p.state == StateDisconnected {
		return
	}
	var pkt Packet
	if err := codec.Decode(data, &pkt); err != nil {
		p.logger.Debug("dropping malformed packet", zap.Error(err))
		return
	}
	if p.haveRecvSeq && int16(pkt.Seq-p.lastRecvSeq) <= 0 {
		p.logger.Debug("dropping stale packet",
			zap.Uint16("seq", pkt.Seq),
			zap.Uint16("last", p.lastRecvSeq))
		return
	}
	p.lastRecvSeq = pkt.Seq
	p.haveRecvSeq = true
	p.lastRecvTime = p.clock.Now()
	if p.interrupted {
		p.interrupted = false
		p.events = append(p.events, EventResumed{})
	}

	switch m := pkt.Body.(type) {
	case *SyncRequest:
		p.onSyncRequest(m)
	case *SyncReply:
		p.onSyncReply(m)
	case *InputMessage:
		p.onInput(m)
	case *InputAck:
		p.onInputAck(m.AckFrame)
	case *QualityReport:
		p.onQualityReport(m)
	case *QualityReply:
		p.onQualityReply(m)
	case *ChecksumReport:
		p.events = append(p.events, EventChecksum{Frame: m.Frame, Checksum: m.Checksum})
	case *KeepAlive:
		// Liveness already refreshed above.
	case *Disconnect:
		p.transition(StateDisconnected)
		p.events = append(p.events, EventDisconnected{Graceful: true})
	}
}

// Update runs the peer's periodic work: handshake retries, quality
// reports, keepalives and liveness tracking. Called once per host tick.
func (p *Peer) Update() {
	now := p.clock.Now()
	switch p.state {
	case StateSyncing:
		if now.Sub(p.lastSyncSent) >= p.cfg.SyncRetryInterval {
			p.sendSyncRequest()
		}
	case StateRunning:
		if p.cfg.QualityReportInterval > 0 && now.Sub(p.lastQualitySent) >= p.cfg.QualityReportInterval {
			p.lastQualitySent = now
			p.send(&QualityReport{
				Ping:           uint64(now.UnixMilli()),
				FrameAdvantage: p.localFrameAdvantage,
			})
		}
		if p.lastReceivedFrame > p.lastAckSentFrame {
			p.lastAckSentFrame = p.lastReceivedFrame
			p.send(&InputAck{AckFrame: p.lastReceivedFrame})
		}
		if p.cfg.KeepAliveInterval > 0 && now.Sub(p.lastSendTime) >= p.cfg.KeepAliveInterval {
			p.send(&KeepAlive{})
		}
	default:
		return
	}

	silence := now.Sub(p.lastRecvTime)
	if p.cfg.DisconnectNotifyStart > 0 && !p.interrupted && silence >= p.cfg.DisconnectNotifyStart {
		p.interrupted = true
		p.events = append(p.events, EventInterrupted{})
		p.logger.Info("connection interrupted", zap.Duration("silence", silence))
	}
	if p.cfg.DisconnectTimeout > 0 && silence >= p.cfg.DisconnectTimeout {
		p.transition(StateDisconnected)
		p.events = append(p.events, EventDisconnected{Graceful: false})
		p.logger.Info("peer timed out", zap.Duration("silence", silence))
	}
}

// SendInput queues the local input for frame and transmits the pending
// batch. Every transmission repeats all unacked inputs plus a configured
// redundancy tail, so one surviving packet closes any loss gap.
func (p *Peer) SendInput(frame types.Frame, bits []byte) {
	if p.state != StateRunning {
		return
	}
	p.pendingOutput = append(p.pendingOutput, input.Input{Frame: frame, Bits: bits})
	if len(p.pendingOutput) > maxBatchInputs {
		p.pendingOutput = p.pendingOutput[len(p.pendingOutput)-maxBatchInputs:]
	}
	p.sendPendingInputs()
}

// SendChecksum reports the local state checksum for a mutually confirmed
// frame.
func (p *Peer) SendChecksum(frame types.Frame, checksum uint64) {
	if p.state != StateRunning {
		return
	}
	p.send(&ChecksumReport{Frame: frame, Checksum: checksum})
}

// AdvancePacing feeds one frame's advantage samples into the pacer.
func (p *Peer) AdvancePacing(frame types.Frame) {
	p.pacer.Advance(int(frame), int(p.localFrameAdvantage), int(p.remoteFrameAdvantage))
}

// DrainOutbox returns and clears the packets queued for sending.
func (p *Peer) DrainOutbox() [][]byte {
	out := p.outbox
	p.outbox = nil
	return out
}

// DrainEvents returns and clears the pending events.
func (p *Peer) DrainEvents() []Event {
	ev := p.events
	p.events = nil
	return ev
}

func (p *Peer) onSyncRequest(m *SyncRequest) {
	// Always answer, even when already running: our previous reply may
	// have been lost.
	p.send(&SyncReply{Token: m.Token})
	p.remoteSynced = true
	p.maybeRunning()
}

func (p *Peer) onSyncReply(m *SyncReply) {
	if m.Token != p.syncToken {
		p.logger.Debug("ignoring sync reply with foreign token", zap.Uint32("token", m.Token))
		return
	}
	p.tokenAccepted = true
	p.maybeRunning()
}

func (p *Peer) maybeRunning() {
	if p.state == StateSyncing && p.tokenAccepted && p.remoteSynced {
		p.transition(StateRunning)
		p.events = append(p.events, EventSynchronized{})
		p.logger.Info("peer synchronized")
	}
}

func (p *Peer) onInput(m *InputMessage) {
	p.onInputAck(m.AckFrame)
	for i, bits := range m.Inputs {
		frame := m.StartFrame + types.Frame(i)
		switch {
		case !p.lastReceivedFrame.IsNull() && frame <= p.lastReceivedFrame:
			// Redundant retransmission, already delivered.
			continue
		case p.lastReceivedFrame.IsNull() && frame > 0,
			!p.lastReceivedFrame.IsNull() && frame > p.lastReceivedFrame+1:
			// A gap the batch does not cover. Wait for a packet that
			// starts earlier.
			p.logger.Debug("input gap, waiting for retransmission",
				zap.Stringer("frame", frame),
				zap.Stringer("last_received", p.lastReceivedFrame))
			return
		}
		p.lastReceivedFrame = frame
		p.events = append(p.events, EventInput{Frame: frame, Bits: bits})
	}
}

func (p *Peer) onInputAck(ack types.Frame) {
	if ack.IsNull() || ack <= p.lastAckedFrame {
		return
	}
	p.lastAckedFrame = ack
	// Drop acked inputs, keeping the redundancy tail.
	keepFrom := 0
	for keepFrom < len(p.pendingOutput) && p.pendingOutput[keepFrom].Frame <= ack {
		keepFrom++
	}
	if tail := len(p.pendingOutput) - p.cfg.InputRedundancy; keepFrom > tail {
		keepFrom = tail
	}
	if keepFrom > 0 {
		p.pendingOutput = p.pendingOutput[keepFrom:]
	}
}

func (p *Peer) onQualityReport(m *QualityReport) {
	p.remoteFrameAdvantage = m.FrameAdvantage
	p.send(&QualityReply{Pong: m.Ping})
}

func (p *Peer) onQualityReply(m *QualityReply) {
	delta := p.clock.Now().UnixMilli() - int64(m.Pong)
	if delta < 0 {
		return
	}
	sample := time.Duration(delta) * time.Millisecond
	if p.roundTripTime == 0 {
		p.roundTripTime = sample
	} else {
		// Exponential moving average, weight 1/8 on the new sample.
		p.roundTripTime += (sample - p.roundTripTime) / 8
	}
}

func (p *Peer) sendSyncRequest() {
	p.lastSyncSent = p.clock.Now()
	p.send(&SyncRequest{Token: p.syncToken})
}

func (p *Peer) sendPendingInputs() {
	if len(p.pendingOutput) == 0 {
		return
	}
	msg := &InputMessage{
		StartFrame: p.pendingOutput[0].Frame,
		AckFrame:   p.lastReceivedFrame,
		Inputs:     make([][]byte, len(p.pendingOutput)),
	}
	for i, in := range p.pendingOutput {
		msg.Inputs[i] = in.Bits
	}
	p.lastAckSentFrame = p.lastReceivedFrame
	p.send(msg)
}

func (p *Peer) send(body Body) {
	pkt := Packet{Seq: p.nextSendSeq, Body: body}
	p.nextSendSeq++
	data, err := codec.Encode(&pkt)
	if err != nil {
		p.logger.Error("failed to encode packet", zap.Error(err))
		return
	}
	p.outbox = append(p.outbox, data)
	p.lastSendTime = p.clock.Now()
}

func (p *Peer) transition(to State) bool {
	if !canTransition(p.state, to) {
		p.logger.Error("illegal state transition refused",
			zap.Stringer("from", p.state),
			zap.Stringer("to", to))
		return false
	}
	p.logger.Debug("state transition",
		zap.Stringer("from", p.state),
		zap.Stringer("to", to))
	p.state = to
	return true
}
