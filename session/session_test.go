package session

import (
	"encoding/binary"
	"math/rand"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/lockstepio/go-rollback/config"
	"github.com/lockstepio/go-rollback/protocol"
	"github.com/lockstepio/go-rollback/transport/memory"
	"github.com/lockstepio/go-rollback/types"
)

// testSim is a minimal deterministic simulation: one accumulator per
// player, advanced by the little-endian input value. corrupt injects a
// divergence to provoke desync detection.
type testSim struct {
	frame   types.Frame
	state   []int64
	ticks   int // AdvanceTick calls, replays included
	corrupt int64
}

func newTestSim(players int) *testSim {
	return &testSim{state: make([]int64, players)}
}

func (s *testSim) SaveState(types.Frame) ([]byte, error) {
	blob := make([]byte, 4+8*len(s.state))
	binary.LittleEndian.PutUint32(blob, uint32(s.frame))
	for i, v := range s.state {
		binary.LittleEndian.PutUint64(blob[4+8*i:], uint64(v))
	}
	return blob, nil
}

func (s *testSim) LoadState(_ types.Frame, blob []byte) error {
	s.frame = types.Frame(binary.LittleEndian.Uint32(blob))
	for i := range s.state {
		s.state[i] = int64(binary.LittleEndian.Uint64(blob[4+8*i:]))
	}
	return nil
}

func (s *testSim) AdvanceTick(_ types.Frame, inputs [][]byte) error {
	for i, in := range inputs {
		s.state[i] += int64(int32(binary.LittleEndian.Uint32(in))) + s.corrupt
	}
	s.frame++
	s.ticks++
	return nil
}

func in(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

type pairHarness struct {
	clock      clockwork.FakeClock
	epA, epB   *memory.Endpoint
	simA, simB *testSim
	a, b       *Session
}

func newPair(t *testing.T, cfg config.Config, policy PeerPolicy) *pairHarness {
	t.Helper()
	h := &pairHarness{
		clock: clockwork.NewFakeClock(),
		simA:  newTestSim(2),
		simB:  newTestSim(2),
	}
	h.epA, h.epB = memory.Pair("a", "b")
	logger := zaptest.NewLogger(t)

	var err error
	h.a, err = New(cfg, h.simA, h.epA, 2, 0,
		WithLogger(logger.Named("a")),
		WithClock(h.clock),
		WithRand(rand.New(rand.NewSource(1))))
	require.NoError(t, err)
	h.b, err = New(cfg, h.simB, h.epB, 2, 1,
		WithLogger(logger.Named("b")),
		WithClock(h.clock),
		WithRand(rand.New(rand.NewSource(2))))
	require.NoError(t, err)

	require.NoError(t, h.a.AddPeer("b", 1, policy))
	require.NoError(t, h.b.AddPeer("a", 0, policy))
	return h
}

func (h *pairHarness) deliver() {
	h.epA.Deliver(h.a.HandleMessage)
	h.epB.Deliver(h.b.HandleMessage)
}

func (h *pairHarness) running() bool {
	sa, errA := h.a.NetworkStats("b")
	sb, errB := h.b.NetworkStats("a")
	return errA == nil && errB == nil &&
		sa.State == protocol.StateRunning && sb.State == protocol.StateRunning
}

func (h *pairHarness) synchronize(t *testing.T) {
	t.Helper()
	for i := 0; i < 10 && !h.running(); i++ {
		h.deliver()
		// The tick on which the handshake completes falls through to the
		// missing-input check; that is expected here.
		if _, err := h.a.AdvanceFrame(); err != nil {
			require.ErrorIs(t, err, ErrMissingLocalInput)
		}
		if _, err := h.b.AdvanceFrame(); err != nil {
			require.ErrorIs(t, err, ErrMissingLocalInput)
		}
	}
	require.True(t, h.running(), "handshake did not complete")
	h.deliver()
	h.a.PollEvents()
	h.b.PollEvents()
}

// tick runs one frame attempt on both sessions with the given inputs.
func (h *pairHarness) tick(t *testing.T, inA, inB []byte) (Result, Result) {
	t.Helper()
	h.deliver()
	require.NoError(t, h.a.AddLocalInput(h.a.CurrentFrame(), inA))
	ra, err := h.a.AdvanceFrame()
	require.NoError(t, err)
	require.NoError(t, h.b.AddLocalInput(h.b.CurrentFrame(), inB))
	rb, err := h.b.AdvanceFrame()
	require.NoError(t, err)
	return ra, rb
}

func TestSessionDeterminism(t *testing.T) {
	h := newPair(t, config.DefaultConfig(), PolicyMandatory)
	h.synchronize(t)

	// Constantly changing inputs defeat every prediction, forcing a
	// rollback on nearly every frame.
	for f := uint32(0); f < 50; f++ {
		h.tick(t, in(f), in(2*f))
	}
	// A constant tail lets the final predictions come true, so both
	// simulations settle on the same timeline.
	for i := 0; i < 6; i++ {
		h.tick(t, in(100), in(100))
	}

	require.Equal(t, h.a.CurrentFrame(), h.b.CurrentFrame())
	require.Equal(t, h.simA.frame, h.simB.frame)
	require.Equal(t, h.simA.state, h.simB.state)

	// The corrections happened through resimulation, invisibly to the
	// tick loop above.
	require.Greater(t, h.simA.ticks, int(h.simA.frame))
}

func TestSessionRollbackAfterDelayedDelivery(t *testing.T) {
	h := newPair(t, config.DefaultConfig(), PolicyMandatory)
	h.synchronize(t)

	h.tick(t, in(1), in(1))

	// Withhold everything sent to A for a few frames, so A simulates on
	// predictions of B's inputs while B plays something else.
	for f := uint32(0); f < 4; f++ {
		require.NoError(t, h.a.AddLocalInput(h.a.CurrentFrame(), in(1)))
		_, err := h.a.AdvanceFrame()
		require.NoError(t, err)

		h.epB.Deliver(h.b.HandleMessage)
		require.NoError(t, h.b.AddLocalInput(h.b.CurrentFrame(), in(5+f)))
		_, err = h.b.AdvanceFrame()
		require.NoError(t, err)
	}

	// Release the backlog and play a constant tail.
	for i := 0; i < 8; i++ {
		h.tick(t, in(1), in(1))
	}

	require.Equal(t, h.simA.state, h.simB.state)
	require.Greater(t, h.simA.ticks, int(h.simA.frame))
}

func TestSessionPredictionWindowStall(t *testing.T) {
	cfg := config.DefaultConfig()
	h := newPair(t, cfg, PolicyMandatory)
	h.synchronize(t)

	// With no remote inputs arriving at all, the simulation may run
	// ahead by at most the prediction window, then must stall.
	var last Result
	for i := 0; i < 20; i++ {
		require.NoError(t, h.a.AddLocalInput(h.a.CurrentFrame(), in(1)))
		var err error
		last, err = h.a.AdvanceFrame()
		require.NoError(t, err)
	}
	require.Equal(t, ResultStalled, last)
	require.Equal(t, types.Frame(cfg.PredictionWindow-1), h.a.CurrentFrame())
}

func TestSessionAddLocalInputValidation(t *testing.T) {
	h := newPair(t, config.DefaultConfig(), PolicyMandatory)

	// Before the handshake completes no input is accepted.
	require.ErrorIs(t, h.a.AddLocalInput(0, in(0)), ErrNotSynchronized)

	h.synchronize(t)

	require.ErrorIs(t, h.a.AddLocalInput(0, []byte{1}), ErrInputOutOfRange)
	require.ErrorIs(t, h.a.AddLocalInput(5, in(0)), ErrInputOutOfRange)
	require.NoError(t, h.a.AddLocalInput(0, in(0)))

	require.NoError(t, h.a.Close())
	require.ErrorIs(t, h.a.AddLocalInput(0, in(0)), ErrClosed)
	_, err := h.a.AdvanceFrame()
	require.ErrorIs(t, err, ErrClosed)
}

func TestSessionMissingLocalInput(t *testing.T) {
	h := newPair(t, config.DefaultConfig(), PolicyMandatory)
	h.synchronize(t)

	res, err := h.a.AdvanceFrame()
	require.ErrorIs(t, err, ErrMissingLocalInput)
	require.Equal(t, ResultStalled, res)
	require.Equal(t, types.Frame(0), h.a.CurrentFrame())
}

func TestSessionChecksumDesyncAndReset(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.ChecksumInterval = 4
	h := newPair(t, cfg, PolicyMandatory)
	h.synchronize(t)

	// B's simulation quietly drifts away from A's.
	h.simB.corrupt = 1

	var events []Event
	desynced := false
	for i := 0; i < 100 && !desynced; i++ {
		h.deliver()
		for _, s := range []*Session{h.a, h.b} {
			if err := s.AddLocalInput(s.CurrentFrame(), in(1)); err != nil {
				require.ErrorIs(t, err, ErrDesync)
			}
			res, err := s.AdvanceFrame()
			if err != nil {
				require.ErrorIs(t, err, ErrDesync)
			}
			if res == ResultDesynced {
				desynced = true
			}
			events = append(events, s.PollEvents()...)
		}
	}
	require.True(t, desynced, "checksum mismatch went undetected")

	found := false
	for _, ev := range events {
		if _, ok := ev.(EventDesync); ok {
			found = true
		}
	}
	require.True(t, found, "no EventDesync emitted")

	// A desynced session is inert until Reset.
	res, err := h.a.AdvanceFrame()
	if h.a.desynced {
		require.NoError(t, err)
		require.Equal(t, ResultDesynced, res)
	}

	// Reset rebuilds both sessions; stop the drift and they come back.
	h.simB.corrupt = 0
	require.NoError(t, h.a.Reset())
	require.NoError(t, h.b.Reset())
	require.ErrorIs(t, h.a.AddLocalInput(0, in(0)), ErrNotSynchronized)

	h.synchronize(t)
	ra, rb := h.tick(t, in(1), in(1))
	require.Equal(t, ResultAdvanced, ra)
	require.Equal(t, ResultAdvanced, rb)
}

func TestSessionOptionalPeerTimeout(t *testing.T) {
	cfg := config.DefaultConfig()
	h := newPair(t, cfg, PolicyOptional)
	h.synchronize(t)

	for i := 0; i < 3; i++ {
		h.tick(t, in(1), in(1))
	}

	// B falls silent. Drive only A and let the clock run past the
	// liveness thresholds.
	var events []Event
	for i := 0; i < 8; i++ {
		h.clock.Advance(time.Second)
		h.epA.Deliver(h.a.HandleMessage) // nothing pending, B is gone
		require.NoError(t, h.a.AddLocalInput(h.a.CurrentFrame(), in(1)))
		_, err := h.a.AdvanceFrame()
		require.NoError(t, err)
		events = append(events, h.a.PollEvents()...)
	}

	var interrupted, disconnected bool
	for _, ev := range events {
		switch e := ev.(type) {
		case EventPeerInterrupted:
			interrupted = true
		case EventPeerDisconnected:
			require.True(t, e.Timeout)
			require.Equal(t, types.PeerID("b"), e.Peer)
			disconnected = true
		}
	}
	require.True(t, interrupted)
	require.True(t, disconnected)

	// An optional peer is dropped and the session keeps advancing on
	// zeroed inputs for its player.
	before := h.a.CurrentFrame()
	for i := 0; i < 5; i++ {
		require.NoError(t, h.a.AddLocalInput(h.a.CurrentFrame(), in(1)))
		res, err := h.a.AdvanceFrame()
		require.NoError(t, err)
		require.Equal(t, ResultAdvanced, res)
	}
	require.Equal(t, before+5, h.a.CurrentFrame())
}

func TestSessionMandatoryPeerLostStalls(t *testing.T) {
	cfg := config.DefaultConfig()
	h := newPair(t, cfg, PolicyMandatory)
	h.synchronize(t)

	for i := 0; i < 3; i++ {
		h.tick(t, in(1), in(1))
	}

	// B times out; a mandatory peer freezes the session.
	for i := 0; i < 8; i++ {
		h.clock.Advance(time.Second)
		require.NoError(t, h.a.AddLocalInput(h.a.CurrentFrame(), in(1)))
		_, err := h.a.AdvanceFrame()
		require.NoError(t, err)
	}
	frozen := h.a.CurrentFrame()
	require.NoError(t, h.a.AddLocalInput(frozen, in(1)))
	res, err := h.a.AdvanceFrame()
	require.NoError(t, err)
	require.Equal(t, ResultStalled, res)
	require.Equal(t, frozen, h.a.CurrentFrame())

	// The host resolves the stall by dropping the peer explicitly.
	require.NoError(t, h.a.DisconnectPeer("b"))
	for i := 0; i < 3; i++ {
		require.NoError(t, h.a.AddLocalInput(h.a.CurrentFrame(), in(1)))
		res, err = h.a.AdvanceFrame()
		require.NoError(t, err)
		require.Equal(t, ResultAdvanced, res)
	}
	require.Equal(t, frozen+3, h.a.CurrentFrame())
}

func TestSessionGracefulGoodbye(t *testing.T) {
	h := newPair(t, config.DefaultConfig(), PolicyOptional)
	h.synchronize(t)
	h.tick(t, in(1), in(1))

	require.NoError(t, h.b.Close())
	h.deliver()
	require.NoError(t, h.a.AddLocalInput(h.a.CurrentFrame(), in(1)))
	_, err := h.a.AdvanceFrame()
	require.NoError(t, err)

	var disconnected bool
	for _, ev := range h.a.PollEvents() {
		if e, ok := ev.(EventPeerDisconnected); ok {
			require.False(t, e.Timeout)
			disconnected = true
		}
	}
	require.True(t, disconnected)
}

func TestSessionRemovePeer(t *testing.T) {
	h := newPair(t, config.DefaultConfig(), PolicyMandatory)
	h.synchronize(t)
	h.tick(t, in(1), in(1))

	require.ErrorIs(t, h.a.RemovePeer("nobody"), ErrUnknownPeer)
	require.NoError(t, h.a.RemovePeer("b"))

	// With no remote peers left every simulated frame is final.
	for i := 0; i < 5; i++ {
		require.NoError(t, h.a.AddLocalInput(h.a.CurrentFrame(), in(1)))
		res, err := h.a.AdvanceFrame()
		require.NoError(t, err)
		require.Equal(t, ResultAdvanced, res)
	}
}

func TestSessionStats(t *testing.T) {
	h := newPair(t, config.DefaultConfig(), PolicyMandatory)
	h.synchronize(t)
	for i := 0; i < 3; i++ {
		h.tick(t, in(1), in(1))
	}

	stats, err := h.a.NetworkStats("b")
	require.NoError(t, err)
	require.Equal(t, protocol.StateRunning, stats.State)
	require.GreaterOrEqual(t, stats.LastReceivedFrame, types.Frame(0))

	_, err = h.a.NetworkStats("nobody")
	require.ErrorIs(t, err, ErrUnknownPeer)
}
