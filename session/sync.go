package session

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/lockstepio/go-rollback/config"
	"github.com/lockstepio/go-rollback/input"
	"github.com/lockstepio/go-rollback/statestore"
	"github.com/lockstepio/go-rollback/types"
)

// queueCapacity bounds every input queue. It only needs to cover the
// prediction window plus input delay; the rest is slack for frames not
// yet discarded.
const queueCapacity = 128

// synchronizer is the rollback controller: it owns the input queues and
// the save-state store, advances the simulation, detects mispredictions
// and performs the load-and-replay correction pass.
type synchronizer struct {
	cfg    config.Config
	logger *zap.Logger
	cb     Callbacks

	store  *statestore.Store
	queues []*input.Queue
	local  types.PlayerHandle

	frameCount         types.Frame
	lastConfirmed      types.Frame
	inRollback         bool
	forcedResimFrom    types.Frame
	disconnected       []bool
	disconnectedFrom   []types.Frame
	zeroInput          []byte
}

func newSynchronizer(cfg config.Config, cb Callbacks, players int, local types.PlayerHandle, logger *zap.Logger) *synchronizer {
	s := &synchronizer{
		cfg:              cfg,
		logger:           logger,
		cb:               cb,
		store:            statestore.New(cfg.PredictionWindow),
		queues:           make([]*input.Queue, players),
		local:            local,
		lastConfirmed:    types.NullFrame,
		forcedResimFrom:  types.NullFrame,
		disconnected:     make([]bool, players),
		disconnectedFrom: make([]types.Frame, players),
		zeroInput:        make([]byte, cfg.InputSize),
	}
	for i := range s.queues {
		delay := 0
		if types.PlayerHandle(i) == local {
			delay = cfg.InputDelay
		}
		s.queues[i] = input.NewQueue(queueCapacity, cfg.InputSize, delay)
	}
	return s
}

// addLocalInput records the local player's input for the current frame,
// shifted by input delay. Returns the effective frame, NullFrame when
// the input was dropped by a delay change.
func (s *synchronizer) addLocalInput(frame types.Frame, bits []byte) (types.Frame, error) {
	if frame != s.frameCount {
		return types.NullFrame, fmt.Errorf("%w: local input for frame %s, current frame is %s",
			ErrInputOutOfRange, frame, s.frameCount)
	}
	return s.queues[s.local].AddLocalInput(frame, bits)
}

// addRemoteInput records a confirmed remote input. An input.ErrInputConflict
// from the queue means a confirmed value changed, which is a desync.
func (s *synchronizer) addRemoteInput(player types.PlayerHandle, frame types.Frame, bits []byte) error {
	return s.queues[player].AddRemoteInput(frame, bits)
}

// disconnectPlayer freezes a player at frame: later frames use zeroed
// inputs, and frames simulated with predictions past that point are
// scheduled for resimulation.
func (s *synchronizer) disconnectPlayer(player types.PlayerHandle, frame types.Frame) {
	if s.disconnected[player] {
		return
	}
	s.disconnected[player] = true
	s.disconnectedFrom[player] = frame
	if frame+1 < s.frameCount {
		s.forcedResimFrom = types.MinFrame(s.forcedResimFrom, frame+1)
	}
	s.logger.Info("player frozen",
		zap.Int("player", int(player)),
		zap.Stringer("frame", frame))
}

// synchronizeInputs gathers the inputs for frame across all players,
// mixing confirmed values, predictions and disconnect zeroes.
func (s *synchronizer) synchronizeInputs(frame types.Frame) ([][]byte, error) {
	inputs := make([][]byte, len(s.queues))
	for i, q := range s.queues {
		if s.disconnected[i] && frame > s.disconnectedFrom[i] {
			inputs[i] = s.zeroInput
			continue
		}
		in, _, err := q.Input(frame)
		if err != nil {
			return nil, fmt.Errorf("inputs for frame %s player %d: %w", frame, i, err)
		}
		inputs[i] = in.Bits
	}
	return inputs, nil
}

// advanceFrame executes one live tick: snapshot, simulate, move on.
func (s *synchronizer) advanceFrame(inputs [][]byte) error {
	if err := s.saveCurrentFrame(); err != nil {
		return err
	}
	if err := s.cb.AdvanceTick(s.frameCount, inputs); err != nil {
		return fmt.Errorf("advance tick %s: %w", s.frameCount, err)
	}
	s.frameCount++
	return nil
}

// firstIncorrectFrame is the earliest frame any queue mispredicted, or
// the earliest forced resimulation point, whichever is older.
func (s *synchronizer) firstIncorrectFrame() types.Frame {
	first := s.forcedResimFrom
	for _, q := range s.queues {
		first = types.MinFrame(first, q.FirstIncorrectFrame())
	}
	return first
}

// checkSimulation rolls back and resimulates when any prediction turned
// out wrong. All pending corrections are applied in one load-and-replay
// burst, ascending by frame.
func (s *synchronizer) checkSimulation() error {
	seek := s.firstIncorrectFrame()
	if seek.IsNull() {
		return nil
	}
	if err := s.adjustSimulation(seek); err != nil {
		return err
	}
	s.forcedResimFrom = types.NullFrame
	return nil
}

func (s *synchronizer) adjustSimulation(seek types.Frame) error {
	target := s.frameCount
	depth := int(target - seek)

	s.logger.Debug("rollback",
		zap.Stringer("seek", seek),
		zap.Stringer("target", target),
		zap.Int("depth", depth))

	s.inRollback = true
	defer func() { s.inRollback = false }()

	for _, q := range s.queues {
		q.ResetPrediction()
	}
	if err := s.loadFrame(seek); err != nil {
		return err
	}

	s.frameCount = seek
	for s.frameCount < target {
		inputs, err := s.synchronizeInputs(s.frameCount)
		if err != nil {
			return err
		}
		if err := s.advanceFrame(inputs); err != nil {
			return err
		}
	}
	rollbacksTotal.Inc()
	rollbackDepth.Observe(float64(depth))
	return nil
}

func (s *synchronizer) loadFrame(frame types.Frame) error {
	blob, err := s.store.Load(frame)
	if err != nil {
		return err
	}
	if err := s.cb.LoadState(frame, blob); err != nil {
		return fmt.Errorf("load state %s: %w", frame, err)
	}
	return nil
}

func (s *synchronizer) saveCurrentFrame() error {
	blob, err := s.cb.SaveState(s.frameCount)
	if err != nil {
		return fmt.Errorf("save state %s: %w", s.frameCount, err)
	}
	s.store.Save(s.frameCount, blob)
	return nil
}

// setLastConfirmedFrame advances the confirmation horizon and lets the
// queues drop what nobody can ask for anymore.
func (s *synchronizer) setLastConfirmedFrame(frame types.Frame) {
	if frame.IsNull() || frame <= s.lastConfirmed {
		return
	}
	s.lastConfirmed = frame
	if frame > 0 {
		for _, q := range s.queues {
			q.DiscardConfirmedFrames(frame - 1)
		}
	}
}

// predictionWindowFull reports whether advancing one more frame would
// exceed the prediction window.
func (s *synchronizer) predictionWindowFull() bool {
	// NullFrame is -1, which is exactly the "nothing confirmed yet"
	// baseline the arithmetic wants.
	return int(s.frameCount-s.lastConfirmed) >= s.cfg.PredictionWindow
}

// release drops all retained snapshots.
func (s *synchronizer) release() {
	s.store.Release()
}
