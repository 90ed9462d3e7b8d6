package session

import "github.com/lockstepio/go-rollback/types"

//go:generate mockgen -package=session -destination=./mocks.go -source=./callbacks.go

// Callbacks is the capability surface the host simulation hands to the
// engine. All three must be deterministic; AdvanceTick is invoked both
// for live ticks and rollback replays, and must suppress externally
// visible side effects during replays.
type Callbacks interface {
	// SaveState serializes the full simulation state at frame. The
	// engine owns the returned blob.
	SaveState(frame types.Frame) ([]byte, error)

	// LoadState fully restores simulation state from a blob previously
	// returned by SaveState. A partial restore is undetectable except
	// by a later checksum mismatch.
	LoadState(frame types.Frame, state []byte) error

	// AdvanceTick advances the simulation exactly one frame with the
	// given inputs, one slice per player handle.
	AdvanceTick(frame types.Frame, inputs [][]byte) error
}
