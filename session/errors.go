package session

import (
	"errors"

	"github.com/lockstepio/go-rollback/input"
	"github.com/lockstepio/go-rollback/statestore"
)

var (
	// ErrInputOutOfRange is returned when an input is supplied for a
	// frame the engine cannot accept. Recoverable: retry with the
	// current frame.
	ErrInputOutOfRange = input.ErrInputOutOfRange

	// ErrStateNotFound means a rollback target was already evicted,
	// which the prediction window invariant rules out. Engine-fatal.
	ErrStateNotFound = statestore.ErrStateNotFound

	// ErrDesync means the simulations diverged despite identical
	// confirmed inputs: the host simulation is not deterministic.
	// Session-fatal; tear the session down or Reset it.
	ErrDesync = errors.New("session: simulation desync")

	// ErrNotSynchronized is returned while peers are still handshaking.
	ErrNotSynchronized = errors.New("session: not synchronized with all peers")

	// ErrUnknownPeer is returned for operations naming a peer that was
	// never added.
	ErrUnknownPeer = errors.New("session: unknown peer")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("session: closed")

	// ErrMissingLocalInput is returned by AdvanceFrame when the host
	// skipped AddLocalInput for the current frame.
	ErrMissingLocalInput = errors.New("session: no local input for current frame")
)
