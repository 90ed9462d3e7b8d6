package input

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lockstepio/go-rollback/types"
)

func newTestQueue(tb testing.TB, delay int, opts ...Opt) *Queue {
	tb.Helper()
	return NewQueue(32, 4, delay, opts...)
}

func bits(b byte) []byte { return []byte{b, 0, 0, 0} }

func TestQueueLocalInputSequence(t *testing.T) {
	q := newTestQueue(t, 0)

	actual, err := q.AddLocalInput(0, bits(1))
	require.NoError(t, err)
	require.Equal(t, types.Frame(0), actual)

	_, err = q.AddLocalInput(2, bits(2))
	require.ErrorIs(t, err, ErrInputOutOfRange)

	actual, err = q.AddLocalInput(1, bits(2))
	require.NoError(t, err)
	require.Equal(t, types.Frame(1), actual)
	require.Equal(t, types.Frame(1), q.LastConfirmedFrame())
}

func TestQueueInputDelayShiftsFrames(t *testing.T) {
	q := newTestQueue(t, 2)

	actual, err := q.AddLocalInput(0, bits(7))
	require.NoError(t, err)
	require.Equal(t, types.Frame(2), actual)

	// The padding frames repeat the previous input, which is all zeroes
	// before the first real one.
	for f := types.Frame(0); f < 2; f++ {
		in, predicted, err := q.Input(f)
		require.NoError(t, err)
		require.False(t, predicted)
		require.Equal(t, bits(0), in.Bits)
	}
	in, predicted, err := q.Input(2)
	require.NoError(t, err)
	require.False(t, predicted)
	require.Equal(t, bits(7), in.Bits)
}

func TestQueueDelayDecreaseDropsInput(t *testing.T) {
	q := newTestQueue(t, 3)

	actual, err := q.AddLocalInput(0, bits(1))
	require.NoError(t, err)
	require.Equal(t, types.Frame(3), actual)

	// A smaller delay maps the next inputs onto already occupied frames;
	// one input is dropped per frame of decrease.
	q.SetFrameDelay(1)
	for f := types.Frame(1); f <= 2; f++ {
		actual, err = q.AddLocalInput(f, bits(2))
		require.NoError(t, err)
		require.True(t, actual.IsNull())
	}

	// The timeline has caught up with the new delay.
	actual, err = q.AddLocalInput(3, bits(3))
	require.NoError(t, err)
	require.Equal(t, types.Frame(4), actual)
}

func TestQueuePredictsByRepeatingLast(t *testing.T) {
	q := newTestQueue(t, 0)

	// Nothing known yet: predict zeroes.
	in, predicted, err := q.Input(0)
	require.NoError(t, err)
	require.True(t, predicted)
	require.Equal(t, bits(0), in.Bits)

	require.NoError(t, q.AddRemoteInput(0, bits(9)))
	require.NoError(t, q.AddRemoteInput(1, bits(5)))

	in, predicted, err = q.Input(1)
	require.NoError(t, err)
	require.False(t, predicted)
	require.Equal(t, bits(5), in.Bits)

	// Beyond the confirmed horizon: repeat the last confirmed input.
	in, predicted, err = q.Input(2)
	require.NoError(t, err)
	require.True(t, predicted)
	require.Equal(t, bits(5), in.Bits)
}

func TestQueueCustomPredictor(t *testing.T) {
	q := newTestQueue(t, 0, WithPredictor(func(last []byte, size int) []byte {
		out := make([]byte, size)
		out[0] = 0xee
		return out
	}))

	in, predicted, err := q.Input(0)
	require.NoError(t, err)
	require.True(t, predicted)
	require.Equal(t, []byte{0xee, 0, 0, 0}, in.Bits)
}

func TestQueueFirstIncorrectFrame(t *testing.T) {
	q := newTestQueue(t, 0)

	require.NoError(t, q.AddRemoteInput(0, bits(1)))

	// Frames 1 and 2 are predicted as a repeat of frame 0.
	for f := types.Frame(1); f <= 2; f++ {
		_, predicted, err := q.Input(f)
		require.NoError(t, err)
		require.True(t, predicted)
	}

	// Frame 1 confirms the prediction, frame 2 contradicts it.
	require.NoError(t, q.AddRemoteInput(1, bits(1)))
	require.True(t, q.FirstIncorrectFrame().IsNull())
	require.NoError(t, q.AddRemoteInput(2, bits(3)))
	require.Equal(t, types.Frame(2), q.FirstIncorrectFrame())

	// After the rollback replays through the correction, prediction state
	// clears and the confirmed value is served.
	q.ResetPrediction()
	require.True(t, q.FirstIncorrectFrame().IsNull())
	in, predicted, err := q.Input(2)
	require.NoError(t, err)
	require.False(t, predicted)
	require.Equal(t, bits(3), in.Bits)
}

func TestQueuePredictionModeEndsWhenCaughtUp(t *testing.T) {
	q := newTestQueue(t, 0)

	require.NoError(t, q.AddRemoteInput(0, bits(4)))
	_, predicted, err := q.Input(1)
	require.NoError(t, err)
	require.True(t, predicted)

	// The real input matches the prediction and covers the last requested
	// frame, so the queue leaves prediction mode without a rollback.
	require.NoError(t, q.AddRemoteInput(1, bits(4)))
	require.True(t, q.FirstIncorrectFrame().IsNull())

	in, predicted, err := q.Input(1)
	require.NoError(t, err)
	require.False(t, predicted)
	require.Equal(t, bits(4), in.Bits)
}

func TestQueueRemoteRedelivery(t *testing.T) {
	q := newTestQueue(t, 0)

	require.NoError(t, q.AddRemoteInput(0, bits(1)))
	require.NoError(t, q.AddRemoteInput(1, bits(2)))

	// Same frame, same value: redundant retransmission, ignored.
	require.NoError(t, q.AddRemoteInput(1, bits(2)))

	// Same frame, different value: a confirmed input changed.
	require.ErrorIs(t, q.AddRemoteInput(1, bits(9)), ErrInputConflict)

	// A gap cannot be filled out of order.
	require.ErrorIs(t, q.AddRemoteInput(4, bits(4)), ErrInputOutOfRange)
}

func TestQueueDiscardKeepsRequestedFrames(t *testing.T) {
	q := newTestQueue(t, 0)

	for f := types.Frame(0); f < 6; f++ {
		require.NoError(t, q.AddRemoteInput(f, bits(byte(f))))
	}
	_, _, err := q.Input(3)
	require.NoError(t, err)

	// Discarding past the last requested frame is clamped to it, so
	// frames 4 and 5 survive even though the caller asked for 5.
	q.DiscardConfirmedFrames(5)
	in, predicted, err := q.Input(4)
	require.NoError(t, err)
	require.False(t, predicted)
	require.Equal(t, bits(4), in.Bits)

	// Everything at or below the clamp is gone.
	_, _, err = q.Input(3)
	require.ErrorIs(t, err, ErrInputOutOfRange)
}
