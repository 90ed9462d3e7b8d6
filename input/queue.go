// Package input buffers per-player inputs by frame and predicts values
// for frames whose real input has not arrived yet.
package input

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/lockstepio/go-rollback/types"
)

var (
	// ErrInputOutOfRange is returned for frames outside the retained
	// horizon or out of sequence. Recoverable: the caller retries with
	// a valid frame.
	ErrInputOutOfRange = errors.New("input: frame out of range")

	// ErrInputConflict is returned when a confirmed input would be
	// overwritten with a different value for the same frame. This is a
	// desync, not a correction.
	ErrInputConflict = errors.New("input: conflicting confirmed input")
)

// Input is one player's payload for one frame.
type Input struct {
	Frame types.Frame
	Bits  []byte
}

// Equal compares payloads, ignoring the frame number.
func (i Input) Equal(other Input) bool {
	return bytes.Equal(i.Bits, other.Bits)
}

// Predictor guesses the payload for a frame whose real input is missing,
// given the last known payload (nil when nothing is known yet). The
// default repeats the last input unchanged.
type Predictor func(last []byte, size int) []byte

func repeatLast(last []byte, size int) []byte {
	bits := make([]byte, size)
	copy(bits, last)
	return bits
}

// Queue is a ring buffer of one player's inputs. Slots are reused, so in
// the steady state a tick allocates nothing beyond payload copies.
type Queue struct {
	capacity  int
	inputSize int

	head, tail int
	length     int
	firstFrame bool

	lastUserAddedFrame  types.Frame
	lastAddedFrame      types.Frame
	firstIncorrectFrame types.Frame
	lastFrameRequested  types.Frame

	frameDelay int

	inputs     []Input
	prediction Input
	predictor  Predictor
}

// Opt modifies queue construction.
type Opt func(*Queue)

// WithPredictor overrides the prediction heuristic.
func WithPredictor(p Predictor) Opt {
	return func(q *Queue) {
		q.predictor = p
	}
}

// NewQueue creates a queue holding up to capacity frames of inputSize-byte
// inputs, applying delay frames of input delay on local adds.
func NewQueue(capacity, inputSize, delay int, opts ...Opt) *Queue {
	q := &Queue{
		capacity:            capacity,
		inputSize:           inputSize,
		firstFrame:          true,
		lastUserAddedFrame:  types.NullFrame,
		lastAddedFrame:      types.NullFrame,
		firstIncorrectFrame: types.NullFrame,
		lastFrameRequested:  types.NullFrame,
		frameDelay:          delay,
		inputs:              make([]Input, capacity),
		prediction:          Input{Frame: types.NullFrame},
		predictor:           repeatLast,
	}
	for i := range q.inputs {
		q.inputs[i] = Input{Frame: types.NullFrame, Bits: make([]byte, inputSize)}
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *Queue) previous(offset int) int {
	if offset == 0 {
		return q.capacity - 1
	}
	return offset - 1
}

// Length is the number of buffered frames.
func (q *Queue) Length() int { return q.length }

// LastConfirmedFrame is the newest frame with a real input in the queue.
func (q *Queue) LastConfirmedFrame() types.Frame { return q.lastAddedFrame }

// FirstIncorrectFrame is the earliest frame whose prediction turned out
// wrong, or NullFrame while all predictions hold.
func (q *Queue) FirstIncorrectFrame() types.Frame { return q.firstIncorrectFrame }

// SetFrameDelay changes the input delay applied to subsequent local adds.
func (q *Queue) SetFrameDelay(delay int) { q.frameDelay = delay }

// DiscardConfirmedFrames drops frames up to and including frame, except
// ones a prediction may still be judged against.
func (q *Queue) DiscardConfirmedFrames(frame types.Frame) {
	if frame.IsNull() {
		return
	}
	if !q.lastFrameRequested.IsNull() {
		frame = types.MinFrame(frame, q.lastFrameRequested)
	}
	if frame >= q.lastAddedFrame {
		q.tail = q.head
		q.length = 0
		return
	}
	offset := int(frame - q.inputs[q.tail].Frame + 1)
	if offset <= 0 {
		return
	}
	q.tail = (q.tail + offset) % q.capacity
	q.length -= offset
}

// ResetPrediction clears prediction state after a rollback has replayed
// through the mispredicted frames.
func (q *Queue) ResetPrediction() {
	q.prediction.Frame = types.NullFrame
	q.firstIncorrectFrame = types.NullFrame
	q.lastFrameRequested = types.NullFrame
}

// Input returns the payload for frame. The second return is true when the
// value is a prediction rather than a confirmed input. Fails with
// ErrInputOutOfRange for frames already discarded.
func (q *Queue) Input(frame types.Frame) (Input, bool, error) {
	q.lastFrameRequested = frame

	if q.length > 0 && frame < q.inputs[q.tail].Frame {
		return Input{}, false, fmt.Errorf("%w: frame %s older than tail %s",
			ErrInputOutOfRange, frame, q.inputs[q.tail].Frame)
	}

	if q.prediction.Frame.IsNull() {
		if q.length > 0 {
			offset := int(frame - q.inputs[q.tail].Frame)
			if offset < q.length {
				slot := (offset + q.tail) % q.capacity
				in := q.inputs[slot]
				return Input{Frame: frame, Bits: clone(in.Bits)}, false, nil
			}
		}

		// The requested frame is not in the queue: predict that the
		// player repeats whatever they did last.
		if frame == 0 || q.lastAddedFrame.IsNull() {
			q.prediction.Bits = q.predictor(nil, q.inputSize)
		} else {
			last := q.inputs[q.previous(q.head)]
			q.prediction.Bits = q.predictor(last.Bits, q.inputSize)
			q.prediction.Frame = last.Frame
		}
		q.prediction.Frame++
	}

	return Input{Frame: frame, Bits: clone(q.prediction.Bits)}, true, nil
}

// AddLocalInput records the local player's input for frame, shifted by the
// configured input delay. Returns the effective frame the input landed on,
// or NullFrame when a delay decrease forced the input to be dropped.
// Frames must be supplied sequentially.
func (q *Queue) AddLocalInput(frame types.Frame, bits []byte) (types.Frame, error) {
	if !q.lastUserAddedFrame.IsNull() && frame != q.lastUserAddedFrame+1 {
		return types.NullFrame, fmt.Errorf("%w: local input for frame %s, expected %s",
			ErrInputOutOfRange, frame, q.lastUserAddedFrame+1)
	}
	q.lastUserAddedFrame = frame

	newFrame, err := q.advanceQueueHead(frame)
	if err != nil {
		return types.NullFrame, err
	}
	if !newFrame.IsNull() {
		q.addDelayedInput(newFrame, bits)
	}
	return newFrame, nil
}

// AddRemoteInput records an authoritative input received from the input's
// originating peer. Re-delivery of an already confirmed frame is a no-op
// if the value matches and ErrInputConflict if it does not.
func (q *Queue) AddRemoteInput(frame types.Frame, bits []byte) error {
	if !q.lastAddedFrame.IsNull() && frame <= q.lastAddedFrame {
		if q.length == 0 || frame < q.inputs[q.tail].Frame {
			// Duplicate for a frame already pruned. Nothing left to
			// compare against; the protocol has long confirmed it.
			return nil
		}
		slot := (int(frame-q.inputs[q.tail].Frame) + q.tail) % q.capacity
		if !bytes.Equal(q.inputs[slot].Bits, bits) {
			return fmt.Errorf("%w: frame %s", ErrInputConflict, frame)
		}
		return nil
	}
	if !q.lastAddedFrame.IsNull() && frame != q.lastAddedFrame+1 {
		return fmt.Errorf("%w: remote input for frame %s, expected %s",
			ErrInputOutOfRange, frame, q.lastAddedFrame+1)
	}
	q.addDelayedInput(frame, bits)
	return nil
}

func (q *Queue) addDelayedInput(frame types.Frame, bits []byte) {
	slot := &q.inputs[q.head]
	slot.Frame = frame
	copy(slot.Bits, bits)

	q.head = (q.head + 1) % q.capacity
	if q.length < q.capacity {
		q.length++
	} else {
		q.tail = (q.tail + 1) % q.capacity
	}
	q.firstFrame = false
	q.lastAddedFrame = frame

	if !q.prediction.Frame.IsNull() {
		// We have been predicting this frame. Compare the real input
		// against the prediction and remember the first divergence.
		if q.firstIncorrectFrame.IsNull() && !bytes.Equal(q.prediction.Bits, bits) {
			q.firstIncorrectFrame = frame
		}

		if q.prediction.Frame == q.lastFrameRequested && q.firstIncorrectFrame.IsNull() {
			// Predictions caught up with requests and all were right:
			// drop out of prediction mode entirely.
			q.prediction.Frame = types.NullFrame
		} else {
			q.prediction.Frame++
		}
	}
}

func (q *Queue) advanceQueueHead(frame types.Frame) (types.Frame, error) {
	expected := types.Frame(0)
	if !q.firstFrame {
		expected = q.inputs[q.previous(q.head)].Frame + 1
	}
	frame += types.Frame(q.frameDelay)

	if expected > frame {
		// Frame delay dropped since the last add; there is no room for
		// this input in the timeline. Toss it.
		return types.NullFrame, nil
	}
	for expected < frame {
		// Frame delay grew since the last add; pad the gap by
		// replicating the previous input.
		prev := q.inputs[q.previous(q.head)]
		q.addDelayedInput(expected, prev.Bits)
		expected++
	}
	return frame, nil
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
