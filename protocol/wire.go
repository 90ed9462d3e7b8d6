// Package protocol implements the per-peer rollback protocol: handshake,
// redundant input exchange, quality-of-service reporting, checksum
// comparison and liveness tracking.
package protocol

import (
	"errors"
	"fmt"

	"github.com/spacemeshos/go-scale"

	"github.com/lockstepio/go-rollback/types"
)

// Message kind tags. A full byte each, never reused.
const (
	kindSyncRequest byte = iota + 1
	kindSyncReply
	kindInput
	kindInputAck
	kindQualityReport
	kindQualityReply
	kindChecksum
	kindKeepAlive
	kindDisconnect
)

const (
	// maxBatchInputs bounds the inputs carried by a single packet:
	// the redundancy window is configured well below this.
	maxBatchInputs = 64
	// maxInputSize bounds one player's input payload on the wire.
	maxInputSize = 256
)

// ErrMalformed marks packets that fail to decode or carry impossible
// values. They are dropped; the protocol self-heals via retransmission.
var ErrMalformed = errors.New("protocol: malformed packet")

// Body is the payload of one packet.
type Body interface {
	scale.Encodable
	scale.Decodable
	kind() byte
}

// Packet is the unit put on the wire: a sequence number and one body.
type Packet struct {
	Seq  uint16
	Body Body
}

// EncodeScale implements scale.Encodable.
func (p *Packet) EncodeScale(enc *scale.Encoder) (int, error) {
	var total int
	n, err := scale.EncodeCompact16(enc, p.Seq)
	if err != nil {
		return total, err
	}
	total += n
	n, err = scale.EncodeByte(enc, p.Body.kind())
	if err != nil {
		return total, err
	}
	total += n
	n, err = p.Body.EncodeScale(enc)
	if err != nil {
		return total, err
	}
	total += n
	return total, nil
}

// DecodeScale implements scale.Decodable.
func (p *Packet) DecodeScale(dec *scale.Decoder) (int, error) {
	var total int
	seq, n, err := scale.DecodeCompact16(dec)
	if err != nil {
		return total, err
	}
	p.Seq = seq
	total += n
	kind, n, err := scale.DecodeByte(dec)
	if err != nil {
		return total, err
	}
	total += n
	switch kind {
	case kindSyncRequest:
		p.Body = &SyncRequest{}
	case kindSyncReply:
		p.Body = &SyncReply{}
	case kindInput:
		p.Body = &InputMessage{}
	case kindInputAck:
		p.Body = &InputAck{}
	case kindQualityReport:
		p.Body = &QualityReport{}
	case kindQualityReply:
		p.Body = &QualityReply{}
	case kindChecksum:
		p.Body = &ChecksumReport{}
	case kindKeepAlive:
		p.Body = &KeepAlive{}
	case kindDisconnect:
		p.Body = &Disconnect{}
	default:
		return total, fmt.Errorf("%w: unknown kind %d", ErrMalformed, kind)
	}
	n, err = p.Body.DecodeScale(dec)
	if err != nil {
		return total, err
	}
	total += n
	return total, nil
}

// SyncRequest opens the handshake with a randomized token the remote
// must echo back. Retransmitted until answered; duplicates are harmless.
type SyncRequest struct {
	Token uint32
}

func (*SyncRequest) kind() byte { return kindSyncRequest }

// EncodeScale implements scale.Encodable.
func (m *SyncRequest) EncodeScale(enc *scale.Encoder) (int, error) {
	return scale.EncodeCompact32(enc, m.Token)
}

// DecodeScale implements scale.Decodable.
func (m *SyncRequest) DecodeScale(dec *scale.Decoder) (int, error) {
	v, total, err := scale.DecodeCompact32(dec)
	m.Token = v
	return total, err
}

// SyncReply echoes a handshake token.
type SyncReply struct {
	Token uint32
}

func (*SyncReply) kind() byte { return kindSyncReply }

// EncodeScale implements scale.Encodable.
func (m *SyncReply) EncodeScale(enc *scale.Encoder) (int, error) {
	return scale.EncodeCompact32(enc, m.Token)
}

// DecodeScale implements scale.Decodable.
func (m *SyncReply) DecodeScale(dec *scale.Decoder) (int, error) {
	v, total, err := scale.DecodeCompact32(dec)
	m.Token = v
	return total, err
}

// InputMessage carries the sender's inputs for frames StartFrame,
// StartFrame+1, ... . Every packet repeats the trailing redundancy
// window, so any single packet that arrives closes a loss gap.
// AckFrame piggybacks the newest frame received from the addressee.
type InputMessage struct {
	StartFrame types.Frame
	AckFrame   types.Frame
	Inputs     [][]byte
}

func (*InputMessage) kind() byte { return kindInput }

// EncodeScale implements scale.Encodable.
func (m *InputMessage) EncodeScale(enc *scale.Encoder) (int, error) {
	var total int
	n, err := m.StartFrame.EncodeScale(enc)
	if err != nil {
		return total, err
	}
	total += n
	n, err = m.AckFrame.EncodeScale(enc)
	if err != nil {
		return total, err
	}
	total += n
	n, err = scale.EncodeCompact16(enc, uint16(len(m.Inputs)))
	if err != nil {
		return total, err
	}
	total += n
	for _, in := range m.Inputs {
		n, err = scale.EncodeByteSliceWithLimit(enc, in, maxInputSize)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// DecodeScale implements scale.Decodable.
func (m *InputMessage) DecodeScale(dec *scale.Decoder) (int, error) {
	var total int
	n, err := m.StartFrame.DecodeScale(dec)
	if err != nil {
		return total, err
	}
	total += n
	n, err = m.AckFrame.DecodeScale(dec)
	if err != nil {
		return total, err
	}
	total += n
	count, n, err := scale.DecodeCompact16(dec)
	if err != nil {
		return total, err
	}
	total += n
	if count > maxBatchInputs {
		return total, fmt.Errorf("%w: %d inputs in one packet", ErrMalformed, count)
	}
	m.Inputs = make([][]byte, count)
	for i := range m.Inputs {
		in, n, err := scale.DecodeByteSliceWithLimit(dec, maxInputSize)
		if err != nil {
			return total, err
		}
		total += n
		m.Inputs[i] = in
	}
	return total, nil
}

// InputAck confirms the newest input frame received, sent when there is
// no outgoing input to piggyback the ack on.
type InputAck struct {
	AckFrame types.Frame
}

func (*InputAck) kind() byte { return kindInputAck }

// EncodeScale implements scale.Encodable.
func (m *InputAck) EncodeScale(enc *scale.Encoder) (int, error) {
	return m.AckFrame.EncodeScale(enc)
}

// DecodeScale implements scale.Decodable.
func (m *InputAck) DecodeScale(dec *scale.Decoder) (int, error) {
	return m.AckFrame.DecodeScale(dec)
}

// QualityReport is a quality-of-service ping. Ping is an opaque local
// timestamp in milliseconds, echoed back verbatim in QualityReply.
// FrameAdvantage is how far the sender believes it runs ahead of the
// addressee, in frames.
type QualityReport struct {
	Ping           uint64
	FrameAdvantage int32
}

func (*QualityReport) kind() byte { return kindQualityReport }

// EncodeScale implements scale.Encodable.
func (m *QualityReport) EncodeScale(enc *scale.Encoder) (int, error) {
	var total int
	n, err := scale.EncodeCompact64(enc, m.Ping)
	if err != nil {
		return total, err
	}
	total += n
	n, err = scale.EncodeCompact32(enc, uint32(m.FrameAdvantage))
	if err != nil {
		return total, err
	}
	total += n
	return total, nil
}

// DecodeScale implements scale.Decodable.
func (m *QualityReport) DecodeScale(dec *scale.Decoder) (int, error) {
	var total int
	ping, n, err := scale.DecodeCompact64(dec)
	if err != nil {
		return total, err
	}
	m.Ping = ping
	total += n
	adv, n, err := scale.DecodeCompact32(dec)
	if err != nil {
		return total, err
	}
	m.FrameAdvantage = int32(adv)
	total += n
	return total, nil
}

// QualityReply answers a QualityReport.
type QualityReply struct {
	Pong uint64
}

func (*QualityReply) kind() byte { return kindQualityReply }

// EncodeScale implements scale.Encodable.
func (m *QualityReply) EncodeScale(enc *scale.Encoder) (int, error) {
	return scale.EncodeCompact64(enc, m.Pong)
}

// DecodeScale implements scale.Decodable.
func (m *QualityReply) DecodeScale(dec *scale.Decoder) (int, error) {
	v, total, err := scale.DecodeCompact64(dec)
	m.Pong = v
	return total, err
}

// ChecksumReport carries the sender's state checksum for a frame both
// sides have confirmed. A mismatch is a fatal desync.
type ChecksumReport struct {
	Frame    types.Frame
	Checksum uint64
}

func (*ChecksumReport) kind() byte { return kindChecksum }

// EncodeScale implements scale.Encodable.
func (m *ChecksumReport) EncodeScale(enc *scale.Encoder) (int, error) {
	var total int
	n, err := m.Frame.EncodeScale(enc)
	if err != nil {
		return total, err
	}
	total += n
	n, err = scale.EncodeCompact64(enc, m.Checksum)
	if err != nil {
		return total, err
	}
	total += n
	return total, nil
}

// DecodeScale implements scale.Decodable.
func (m *ChecksumReport) DecodeScale(dec *scale.Decoder) (int, error) {
	var total int
	n, err := m.Frame.DecodeScale(dec)
	if err != nil {
		return total, err
	}
	total += n
	sum, n, err := scale.DecodeCompact64(dec)
	if err != nil {
		return total, err
	}
	m.Checksum = sum
	total += n
	return total, nil
}

// KeepAlive carries nothing; it only refreshes liveness.
type KeepAlive struct{}

func (*KeepAlive) kind() byte { return kindKeepAlive }

// EncodeScale implements scale.Encodable.
func (*KeepAlive) EncodeScale(*scale.Encoder) (int, error) { return 0, nil }

// DecodeScale implements scale.Decodable.
func (*KeepAlive) DecodeScale(*scale.Decoder) (int, error) { return 0, nil }

// Disconnect announces a deliberate teardown so the remote does not wait
// out the liveness timeout.
type Disconnect struct{}

func (*Disconnect) kind() byte { return kindDisconnect }

// EncodeScale implements scale.Encodable.
func (*Disconnect) EncodeScale(*scale.Encoder) (int, error) { return 0, nil }

// DecodeScale implements scale.Decodable.
func (*Disconnect) DecodeScale(*scale.Decoder) (int, error) { return 0, nil }
