package p2p

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"

	"github.com/dcz-labs/duplexbft/internal/types"
)

// MessageType identifies the type of consensus message on the wire.
type MessageType byte

const (
	MsgProposal MessageType = 0x01
	MsgVote     MessageType = 0x02
	MsgTimeout  MessageType = 0x03

	MsgSPBPropose   MessageType = 0x10
	MsgSPBVote      MessageType = 0x11
	MsgSPBFinish    MessageType = 0x12
	MsgDoneAndShare MessageType = 0x13
	MsgPreVote      MessageType = 0x14
	MsgMVote        MessageType = 0x15
	MsgHalt         MessageType = 0x16
	MsgPrePare      MessageType = 0x17
)

// MaxMessageSize is the maximum allowed message size (4 MB).
const MaxMessageSize = 4 * 1024 * 1024

func (mt MessageType) String() string {
	switch mt {
	case MsgProposal:
		return "proposal"
	case MsgVote:
		return "vote"
	case MsgTimeout:
		return "timeout"
	case MsgSPBPropose:
		return "spb_propose"
	case MsgSPBVote:
		return "spb_vote"
	case MsgSPBFinish:
		return "spb_finish"
	case MsgDoneAndShare:
		return "done_and_share"
	case MsgPreVote:
		return "pre_vote"
	case MsgMVote:
		return "mvote"
	case MsgHalt:
		return "halt"
	case MsgPrePare:
		return "prepare"
	default:
		return fmt.Sprintf("unknown(0x%02x)", byte(mt))
	}
}

// Envelope wraps a typed message for wire encoding.
type Envelope struct {
	Type    MessageType
	Payload []byte
}

// Encode serializes the envelope as [type_byte | gob_payload]. Gob,
// rather than protobuf, is the wire codec here: it is what the storage
// package already uses to persist every domain type on disk, so one
// encoding covers both the wire and the on-disk format with no
// generated-code build step.
func (e *Envelope) Encode() []byte {
	buf := make([]byte, 1+len(e.Payload))
	buf[0] = byte(e.Type)
	copy(buf[1:], e.Payload)
	return buf
}

// DecodeEnvelope parses a wire-format message into an Envelope.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	if len(data) == 0 {
		return nil, errors.New("p2p: empty message")
	}
	if len(data) > MaxMessageSize {
		return nil, fmt.Errorf("p2p: message too large: %d > %d", len(data), MaxMessageSize)
	}
	return &Envelope{
		Type:    MessageType(data[0]),
		Payload: data[1:],
	}, nil
}

func gobEncode(t MessageType, v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("p2p: encode %s: %w", t, err)
	}
	env := &Envelope{Type: t, Payload: buf.Bytes()}
	return env.Encode(), nil
}

func gobDecode(payload []byte, v interface{}) error {
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(v); err != nil {
		return fmt.Errorf("p2p: decode payload: %w", err)
	}
	return nil
}

// EncodeProposal serializes a Proposal into wire format.
func EncodeProposal(p *types.Proposal) ([]byte, error) { return gobEncode(MsgProposal, p) }

// DecodeProposal deserializes a Proposal from its gob payload.
func DecodeProposal(payload []byte) (*types.Proposal, error) {
	p := &types.Proposal{}
	if err := gobDecode(payload, p); err != nil {
		return nil, err
	}
	return p, nil
}

// EncodeVote serializes a Vote into wire format.
func EncodeVote(v *types.Vote) ([]byte, error) { return gobEncode(MsgVote, v) }

// DecodeVote deserializes a Vote from its gob payload.
func DecodeVote(payload []byte) (*types.Vote, error) {
	v := &types.Vote{}
	if err := gobDecode(payload, v); err != nil {
		return nil, err
	}
	return v, nil
}

// EncodeTimeout serializes a TimeoutMessage into wire format.
func EncodeTimeout(tm *types.TimeoutMessage) ([]byte, error) { return gobEncode(MsgTimeout, tm) }

// DecodeTimeout deserializes a TimeoutMessage from its gob payload.
func DecodeTimeout(payload []byte) (*types.TimeoutMessage, error) {
	tm := &types.TimeoutMessage{}
	if err := gobDecode(payload, tm); err != nil {
		return nil, err
	}
	return tm, nil
}

// EncodeSPBPropose serializes an SPBPropose into wire format.
func EncodeSPBPropose(p *types.SPBPropose) ([]byte, error) { return gobEncode(MsgSPBPropose, p) }

// DecodeSPBPropose deserializes an SPBPropose from its gob payload.
func DecodeSPBPropose(payload []byte) (*types.SPBPropose, error) {
	p := &types.SPBPropose{}
	if err := gobDecode(payload, p); err != nil {
		return nil, err
	}
	return p, nil
}

// EncodeSPBVote serializes an SPBVote into wire format.
func EncodeSPBVote(v *types.SPBVote) ([]byte, error) { return gobEncode(MsgSPBVote, v) }

// DecodeSPBVote deserializes an SPBVote from its gob payload.
func DecodeSPBVote(payload []byte) (*types.SPBVote, error) {
	v := &types.SPBVote{}
	if err := gobDecode(payload, v); err != nil {
		return nil, err
	}
	return v, nil
}

// EncodeSPBFinish serializes an SPBFinish into wire format.
func EncodeSPBFinish(f *types.SPBFinish) ([]byte, error) { return gobEncode(MsgSPBFinish, f) }

// DecodeSPBFinish deserializes an SPBFinish from its gob payload.
func DecodeSPBFinish(payload []byte) (*types.SPBFinish, error) {
	f := &types.SPBFinish{}
	if err := gobDecode(payload, f); err != nil {
		return nil, err
	}
	return f, nil
}

// EncodeDoneAndShare serializes a DoneAndShare into wire format.
func EncodeDoneAndShare(d *types.DoneAndShare) ([]byte, error) { return gobEncode(MsgDoneAndShare, d) }

// DecodeDoneAndShare deserializes a DoneAndShare from its gob payload.
func DecodeDoneAndShare(payload []byte) (*types.DoneAndShare, error) {
	d := &types.DoneAndShare{}
	if err := gobDecode(payload, d); err != nil {
		return nil, err
	}
	return d, nil
}

// EncodePreVote serializes an MPreVote into wire format.
func EncodePreVote(p *types.MPreVote) ([]byte, error) { return gobEncode(MsgPreVote, p) }

// DecodePreVote deserializes an MPreVote from its gob payload.
func DecodePreVote(payload []byte) (*types.MPreVote, error) {
	p := &types.MPreVote{}
	if err := gobDecode(payload, p); err != nil {
		return nil, err
	}
	return p, nil
}

// EncodeMVote serializes an MVote into wire format.
func EncodeMVote(v *types.MVote) ([]byte, error) { return gobEncode(MsgMVote, v) }

// DecodeMVote deserializes an MVote from its gob payload.
func DecodeMVote(payload []byte) (*types.MVote, error) {
	v := &types.MVote{}
	if err := gobDecode(payload, v); err != nil {
		return nil, err
	}
	return v, nil
}

// EncodeHalt serializes an MHalt into wire format.
func EncodeHalt(h *types.MHalt) ([]byte, error) { return gobEncode(MsgHalt, h) }

// DecodeHalt deserializes an MHalt from its gob payload.
func DecodeHalt(payload []byte) (*types.MHalt, error) {
	h := &types.MHalt{}
	if err := gobDecode(payload, h); err != nil {
		return nil, err
	}
	return h, nil
}

// EncodePrePare serializes a PrePare into wire format.
func EncodePrePare(p *types.PrePare) ([]byte, error) { return gobEncode(MsgPrePare, p) }

// DecodePrePare deserializes a PrePare from its gob payload.
func DecodePrePare(payload []byte) (*types.PrePare, error) {
	p := &types.PrePare{}
	if err := gobDecode(payload, p); err != nil {
		return nil, err
	}
	return p, nil
}

// DecodeMessage decodes a wire-format message into its type and domain
// object.
func DecodeMessage(data []byte) (MessageType, interface{}, error) {
	env, err := DecodeEnvelope(data)
	if err != nil {
		return 0, nil, err
	}

	switch env.Type {
	case MsgProposal:
		v, err := DecodeProposal(env.Payload)
		return MsgProposal, v, err
	case MsgVote:
		v, err := DecodeVote(env.Payload)
		return MsgVote, v, err
	case MsgTimeout:
		v, err := DecodeTimeout(env.Payload)
		return MsgTimeout, v, err
	case MsgSPBPropose:
		v, err := DecodeSPBPropose(env.Payload)
		return MsgSPBPropose, v, err
	case MsgSPBVote:
		v, err := DecodeSPBVote(env.Payload)
		return MsgSPBVote, v, err
	case MsgSPBFinish:
		v, err := DecodeSPBFinish(env.Payload)
		return MsgSPBFinish, v, err
	case MsgDoneAndShare:
		v, err := DecodeDoneAndShare(env.Payload)
		return MsgDoneAndShare, v, err
	case MsgPreVote:
		v, err := DecodePreVote(env.Payload)
		return MsgPreVote, v, err
	case MsgMVote:
		v, err := DecodeMVote(env.Payload)
		return MsgMVote, v, err
	case MsgHalt:
		v, err := DecodeHalt(env.Payload)
		return MsgHalt, v, err
	case MsgPrePare:
		v, err := DecodePrePare(env.Payload)
		return MsgPrePare, v, err
	default:
		return env.Type, nil, fmt.Errorf("p2p: unknown message type: 0x%02x", byte(env.Type))
	}
}
