package wire

import (
	"encoding/binary"
	"errors"
)

// MsgType tags every datagram on the shaper control channel.
type MsgType uint32

// Message types on the shaper control channel.
const (
	MsgQdiscFeedback  MsgType = 1
	MsgUpdateSampleRate MsgType = 2
	MsgUpdateFlowPrio MsgType = 3
	MsgFlowAnnounce   MsgType = 4
)

// ErrUnknownMsgType is returned by DecodeShaperMessage for an unrecognized
// leading msg_type.
var ErrUnknownMsgType = errors.New("wire: unknown shaper msg_type")

const msgTypeSize = 4

// QdiscFeedback is sent shaper -> inbox: a marked packet crossed the shaper.
type QdiscFeedback struct {
	BundleID    uint32
	Fingerprint uint32
	CurrQlen    uint32
	EpochBytes  uint64
	EpochTimeNs uint64
}

const qdiscFeedbackPayloadSize = 4 + 4 + 4 + 8 + 8

// Encode writes the msg_type-tagged wire form of m.
func (m QdiscFeedback) Encode() []byte {
	buf := make([]byte, msgTypeSize+qdiscFeedbackPayloadSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(MsgQdiscFeedback))
	binary.LittleEndian.PutUint32(buf[4:8], m.BundleID)
	binary.LittleEndian.PutUint32(buf[8:12], m.Fingerprint)
	binary.LittleEndian.PutUint32(buf[12:16], m.CurrQlen)
	binary.LittleEndian.PutUint64(buf[16:24], m.EpochBytes)
	binary.LittleEndian.PutUint64(buf[24:32], m.EpochTimeNs)
	return buf
}

func decodeQdiscFeedbackPayload(buf []byte) (QdiscFeedback, error) {
	if len(buf) < qdiscFeedbackPayloadSize {
		return QdiscFeedback{}, ErrShortMessage
	}
	return QdiscFeedback{
		BundleID:    binary.LittleEndian.Uint32(buf[0:4]),
		Fingerprint: binary.LittleEndian.Uint32(buf[4:8]),
		CurrQlen:    binary.LittleEndian.Uint32(buf[8:12]),
		EpochBytes:  binary.LittleEndian.Uint64(buf[12:20]),
		EpochTimeNs: binary.LittleEndian.Uint64(buf[20:28]),
	}, nil
}

// UpdateSampleRate is sent inbox -> shaper: set the qdisc's marking interval.
type UpdateSampleRate struct {
	BundleID   uint32
	SampleRate uint32
}

const updateSampleRatePayloadSize = 4 + 4

// Encode writes the msg_type-tagged wire form of m.
func (m UpdateSampleRate) Encode() []byte {
	buf := make([]byte, msgTypeSize+updateSampleRatePayloadSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(MsgUpdateSampleRate))
	binary.LittleEndian.PutUint32(buf[4:8], m.BundleID)
	binary.LittleEndian.PutUint32(buf[8:12], m.SampleRate)
	return buf
}

func decodeUpdateSampleRatePayload(buf []byte) (UpdateSampleRate, error) {
	if len(buf) < updateSampleRatePayloadSize {
		return UpdateSampleRate{}, ErrShortMessage
	}
	return UpdateSampleRate{
		BundleID:   binary.LittleEndian.Uint32(buf[0:4]),
		SampleRate: binary.LittleEndian.Uint32(buf[4:8]),
	}, nil
}

// UpdateFlowPrio is sent inbox -> shaper: set a per-flow priority.
type UpdateFlowPrio struct {
	BundleID uint32
	FlowID   uint32
	FlowPrio uint16
}

const updateFlowPrioPayloadSize = 4 + 4 + 2

// Encode writes the msg_type-tagged wire form of m.
func (m UpdateFlowPrio) Encode() []byte {
	buf := make([]byte, msgTypeSize+updateFlowPrioPayloadSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(MsgUpdateFlowPrio))
	binary.LittleEndian.PutUint32(buf[4:8], m.BundleID)
	binary.LittleEndian.PutUint32(buf[8:12], m.FlowID)
	binary.LittleEndian.PutUint16(buf[12:14], m.FlowPrio)
	return buf
}

func decodeUpdateFlowPrioPayload(buf []byte) (UpdateFlowPrio, error) {
	if len(buf) < updateFlowPrioPayloadSize {
		return UpdateFlowPrio{}, ErrShortMessage
	}
	return UpdateFlowPrio{
		BundleID: binary.LittleEndian.Uint32(buf[0:4]),
		FlowID:   binary.LittleEndian.Uint32(buf[4:8]),
		FlowPrio: binary.LittleEndian.Uint16(buf[8:10]),
	}, nil
}

// FlowAnnounce is sent shaper -> inbox whenever it classifies a new flow
// inside the bundle.
type FlowAnnounce struct {
	BundleID uint32
	FlowID   uint32
	SrcIP    uint32
	SrcPort  uint16
	DstIP    uint32
	DstPort  uint16
}

const flowAnnouncePayloadSize = 4 + 4 + 4 + 2 + 4 + 2

// Encode writes the msg_type-tagged wire form of m.
func (m FlowAnnounce) Encode() []byte {
	buf := make([]byte, msgTypeSize+flowAnnouncePayloadSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(MsgFlowAnnounce))
	binary.LittleEndian.PutUint32(buf[4:8], m.BundleID)
	binary.LittleEndian.PutUint32(buf[8:12], m.FlowID)
	binary.LittleEndian.PutUint32(buf[12:16], m.SrcIP)
	binary.LittleEndian.PutUint16(buf[16:18], m.SrcPort)
	binary.LittleEndian.PutUint32(buf[18:22], m.DstIP)
	binary.LittleEndian.PutUint16(buf[22:24], m.DstPort)
	return buf
}

func decodeFlowAnnouncePayload(buf []byte) (FlowAnnounce, error) {
	if len(buf) < flowAnnouncePayloadSize {
		return FlowAnnounce{}, ErrShortMessage
	}
	return FlowAnnounce{
		BundleID: binary.LittleEndian.Uint32(buf[0:4]),
		FlowID:   binary.LittleEndian.Uint32(buf[4:8]),
		SrcIP:    binary.LittleEndian.Uint32(buf[8:12]),
		SrcPort:  binary.LittleEndian.Uint16(buf[12:14]),
		DstIP:    binary.LittleEndian.Uint32(buf[14:18]),
		DstPort:  binary.LittleEndian.Uint16(buf[18:20]),
	}, nil
}

// PeekMsgType reads the leading msg_type tag without decoding the payload.
func PeekMsgType(buf []byte) (MsgType, error) {
	if len(buf) < msgTypeSize {
		return 0, ErrShortMessage
	}
	return MsgType(binary.LittleEndian.Uint32(buf[0:4])), nil
}

// DecodeShaperMessage dispatches on the leading msg_type and returns one of
// QdiscFeedback, UpdateSampleRate, UpdateFlowPrio, or FlowAnnounce.
func DecodeShaperMessage(buf []byte) (interface{}, error) {
	t, err := PeekMsgType(buf)
	if err != nil {
		return nil, err
	}
	payload := buf[msgTypeSize:]
	switch t {
	case MsgQdiscFeedback:
		return decodeQdiscFeedbackPayload(payload)
	case MsgUpdateSampleRate:
		return decodeUpdateSampleRatePayload(payload)
	case MsgUpdateFlowPrio:
		return decodeUpdateFlowPrioPayload(payload)
	case MsgFlowAnnounce:
		return decodeFlowAnnouncePayload(payload)
	default:
		return nil, ErrUnknownMsgType
	}
}
