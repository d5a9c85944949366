// Package wire implements the fixed little-endian byte layouts of the two
// UDP channels bundler uses: the inbox<->outbox side channel and the
// inbox<->shaper control channel. Every message here round-trips through
// Encode/Decode exactly, which is what the tests in this package check.
package wire

import (
	"encoding/binary"
	"errors"
)

// ErrShortMessage is returned by a Decode function when the input is shorter
// than the message's fixed wire size.
var ErrShortMessage = errors.New("wire: message shorter than expected size")

// OutboxFeedbackSize is the wire size, in bytes, of OutboxFeedback.
const OutboxFeedbackSize = 24

// OutboxFeedback is sent outbox -> inbox whenever the outbox observes a
// marked packet.
type OutboxFeedback struct {
	BundleID    uint32
	Fingerprint uint32
	EpochBytes  uint64
	EpochTimeNs uint64
}

// Encode writes m in its 24-byte little-endian wire layout.
func (m OutboxFeedback) Encode() []byte {
	buf := make([]byte, OutboxFeedbackSize)
	binary.LittleEndian.PutUint32(buf[0:4], m.BundleID)
	binary.LittleEndian.PutUint32(buf[4:8], m.Fingerprint)
	binary.LittleEndian.PutUint64(buf[8:16], m.EpochBytes)
	binary.LittleEndian.PutUint64(buf[16:24], m.EpochTimeNs)
	return buf
}

// DecodeOutboxFeedback parses an OutboxFeedback from its wire layout.
func DecodeOutboxFeedback(buf []byte) (OutboxFeedback, error) {
	if len(buf) < OutboxFeedbackSize {
		return OutboxFeedback{}, ErrShortMessage
	}
	return OutboxFeedback{
		BundleID:    binary.LittleEndian.Uint32(buf[0:4]),
		Fingerprint: binary.LittleEndian.Uint32(buf[4:8]),
		EpochBytes:  binary.LittleEndian.Uint64(buf[8:16]),
		EpochTimeNs: binary.LittleEndian.Uint64(buf[16:24]),
	}, nil
}

// ReportEpochLengthSize is the wire size, in bytes, of ReportEpochLength.
const ReportEpochLengthSize = 8

// ReportEpochLength is sent inbox -> outbox to change the outbox's
// sampling interval.
type ReportEpochLength struct {
	BundleID        uint32
	EpochLengthPkts uint32
}

// Encode writes m in its 8-byte little-endian wire layout.
func (m ReportEpochLength) Encode() []byte {
	buf := make([]byte, ReportEpochLengthSize)
	binary.LittleEndian.PutUint32(buf[0:4], m.BundleID)
	binary.LittleEndian.PutUint32(buf[4:8], m.EpochLengthPkts)
	return buf
}

// DecodeReportEpochLength parses a ReportEpochLength from its wire layout.
func DecodeReportEpochLength(buf []byte) (ReportEpochLength, error) {
	if len(buf) < ReportEpochLengthSize {
		return ReportEpochLength{}, ErrShortMessage
	}
	return ReportEpochLength{
		BundleID:        binary.LittleEndian.Uint32(buf[0:4]),
		EpochLengthPkts: binary.LittleEndian.Uint32(buf[4:8]),
	}, nil
}
