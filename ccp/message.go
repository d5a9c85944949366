package ccp

import (
	"encoding/binary"
	"math"

	"github.com/m-lab/bundler/flowstate"
)

// algorithm-channel message tags: a plain tagged-datagram protocol a
// separate algorithm process can implement without linking against this
// binary.
const (
	tagLoadPrimitives = 1
	tagInvoke         = 2
)

const primitivesPayloadSize = 8*2 + 8 + 4*4 // two float64 rates, rtt, 4 uint32 fields

// Conn pairs a Datapath with the bundle's flowstate, playing the role of
// LibccpConn: it knows how to push a Primitives snapshot to the algorithm
// and how to trigger an invocation.
type Conn struct {
	dp *Datapath
}

// NewConn wraps dp.
func NewConn(dp *Datapath) *Conn {
	return &Conn{dp: dp}
}

// LoadPrimitives sends the current measurement snapshot to the
// algorithm.
func (c *Conn) LoadPrimitives(bundleID uint32, p flowstate.Primitives) {
	buf := make([]byte, 4+4+primitivesPayloadSize)
	binary.LittleEndian.PutUint32(buf[0:4], tagLoadPrimitives)
	binary.LittleEndian.PutUint32(buf[4:8], bundleID)
	off := 8
	binary.LittleEndian.PutUint64(buf[off:], math.Float64bits(p.RateOutgoingBps))
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], math.Float64bits(p.RateIncomingBps))
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], p.RTTSampleUs)
	off += 8
	binary.LittleEndian.PutUint32(buf[off:], p.BytesAcked)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], p.PacketsAcked)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], p.LostPktsSample)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], p.BytesPending)
	c.dp.SendMsg(buf)
}

// Invoke signals the algorithm to run its control logic against the most
// recently loaded primitives.
func (c *Conn) Invoke(bundleID uint32) {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:4], tagInvoke)
	binary.LittleEndian.PutUint32(buf[4:8], bundleID)
	c.dp.SendMsg(buf)
}

// algorithm -> inbox message tags: the control decisions the algorithm
// sends back (libccp's set_cwnd/set_rate_abs pattern), on the same
// bundler-own wire encoding as the outbound tags above.
const (
	tagSetCwnd    = 1
	tagSetRateAbs = 2
)

const controlMessageSize = 4 + 4 + 4 // tag, bundle_id, value

// ErrShortControlMessage is returned by SimpleDecoder.Decode when the
// datagram is shorter than one tag+bundle_id+value record.
var ErrShortControlMessage = errShortControlMessage{}

type errShortControlMessage struct{}

func (errShortControlMessage) Error() string { return "ccp: control message shorter than expected" }

// SimpleDecoder implements MessageDecoder for bundler's own algorithm ->
// inbox wire encoding: a tag_type u32, a bundle_id u32 (unused here, since
// one Datapath already belongs to one bundle), and a value u32.
type SimpleDecoder struct{}

// Decode dispatches on the leading tag to ops.SetCwnd or ops.SetRateAbs.
func (SimpleDecoder) Decode(msg []byte, ops CongestionOps) error {
	if len(msg) < controlMessageSize {
		return ErrShortControlMessage
	}
	tag := binary.LittleEndian.Uint32(msg[0:4])
	value := binary.LittleEndian.Uint32(msg[8:12])
	switch tag {
	case tagSetCwnd:
		ops.SetCwnd(value)
	case tagSetRateAbs:
		ops.SetRateAbs(value)
	}
	return nil
}
