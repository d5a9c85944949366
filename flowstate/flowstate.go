// Package flowstate maintains the per-bundle measurement state: matched
// send/receive epochs feed a trailing-average rate estimator, an RTT
// estimate, and a BDP estimate, which together become the Primitives
// handed to the congestion algorithm.
package flowstate

import (
	"time"

	"github.com/m-lab/bundler/epoch"
	"github.com/m-lab/bundler/marks"
	"github.com/m-lab/bundler/metrics"
)

// packetSize is the assumed packet size in bytes used to convert byte
// counts into packet counts for the BDP and loss estimates.
const packetSize = 1514

// Primitives is the measurement snapshot handed to the congestion
// algorithm on every invocation.
type Primitives struct {
	RateOutgoingBps float64
	RateIncomingBps float64
	RTTSampleUs     uint64
	BytesAcked      uint32
	PacketsAcked    uint32
	LostPktsSample  uint32
	BytesPending    uint32
}

// Option configures a State at construction.
type Option func(*State)

// WithLateMarkSnapshots controls whether a late mark's feedback forks a
// fresh measurement snapshot instead of updating the live running state in
// place. Enabled by default: a late match still computes rtt/rate numbers,
// since a lost or reordered sample is informative, but it must not clobber
// the prev-send/prev-recv bookkeeping for the still-in-flight,
// not-yet-late chain of marks.
func WithLateMarkSnapshots(enabled bool) Option {
	return func(s *State) { s.lateMarkSnapshots = enabled }
}

// WithWindowSize sets the epoch aggregator's trailing window size.
// Defaults to 1.
func WithWindowSize(size int) Option {
	return func(s *State) { s.agg = epoch.NewAggregator(size) }
}

// State is the mutable per-bundle measurement state, owned exclusively by
// the control loop.
type State struct {
	agg *epoch.Aggregator

	prevSendTime       time.Time
	prevSendByteClock  uint64
	prevRecvTime       time.Time
	prevRecvByteClock  uint64

	SendRateBps  float64
	RecvRateBps  float64
	RTTEstimate  uint64 // nanoseconds

	BDPEstimatePkts uint32
	AckedBytes      uint32
	LostBytes       uint32

	CurrQlen uint32
	LastID   uint64

	lateMarkSnapshots bool
}

// New returns a zeroed State ready for its first Update.
func New(opts ...Option) *State {
	s := &State{
		agg:               epoch.NewAggregator(1),
		lateMarkSnapshots: true,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Feedback is the receive-side half of a matched epoch: the outbox's
// report of the bytes and wall-clock time at which it saw the marked
// packet.
type Feedback struct {
	EpochTime  time.Time
	EpochBytes uint64
}

// Update folds one matched (sent mark, received feedback) pair into the
// running state: the send epoch runs prevSendTime -> mark.Time, the
// receive epoch runs prevRecvTime -> feedback.EpochTime, and rtt is now
// minus the mark's send time.
//
// If snapshot-forking is enabled and mark.Late is true, Update still
// returns the freshly computed Primitives for this one sample, but leaves
// the State's prev_* bookkeeping untouched so a subsequently-arriving,
// still-in-order mark is not measured against a clock this late sample
// would have distorted.
func (s *State) Update(now time.Time, mark marks.MarkedInstant, recv Feedback) Primitives {
	s1, s1Bytes := s.prevSendTime, s.prevSendByteClock
	s2, s2Bytes := mark.Time, mark.SendByteClock
	r1, r1Bytes := s.prevRecvTime, s.prevRecvByteClock
	r2, r2Bytes := recv.EpochTime, recv.EpochBytes

	rtt := epoch.ElapsedSince(s2, now)
	sendEpochNs := epoch.ElapsedSince(s1, s2)
	recvEpochNs := epoch.ElapsedSince(r1, r2)
	sendEpochBytes := saturatingSub(s2Bytes, s1Bytes)
	recvEpochBytes := saturatingSub(r2Bytes, r1Bytes)

	sendRate, recvRate := s.agg.GotEpoch(sendEpochNs, sendEpochBytes, recvEpochNs, recvEpochBytes)

	rttS := float64(rtt) / 1e9
	bdpBytes := sendRate * rttS
	lossDelta := saturatingSub(sendEpochBytes, recvEpochBytes)

	p := Primitives{
		RateOutgoingBps: sendRate,
		RateIncomingBps: recvRate,
		RTTSampleUs:     rtt / 1000,
		BytesAcked:      uint32(recvEpochBytes),
		PacketsAcked:    uint32(recvEpochBytes / packetSize),
		LostPktsSample:  uint32(lossDelta / packetSize),
		BytesPending:    s.CurrQlen,
	}

	metrics.RTTHistogram.Observe(float64(p.RTTSampleUs))
	metrics.SendRateHistogram.Observe(sendRate)
	metrics.RecvRateHistogram.Observe(recvRate)
	metrics.LostBytesHistogram.Observe(float64(lossDelta))

	if mark.Late && s.lateMarkSnapshots {
		return p
	}

	s.SendRateBps = sendRate
	s.RecvRateBps = recvRate
	s.BDPEstimatePkts = uint32(bdpBytes / packetSize)
	s.AckedBytes = uint32(recvEpochBytes)
	s.LostBytes = uint32(lossDelta)
	s.RTTEstimate = rtt

	s.prevSendTime = s2
	s.prevSendByteClock = s2Bytes
	s.prevRecvTime = r2
	s.prevRecvByteClock = r2Bytes
	s.LastID = mark.EpochID

	return p
}

// DidInvoke resets the per-invocation acked/lost accounting after the
// congestion algorithm has consumed a Primitives snapshot. Only the
// acked/lost deltas are zeroed; every other running estimate (rate, rtt,
// bdp) persists.
func (s *State) DidInvoke() {
	s.AckedBytes = 0
	s.LostBytes = 0
}

// ResizeWindow adjusts the epoch aggregator's trailing window, called by
// the control loop's periodic tick.
func (s *State) ResizeWindow(size int) {
	s.agg.Resize(size)
}

func saturatingSub(a, b uint64) uint64 {
	if a < b {
		return 0
	}
	return a - b
}
