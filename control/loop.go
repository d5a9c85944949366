// Package control implements the inbox's control loop: a single-threaded
// cooperative select over shaper reports, outbox feedback, and a periodic
// tick, owning every other component's state.
package control

import (
	"context"
	"log"
	"time"

	"github.com/m-lab/bundler/ccp"
	"github.com/m-lab/bundler/fingerprint"
	"github.com/m-lab/bundler/flowstate"
	"github.com/m-lab/bundler/ingest"
	"github.com/m-lab/bundler/internal/bitmath"
	"github.com/m-lab/bundler/marks"
	"github.com/m-lab/bundler/metrics"
	"github.com/m-lab/bundler/prioritizer"
	"github.com/m-lab/bundler/shaper"
	"github.com/m-lab/bundler/wire"
)

// TickInterval is the cadence at which the loop reconsiders invoking the
// congestion algorithm and recomputing the epoch window size.
const TickInterval = 10 * time.Millisecond

// packetSize is the assumed packet size for converting between bytes and
// packets at the epoch-window boundary.
const packetSize = 1514

// Loop owns every piece of per-bundle state and drives it forward: it is
// the only goroutine that touches History, State, and the shaper/ccp
// connections, so none of them need locks.
type Loop struct {
	bundleID uint32
	log      *log.Logger

	qdiscFeedback  <-chan ingest.QdiscFeedback
	outboxFeedback <-chan ingest.OutboxFeedback

	marks *marks.History
	flow  *flowstate.State
	qdisc *shaper.Adapter
	conn  *ccp.Conn

	readyToInvoke bool

	algReady      <-chan struct{}
	algorithmUp   bool

	flowAnnounce <-chan wire.FlowAnnounce
	prio         *prioritizer.Prioritizer
	sendFlowPrio func(wire.UpdateFlowPrio)

	onInvoke func(flowstate.Primitives)
}

// Option configures a Loop at construction.
type Option func(*Loop)

// WithSnapshotFunc registers a callback invoked with the Primitives loaded
// into the algorithm on every invocation, so a caller can feed a diagnostics
// saver or other observer without the control loop depending on one
// directly.
func WithSnapshotFunc(f func(flowstate.Primitives)) Option {
	return func(l *Loop) { l.onInvoke = f }
}

// WithAlgorithmReady gates tick-driven invocation on ready, the channel
// Datapath.Ready returns: the loop must not call the congestion algorithm
// before it has sent its first message. A nil ready (the default) treats
// the algorithm as immediately available, which matches tests that drive
// the loop without a real algorithm process.
func WithAlgorithmReady(ready <-chan struct{}) Option {
	return func(l *Loop) { l.algReady = ready }
}

// WithPrioritizer wires the optional flow-priority slot: whenever a
// FlowAnnounce arrives on announce, the loop asks p to assign the
// newly-classified flow a priority and forwards the result to the shaper
// via send. A nil announce channel (the default) leaves the slot unused.
func WithPrioritizer(announce <-chan wire.FlowAnnounce, p *prioritizer.Prioritizer, send func(wire.UpdateFlowPrio)) Option {
	return func(l *Loop) {
		l.flowAnnounce = announce
		l.prio = p
		l.sendFlowPrio = send
	}
}

// New returns a Loop wired to the given channels and components. The
// caller is responsible for constructing qdisc and conn with whatever
// transports fit its deployment (real netlink/UDP in production, fakes in
// tests).
func New(bundleID uint32, qdiscFeedback <-chan ingest.QdiscFeedback, outboxFeedback <-chan ingest.OutboxFeedback, qdisc *shaper.Adapter, conn *ccp.Conn, logger *log.Logger, opts ...Option) *Loop {
	if logger == nil {
		logger = log.Default()
	}
	l := &Loop{
		bundleID:       bundleID,
		log:            logger,
		qdiscFeedback:  qdiscFeedback,
		outboxFeedback: outboxFeedback,
		marks:          marks.New(),
		flow:           flowstate.New(),
		qdisc:          qdisc,
		conn:           conn,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run drives the select loop until ctx is canceled.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-l.qdiscFeedback:
			if !ok {
				return
			}
			l.handleQdiscFeedback(msg)
		case msg, ok := <-l.outboxFeedback:
			if !ok {
				return
			}
			l.handleOutboxFeedback(msg)
		case msg, ok := <-l.flowAnnounce:
			if !ok {
				l.flowAnnounce = nil
				continue
			}
			l.handleFlowAnnounce(msg)
		case <-ticker.C:
			l.handleTick()
		}
	}
}

// handleQdiscFeedback records the send-side half of one epoch: a marked
// packet crossed the shaper at EpochTimeNs, with the aggregate send byte
// clock at EpochBytes.
func (l *Loop) handleQdiscFeedback(msg ingest.QdiscFeedback) {
	now := time.Now()
	fp := fingerprint.Fingerprint(msg.Fingerprint)
	epochID := l.marks.Insert(fp, now, msg.EpochBytes)
	l.flow.CurrQlen = msg.CurrQlen
	l.log.Printf("inbox epoch id=%d hash=%#x bytes=%d qlen=%d", epochID, msg.Fingerprint, msg.EpochBytes, msg.CurrQlen)
}

// handleOutboxFeedback records the receive-side half of one epoch and, if
// it matches an outstanding mark, folds the pair into the running flow
// state.
func (l *Loop) handleOutboxFeedback(msg ingest.OutboxFeedback) {
	now := time.Now()
	fp := fingerprint.Fingerprint(msg.Fingerprint)
	mi, ok := l.marks.Get(now, fp)
	if !ok {
		metrics.MarksUnmatchedCount.Inc()
		l.log.Printf("outbox feedback: no match for hash=%#x", msg.Fingerprint)
		return
	}

	feedback := flowstate.Feedback{
		EpochTime:  time.Unix(0, int64(msg.EpochTimeNs)),
		EpochBytes: msg.EpochBytes,
	}
	prims := l.flow.Update(now, mi, feedback)

	if mi.Late {
		l.log.Printf("late match id=%d hash=%#x", mi.EpochID, msg.Fingerprint)
		return
	}

	l.conn.LoadPrimitives(l.bundleID, prims)
	_ = l.qdisc.UpdateRTT(l.flow.RTTEstimate)
	l.qdisc.UpdateSendRate(uint64(l.flow.SendRateBps))
	l.readyToInvoke = true

	l.log.Printf("normal match id=%d hash=%#x rtt_us=%d rate_out=%.0f rate_in=%.0f",
		mi.EpochID, msg.Fingerprint, prims.RTTSampleUs, prims.RateOutgoingBps, prims.RateIncomingBps)
}

// handleFlowAnnounce assigns a priority to a newly-classified flow and
// reports it back to the shaper. A nil prioritizer (no WithPrioritizer
// option given) never reaches here since l.flowAnnounce stays nil in that
// case.
func (l *Loop) handleFlowAnnounce(msg wire.FlowAnnounce) {
	fk := prioritizer.FlowKey{SrcIP: msg.SrcIP, SrcPort: msg.SrcPort, DstIP: msg.DstIP, DstPort: msg.DstPort}
	prio := l.prio.Announce(fk)
	l.log.Printf("flow announce id=%d prio=%d", msg.FlowID, prio)
	if l.sendFlowPrio != nil {
		l.sendFlowPrio(wire.UpdateFlowPrio{BundleID: msg.BundleID, FlowID: msg.FlowID, FlowPrio: prio})
	}
}

// handleTick invokes the congestion algorithm if a normal measurement has
// arrived since the last invocation, then resets the per-invocation
// accounting and resizes the epoch window to the newly implied in-flight
// BDP.
func (l *Loop) handleTick() {
	if !l.readyToInvoke {
		return
	}
	if !l.algorithmUp {
		if l.algReady == nil {
			l.algorithmUp = true
		} else {
			select {
			case <-l.algReady:
				l.algorithmUp = true
			default:
				return
			}
		}
	}
	l.readyToInvoke = false

	prims := l.currentPrimitives()
	l.log.Printf("ccp invoke rtt_us=%d rate_outgoing=%.0f rate_incoming=%.0f acked=%d lost_pkts_sample=%d",
		prims.RTTSampleUs, prims.RateOutgoingBps, prims.RateIncomingBps, prims.PacketsAcked, prims.LostPktsSample)

	l.conn.Invoke(l.bundleID)
	metrics.CongestionInvokeCount.Inc()
	if l.onInvoke != nil {
		l.onInvoke(prims)
	}

	l.flow.DidInvoke()
	l.conn.LoadPrimitives(l.bundleID, l.currentPrimitives())

	// After the invocation the qdisc may have changed its epoch length in
	// response to a new rate, so the measurement window is recomputed
	// against the current length.
	epochLenPkts := l.qdisc.GetCurrentEpochLength()
	rttS := float64(l.flow.RTTEstimate) / 1e9
	inflightBDPBytes := l.flow.SendRateBps * rttS
	inflightBDPPkts := bitmath.RoundDownPow2(uint32(inflightBDPBytes / packetSize))

	window := 1
	if epochLenPkts > 0 {
		window = int(inflightBDPPkts / epochLenPkts)
	}
	if window < 1 {
		window = 1
	}
	l.flow.ResizeWindow(window)
}

// currentPrimitives snapshots the flow's running estimates in the shape
// the algorithm consumes.
func (l *Loop) currentPrimitives() flowstate.Primitives {
	return flowstate.Primitives{
		RateOutgoingBps: l.flow.SendRateBps,
		RateIncomingBps: l.flow.RecvRateBps,
		RTTSampleUs:     l.flow.RTTEstimate / 1000,
		BytesAcked:      l.flow.AckedBytes,
		PacketsAcked:    l.flow.AckedBytes / packetSize,
		LostPktsSample:  l.flow.LostBytes / packetSize,
		BytesPending:    l.flow.CurrQlen,
	}
}
