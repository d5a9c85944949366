// Package shaper owns the host's token-bucket qdisc: it arbitrates the
// rate and cwnd requests arriving from the congestion algorithm, derives a
// dynamic epoch length from the observed send rate and minimum RTT, and
// keeps the outbox's sampling cadence in step over the side channel.
package shaper

import (
	"log"

	"github.com/m-lab/bundler/internal/bitmath"
	"github.com/m-lab/bundler/metrics"
)

// unset marks a rate/cwnd/rtt field no request has arrived for yet. A
// real request overwrites it; applyRate treats it as "don't shape yet".
const unset = 0x3fffffff

// minEpochLengthPkts and maxEpochLengthPkts bound the dynamic epoch
// length, so a throughput collapse cannot stall sampling entirely and a
// burst cannot grow the epoch without limit.
const (
	minEpochLengthPkts = 4
	maxEpochLengthPkts = 1024
)

// packetSize is the assumed packet size for converting rates to packet
// counts in the epoch-length derivation.
const packetSize = 1500

// QdiscController is the narrow interface onto the host's traffic-control
// queueing discipline that Adapter drives. A real implementation backs it
// with a raw rtnetlink TBF qdisc replace (see transport.go); tests use a
// fake.
type QdiscController interface {
	SetRate(bytesPerSec uint32) error
}

// EpochReporter carries a changed epoch length to the outbox (if its
// address has been learned) and to the shaper's control channel.
// SideChannel implements it.
type EpochReporter interface {
	ReportEpochLength(epochLenPkts uint32)
}

// Adapter is the ShaperAdapter: it tracks the independently-arriving rate
// request, congestion-window request, and RTT sample, and whenever any of
// them changes recomputes whichever resulting rate is lower and pushes it
// to the qdisc.
type Adapter struct {
	qdisc    QdiscController
	reporter EpochReporter

	useDynamicEpoch bool
	minRateBps      uint32

	rateRequestBps    uint32
	cwndBytes         uint32
	rttNs             uint64
	minRTTNs          uint64
	observedSendBps   uint64
	currSetRateBps    uint32
	currEpochLenPkts  uint32
}

// Option configures an Adapter at construction.
type Option func(*Adapter)

// WithDynamicEpoch enables recomputing the epoch length from the observed
// send rate and minimum RTT; when disabled the epoch length stays at its
// initial value of minEpochLengthPkts and SetEpochLength does not change it.
func WithDynamicEpoch(enabled bool) Option {
	return func(a *Adapter) { a.useDynamicEpoch = enabled }
}

// WithEpochReporter registers the side channel the adapter notifies
// whenever the epoch length changes, so the outbox and the qdisc keep
// marking at the same cadence. A nil reporter (the default) leaves epoch
// changes local, which tests use.
func WithEpochReporter(r EpochReporter) Option {
	return func(a *Adapter) { a.reporter = r }
}

// WithMinRateBps sets a floor under the computed effective rate, so an
// aggressive algorithm decision cannot starve the token bucket outright.
// Zero (the default) disables the floor.
func WithMinRateBps(bps uint32) Option {
	return func(a *Adapter) { a.minRateBps = bps }
}

// New returns an Adapter bound to the given qdisc controller, with every
// measurement field at the "unset" sentinel.
func New(qdisc QdiscController, opts ...Option) *Adapter {
	a := &Adapter{
		qdisc:            qdisc,
		useDynamicEpoch:  true,
		rateRequestBps:   unset,
		cwndBytes:        unset,
		rttNs:            unset,
		minRTTNs:         unset,
		observedSendBps:  unset,
		currSetRateBps:   unset,
		currEpochLenPkts: minEpochLengthPkts,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// SetRate records a new rate request from the congestion algorithm and
// re-derives the effective rate.
func (a *Adapter) SetRate(bps uint32) error {
	a.rateRequestBps = bps
	return a.applyRate()
}

// SetApproxCwnd records a new congestion-window request. A window smaller
// than one packet is rejected.
func (a *Adapter) SetApproxCwnd(cwndBytes uint32) error {
	if cwndBytes/packetSize == 0 {
		return errSmallCwnd
	}
	a.cwndBytes = cwndBytes
	return a.applyRate()
}

// UpdateRTT records a fresh RTT sample, tracks the minimum RTT seen so far,
// and re-derives the effective rate (a smaller RTT raises the
// cwnd-implied rate ceiling).
func (a *Adapter) UpdateRTT(rttNs uint64) error {
	a.rttNs = rttNs
	if rttNs < a.minRTTNs {
		a.minRTTNs = rttNs
	}
	return a.applyRate()
}

// UpdateSendRate records the observed sending throughput and, when dynamic
// epoch sizing is enabled, recomputes and applies the derived epoch
// length.
func (a *Adapter) UpdateSendRate(observedBps uint64) {
	a.observedSendBps = observedBps
	if !a.useDynamicEpoch {
		return
	}
	minRTTs := float64(a.minRTTNs) / 1e9
	a.SetEpochLength(deriveEpochLength(float64(observedBps), minRTTs))
}

// deriveEpochLength rounds the in-flight BDP (in packets) down to a power
// of two, then quarters it, clamped to [minEpochLengthPkts,
// maxEpochLengthPkts].
func deriveEpochLength(rateBps, rttS float64) uint32 {
	inflightPkts := uint32(rateBps * rttS / packetSize)
	rounded := bitmath.RoundDownPow2(inflightPkts)
	return bitmath.Clamp(rounded>>2, minEpochLengthPkts, maxEpochLengthPkts)
}

// SetEpochLength updates the qdisc's packet-sampling interval, notifying
// both the outbox (so it marks at the same cadence) and the qdisc's own
// control channel through the configured EpochReporter. A no-op if the
// length hasn't changed, or if dynamic epoch sizing is disabled (the
// length New starts with already counts as set).
func (a *Adapter) SetEpochLength(pkts uint32) uint32 {
	if !a.useDynamicEpoch && a.currEpochLenPkts > 0 {
		return a.currEpochLenPkts
	}
	if pkts == a.currEpochLenPkts {
		return a.currEpochLenPkts
	}
	log.Printf("shaper: adjusting epoch length %d -> %d", a.currEpochLenPkts, pkts)
	metrics.EpochLengthAdjustmentCount.Inc()
	a.currEpochLenPkts = pkts
	if a.reporter != nil {
		a.reporter.ReportEpochLength(pkts)
	}
	return pkts
}

// GetCurrentEpochLength returns the qdisc's current packet-sampling
// interval.
func (a *Adapter) GetCurrentEpochLength() uint32 {
	return a.currEpochLenPkts
}

// applyRate recomputes and, if changed, pushes the effective rate: the
// lesser of the direct rate request and the congestion-window-implied rate
// (cwnd_bytes / rtt_s), floored at minRateBps.
func (a *Adapter) applyRate() error {
	if a.cwndBytes == unset && a.rateRequestBps == unset {
		return nil
	}

	rate := a.rateRequestBps
	if a.cwndBytes != unset && a.rttNs != 0 && a.rttNs != unset {
		rttS := float64(a.rttNs) / 1e9
		cwndRate := uint32(float64(a.cwndBytes) / rttS)
		if a.rateRequestBps == unset || cwndRate < rate {
			rate = cwndRate
		}
	}
	if rate < a.minRateBps {
		rate = a.minRateBps
	}

	if rate == a.currSetRateBps {
		return nil
	}
	a.currSetRateBps = rate
	log.Printf("shaper: set_rate %d", rate)
	return a.qdisc.SetRate(rate)
}

type smallCwndError struct{}

func (smallCwndError) Error() string { return "shaper: cwnd smaller than one packet" }

var errSmallCwnd = smallCwndError{}
