package outbox

import (
	"log"
	"sync/atomic"
	"time"

	"github.com/m-lab/bundler/internal/bitmath"
)

// Local-adjustment tuning. Until the inbox's first ReportEpochLength
// arrives, the outbox nudges its own sample rate toward one mark every
// targetEpochInterval of observed traffic, at most once per
// localAdjustInterval. Once the inbox takes over, local corrections stop
// for good: both endpoints must mark at the cadence the inbox chose.
const (
	localAdjustInterval = time.Second
	targetEpochInterval = 10 * time.Millisecond
	localPacketSize     = 1514

	minLocalSampleRate = 4
	maxLocalSampleRate = 1024
)

// SampleRateControl holds the outbox's current packet-marking interval
// and lets a concurrent reader apply updates reported by the inbox's
// shaper without blocking the capture loop.
type SampleRateControl struct {
	updates chan uint32
	current uint32

	inboxSeen   uint32 // atomic; 1 once any inbox update arrived
	lastLocalAt time.Time
}

// NewSampleRateControl starts with the given initial sample rate (packets
// between marks).
func NewSampleRateControl(initial uint32) *SampleRateControl {
	return &SampleRateControl{
		updates: make(chan uint32, 1),
		current: initial,
	}
}

// Set queues a new sample rate to take effect on the detector's next
// poll. A rate of 0 is ignored: no fingerprint can be sampled modulo
// zero.
func (s *SampleRateControl) Set(rate uint32) {
	if rate == 0 {
		return
	}
	atomic.StoreUint32(&s.inboxSeen, 1)
	select {
	case s.updates <- rate:
	default:
		// Drain the stale pending update and replace it; only the
		// most recent request matters.
		select {
		case <-s.updates:
		default:
		}
		s.updates <- rate
	}
}

// AdjustLocal nudges the sample rate toward the observed receive rate
// while the inbox has not yet reported an epoch length, so a
// fresh-started outbox on a fast bundle doesn't flood feedback (or, on a
// slow one, starve it). It reports whether an adjustment was applied.
// Subordinate to the inbox: the first Set disables it permanently.
func (s *SampleRateControl) AdjustLocal(now time.Time, recvRateBps float64) (uint32, bool) {
	if atomic.LoadUint32(&s.inboxSeen) == 1 {
		return s.current, false
	}
	if !s.lastLocalAt.IsZero() && now.Sub(s.lastLocalAt) < localAdjustInterval {
		return s.current, false
	}

	epochPkts := uint32(recvRateBps * targetEpochInterval.Seconds() / localPacketSize)
	target := bitmath.Clamp(bitmath.RoundDownPow2(epochPkts), minLocalSampleRate, maxLocalSampleRate)
	if target == s.current {
		return s.current, false
	}

	log.Printf("outbox: local sample rate adjustment %d -> %d recv_rate=%.0f", s.current, target, recvRateBps)
	s.lastLocalAt = now
	s.current = target
	return target, true
}

// poll applies any pending update and returns the current sample rate.
func (s *SampleRateControl) poll() uint32 {
	select {
	case rate := <-s.updates:
		log.Printf("outbox: adjust sample rate %d -> %d", s.current, rate)
		s.current = rate
	default:
	}
	return s.current
}
