// Package marks keeps the ordered record of outstanding MarkedInstants
// awaiting a matching feedback report, with FIFO tie-breaking on
// fingerprint collision and lazy TTL eviction.
package marks

import (
	"container/list"
	"sync/atomic"
	"time"

	"github.com/m-lab/bundler/fingerprint"
	"github.com/m-lab/bundler/metrics"
)

// Expiration is how long an unmatched MarkedInstant is kept before it is
// evicted on a later lookup.
const Expiration = 2 * time.Second

// epochID is the process-wide monotonic counter behind every MarkedInstant's
// EpochID. It is a single atomic counter rather than a value owned by
// History because multiple bundles (and hence multiple History instances)
// must never reuse an epoch_id.
var epochID uint64

// MarkedInstant records one shaper-report event: a packet selected for
// epoch-boundary reporting crossed the shaper at Time, with the aggregate
// send byte clock at SendByteClock.
type MarkedInstant struct {
	Time          time.Time
	Fingerprint   fingerprint.Fingerprint
	SendByteClock uint64
	EpochID       uint64
	// Late is set when this mark's matching feedback arrived after a
	// later mark's feedback already matched. It means this mark was
	// overtaken: its own feedback may still arrive, or may never arrive.
	Late bool
}

// History is an ordered collection of outstanding MarkedInstants, indexed by
// insertion order, as required for its FIFO tie-break on fingerprint
// collision: the outbox reports in capture order, so the oldest entry is
// the likeliest true correspondent. History is not goroutine-safe; it is
// exclusively owned by the control loop.
type History struct {
	marks *list.List // of MarkedInstant, oldest at Front
}

// New returns an empty mark history.
func New() *History {
	return &History{marks: list.New()}
}

// Insert records a new mark and returns its globally monotonic epoch_id.
func (h *History) Insert(fp fingerprint.Fingerprint, when time.Time, sendByteClock uint64) uint64 {
	id := atomic.AddUint64(&epochID, 1) - 1
	h.marks.PushBack(MarkedInstant{
		Time:          when,
		Fingerprint:   fp,
		SendByteClock: sendByteClock,
		EpochID:       id,
	})
	return id
}

// Get looks up the oldest outstanding mark with the given fingerprint:
//  1. scan for the first (oldest) entry with a matching fingerprint;
//  2. if none is found, return false;
//  3. mark every strictly-older entry as late: their own feedback was
//     evidently lost or reordered past this one;
//  4. remove the matched entry, and also evict any entry whose age has
//     reached the 2s TTL;
//  5. return the matched entry, with whatever Late value step 3 gave it.
//
// A matched entry that has itself aged past the TTL is evicted rather than
// returned: feedback for a 2-second-old mark describes an epoch too stale
// to fold into the running estimate.
func (h *History) Get(now time.Time, fp fingerprint.Fingerprint) (MarkedInstant, bool) {
	var match *list.Element
	for e := h.marks.Front(); e != nil; e = e.Next() {
		if e.Value.(MarkedInstant).Fingerprint == fp {
			match = e
			break
		}
	}
	if match == nil {
		return MarkedInstant{}, false
	}

	result := match.Value.(MarkedInstant)
	if now.Sub(result.Time) >= Expiration {
		// Everything at or before the match is at least as old, so the
		// eviction pass below removes the match too.
		h.evictExpired(now)
		return MarkedInstant{}, false
	}

	for e := h.marks.Front(); e != match; e = e.Next() {
		mi := e.Value.(MarkedInstant)
		if !mi.Late {
			metrics.MarksLateCount.Inc()
		}
		mi.Late = true
		e.Value = mi
	}

	h.marks.Remove(match)
	h.evictExpired(now)

	return result, true
}

func (h *History) evictExpired(now time.Time) {
	for e := h.marks.Front(); e != nil; {
		next := e.Next()
		if now.Sub(e.Value.(MarkedInstant).Time) >= Expiration {
			metrics.MarksEvictedCount.Inc()
			h.marks.Remove(e)
		}
		e = next
	}
}

// Len returns the number of outstanding marks, for tests and diagnostics.
func (h *History) Len() int {
	return h.marks.Len()
}
