// Package epoch implements the bounded sending/receiving rate windows
// that turn sparse matched-mark events into a trailing-average rate
// estimate.
package epoch

import (
	"container/list"
	"time"
)

// Sample is one measured epoch: it took ElapsedNs nanoseconds to move Bytes
// bytes.
type Sample struct {
	ElapsedNs uint64
	Bytes     uint64
}

// Window is a bounded FIFO of Samples used to compute a trailing-average
// rate. It rejects a zero size: a rate window with no capacity cannot
// produce a rate.
type Window struct {
	size       int
	samples    *list.List
	sumElapsed uint64
	sumBytes   uint64
}

// NewWindow returns a Window holding at most size Samples. It panics if
// size is 0; a zero window is a programming error, not a runtime
// condition.
func NewWindow(size int) *Window {
	if size < 1 {
		panic("epoch: window size must be >= 1")
	}
	return &Window{size: size, samples: list.New()}
}

// Push records a new sample, evicting the oldest if the window is full.
func (w *Window) Push(s Sample) {
	w.samples.PushBack(s)
	w.sumElapsed += s.ElapsedNs
	w.sumBytes += s.Bytes
	for w.samples.Len() > w.size {
		front := w.samples.Front()
		old := front.Value.(Sample)
		w.sumElapsed -= old.ElapsedNs
		w.sumBytes -= old.Bytes
		w.samples.Remove(front)
	}
}

// Resize changes the window's capacity, trimming from the front if it
// shrank. It panics on a zero size for the same reason NewWindow does.
func (w *Window) Resize(size int) {
	if size < 1 {
		panic("epoch: window size must be >= 1")
	}
	w.size = size
	for w.samples.Len() > w.size {
		front := w.samples.Front()
		old := front.Value.(Sample)
		w.sumElapsed -= old.ElapsedNs
		w.sumBytes -= old.Bytes
		w.samples.Remove(front)
	}
}

// RateBps returns the trailing-average rate in bytes per second over
// whatever samples are currently in the window, or 0 if it is empty or the
// elapsed time sums to zero.
func (w *Window) RateBps() float64 {
	if w.sumElapsed == 0 {
		return 0
	}
	return float64(w.sumBytes) / (float64(w.sumElapsed) / 1e9)
}

// Len reports how many samples are currently held.
func (w *Window) Len() int {
	return w.samples.Len()
}

// Aggregator pairs a sending window with a receiving window: the BDP
// estimate needs the send-side rate, and loss accounting needs the
// receive-side rate, so both are kept in lockstep.
type Aggregator struct {
	Sending   *Window
	Receiving *Window
}

// NewAggregator returns an Aggregator with both windows set to the given
// size.
func NewAggregator(size int) *Aggregator {
	return &Aggregator{
		Sending:   NewWindow(size),
		Receiving: NewWindow(size),
	}
}

// Resize changes both windows' capacity in lockstep, called by the control
// loop's tick as it recomputes the epoch window size.
func (a *Aggregator) Resize(size int) {
	a.Sending.Resize(size)
	a.Receiving.Resize(size)
}

// GotEpoch records one matched send/receive epoch pair and returns the
// resulting (sendRateBps, recvRateBps) trailing averages.
func (a *Aggregator) GotEpoch(sendElapsedNs, sendBytes, recvElapsedNs, recvBytes uint64) (sendRateBps, recvRateBps float64) {
	a.Sending.Push(Sample{ElapsedNs: sendElapsedNs, Bytes: sendBytes})
	a.Receiving.Push(Sample{ElapsedNs: recvElapsedNs, Bytes: recvBytes})
	return a.Sending.RateBps(), a.Receiving.RateBps()
}

// elapsedSince is a small helper the flowstate package reuses for
// saturating duration arithmetic against a reference time.
func elapsedSince(ref time.Time, now time.Time) uint64 {
	if now.Before(ref) {
		return 0
	}
	return uint64(now.Sub(ref).Nanoseconds())
}

// ElapsedSince exposes elapsedSince for other packages computing
// rtt_ns/epoch deltas the same saturating way.
func ElapsedSince(ref, now time.Time) uint64 {
	return elapsedSince(ref, now)
}
