package epoch_test

import (
	"testing"
	"time"

	"github.com/m-lab/bundler/epoch"
)

func TestNewWindowPanicsOnZero(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for zero-size window")
		}
	}()
	epoch.NewWindow(0)
}

func TestWindowRateBps(t *testing.T) {
	w := epoch.NewWindow(2)
	w.Push(epoch.Sample{ElapsedNs: 1e9, Bytes: 1000})
	if got := w.RateBps(); got != 1000 {
		t.Errorf("got %v, want 1000", got)
	}
	w.Push(epoch.Sample{ElapsedNs: 1e9, Bytes: 3000})
	if got := w.RateBps(); got != 2000 {
		t.Errorf("got %v, want 2000 (avg over 2 samples)", got)
	}
	// A third push evicts the first sample; the window now holds only
	// the second and third.
	w.Push(epoch.Sample{ElapsedNs: 1e9, Bytes: 5000})
	if got := w.RateBps(); got != 4000 {
		t.Errorf("got %v, want 4000", got)
	}
	if w.Len() != 2 {
		t.Errorf("got len %d, want 2", w.Len())
	}
}

func TestWindowEmptyRateIsZero(t *testing.T) {
	w := epoch.NewWindow(4)
	if got := w.RateBps(); got != 0 {
		t.Errorf("got %v, want 0 for empty window", got)
	}
}

func TestResizeShrinksAndEvicts(t *testing.T) {
	w := epoch.NewWindow(4)
	w.Push(epoch.Sample{ElapsedNs: 1e9, Bytes: 100})
	w.Push(epoch.Sample{ElapsedNs: 1e9, Bytes: 200})
	w.Push(epoch.Sample{ElapsedNs: 1e9, Bytes: 300})
	w.Resize(1)
	if w.Len() != 1 {
		t.Fatalf("got len %d, want 1", w.Len())
	}
	if got := w.RateBps(); got != 300 {
		t.Errorf("got %v, want 300 (only newest sample retained)", got)
	}
}

func TestResizePanicsOnZero(t *testing.T) {
	w := epoch.NewWindow(2)
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for zero-size resize")
		}
	}()
	w.Resize(0)
}

func TestAggregatorGotEpoch(t *testing.T) {
	a := epoch.NewAggregator(1)
	sendRate, recvRate := a.GotEpoch(1e9, 1000, 1e9, 900)
	if sendRate != 1000 {
		t.Errorf("sendRate = %v, want 1000", sendRate)
	}
	if recvRate != 900 {
		t.Errorf("recvRate = %v, want 900", recvRate)
	}
}

func TestAggregatorResize(t *testing.T) {
	a := epoch.NewAggregator(4)
	a.GotEpoch(1e9, 100, 1e9, 100)
	a.GotEpoch(1e9, 200, 1e9, 200)
	a.Resize(1)
	if a.Sending.Len() != 1 || a.Receiving.Len() != 1 {
		t.Fatalf("expected both windows resized to len 1, got send=%d recv=%d", a.Sending.Len(), a.Receiving.Len())
	}
}

func TestElapsedSinceSaturates(t *testing.T) {
	now := time.Now()
	earlier := now.Add(-time.Second)
	later := now.Add(time.Second)

	if got := epoch.ElapsedSince(earlier, now); got != uint64(time.Second.Nanoseconds()) {
		t.Errorf("got %d, want 1s in ns", got)
	}
	if got := epoch.ElapsedSince(later, now); got != 0 {
		t.Errorf("got %d, want 0 (saturating, ref after now)", got)
	}
}
