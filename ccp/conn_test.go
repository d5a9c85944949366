package ccp_test

import (
	"testing"

	"github.com/m-lab/bundler/ccp"
	"github.com/m-lab/bundler/shaper"
)

type fakeQdisc struct{ lastRate uint32 }

func (f *fakeQdisc) SetRate(bps uint32) error {
	f.lastRate = bps
	return nil
}

func TestSetCwndZeroUsesDefault(t *testing.T) {
	q := &fakeQdisc{}
	a := shaper.New(q, shaper.WithDynamicEpoch(false))
	ops := ccp.QdiscOps{Qdisc: a}
	ops.SetCwnd(0)
	// No RTT is known yet, so the window cannot bind a rate until one
	// arrives: the substituted 15000 bytes over a 10ms RTT is 1,500,000 Bps.
	if err := a.UpdateRTT(10_000_000); err != nil {
		t.Fatal(err)
	}
	if q.lastRate != 1_500_000 {
		t.Errorf("lastRate = %d, want 1500000 (default 15000-byte cwnd over 10ms)", q.lastRate)
	}
}

func TestSetRateAbsForwards(t *testing.T) {
	q := &fakeQdisc{}
	a := shaper.New(q, shaper.WithDynamicEpoch(false))
	ops := ccp.QdiscOps{Qdisc: a}
	ops.SetRateAbs(12345)
	if q.lastRate != 12345 {
		t.Errorf("lastRate = %d, want 12345", q.lastRate)
	}
}
