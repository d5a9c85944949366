package ccp

import "github.com/m-lab/bundler/shaper"

// defaultCwndBytes is substituted whenever the algorithm asks for a zero
// congestion window, which would otherwise stall the bundle entirely.
const defaultCwndBytes = 15_000

// QdiscOps adapts a shaper.Adapter to the CongestionOps interface,
// forwarding the algorithm's cwnd and rate decisions onto the qdisc.
type QdiscOps struct {
	Qdisc *shaper.Adapter
}

// SetCwnd forwards to the qdisc's SetApproxCwnd, substituting
// defaultCwndBytes for a zero request.
func (q QdiscOps) SetCwnd(cwnd uint32) {
	if cwnd == 0 {
		cwnd = defaultCwndBytes
	}
	_ = q.Qdisc.SetApproxCwnd(cwnd)
}

// SetRateAbs forwards to the qdisc's SetRate.
func (q QdiscOps) SetRateAbs(rate uint32) {
	_ = q.Qdisc.SetRate(rate)
}
