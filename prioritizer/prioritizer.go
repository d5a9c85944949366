// Package prioritizer assigns per-flow priorities inside a bundle through
// a pluggable policy, plus an optional socket-diagnostics-backed flow
// enumerator that keeps its set of tracked flows in step with the kernel's
// socket table.
package prioritizer

import (
	"fmt"
	"sync"
	"time"

	"github.com/m-lab/bundler/announce"
)

// FlowKey identifies one TCP flow inside a bundle by its 4-tuple, matching
// the fields carried on the wire in a FlowAnnounce message.
type FlowKey struct {
	SrcIP   uint32
	SrcPort uint16
	DstIP   uint32
	DstPort uint16
}

// Policy assigns a priority to a flow. Lower values are higher priority,
// matching the FlowPrio field on the shaper control channel.
type Policy interface {
	Priority(FlowKey) uint16
}

// Constant is the default Policy: absent any other signal, every flow in
// the bundle gets the same fixed priority.
type Constant uint16

// Priority always returns the fixed value c.
func (c Constant) Priority(FlowKey) uint16 {
	return uint16(c)
}

// Prioritizer assigns priorities to every flow currently known in a bundle;
// it does not talk to the shaper itself (the control loop forwards the
// priority of each shaper-announced flow). It is safe for
// concurrent use: the control loop announces shaper-classified flows while
// a Watcher may reconcile against the kernel's socket table.
type Prioritizer struct {
	policy   Policy
	announce announce.Server

	mu    sync.Mutex
	flows map[FlowKey]uint16
}

// Option configures a Prioritizer at construction.
type Option func(*Prioritizer)

// WithAnnounceServer fans every Announce/Forget call out over srv, so
// external observers (a debugging client, a metrics shipper) see bundle
// membership change in real time. Defaults to announce.NullServer().
func WithAnnounceServer(srv announce.Server) Option {
	return func(p *Prioritizer) { p.announce = srv }
}

// New returns a Prioritizer using policy to assign priorities. A nil policy
// defaults to Constant(1).
func New(policy Policy, opts ...Option) *Prioritizer {
	if policy == nil {
		policy = Constant(1)
	}
	p := &Prioritizer{
		policy:   policy,
		flows:    make(map[FlowKey]uint16),
		announce: announce.NullServer(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// flowID renders a FlowKey as the stable string identifier announce events
// carry, since the announce package has no dependency on this one.
func flowID(fk FlowKey) string {
	return fmt.Sprintf("%d:%d-%d:%d", fk.SrcIP, fk.SrcPort, fk.DstIP, fk.DstPort)
}

// Announce records a newly seen flow, fans out a FlowCreated event, and
// returns its assigned priority.
func (p *Prioritizer) Announce(fk FlowKey) uint16 {
	prio := p.policy.Priority(fk)
	p.mu.Lock()
	p.flows[fk] = prio
	p.mu.Unlock()
	p.announce.FlowCreated(time.Now(), flowID(fk), fk.SrcIP, fk.SrcPort, fk.DstIP, fk.DstPort)
	return prio
}

// Forget removes a flow that has closed and fans out a FlowDeleted event.
func (p *Prioritizer) Forget(fk FlowKey) {
	p.mu.Lock()
	delete(p.flows, fk)
	p.mu.Unlock()
	p.announce.FlowDeleted(time.Now(), flowID(fk))
}

// Priorities returns a snapshot of every currently tracked flow's priority.
func (p *Prioritizer) Priorities() map[FlowKey]uint16 {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[FlowKey]uint16, len(p.flows))
	for k, v := range p.flows {
		out[k] = v
	}
	return out
}
