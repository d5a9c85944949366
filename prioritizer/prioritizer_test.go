package prioritizer_test

import (
	"context"
	"testing"
	"time"

	"github.com/m-lab/bundler/announce"
	"github.com/m-lab/bundler/prioritizer"
)

type recordingServer struct {
	created, deleted int
}

func (r *recordingServer) Listen() error                   { return nil }
func (r *recordingServer) Serve(context.Context) error      { return nil }
func (r *recordingServer) FlowCreated(time.Time, string, uint32, uint16, uint32, uint16) {
	r.created++
}
func (r *recordingServer) FlowDeleted(time.Time, string) { r.deleted++ }

func TestAnnounceServerReceivesLifecycleEvents(t *testing.T) {
	rec := &recordingServer{}
	p := prioritizer.New(prioritizer.Constant(1), prioritizer.WithAnnounceServer(rec))
	fk := prioritizer.FlowKey{SrcIP: 1, SrcPort: 2, DstIP: 3, DstPort: 4}

	p.Announce(fk)
	p.Forget(fk)

	if rec.created != 1 || rec.deleted != 1 {
		t.Errorf("got created=%d deleted=%d, want 1/1", rec.created, rec.deleted)
	}
}

var _ announce.Server = (*recordingServer)(nil)

func TestConstantPolicy(t *testing.T) {
	p := prioritizer.New(prioritizer.Constant(3))
	fk := prioritizer.FlowKey{SrcIP: 1, SrcPort: 2, DstIP: 3, DstPort: 4}
	if got := p.Announce(fk); got != 3 {
		t.Errorf("got %d, want 3", got)
	}
}

func TestNilPolicyDefaultsToConstantOne(t *testing.T) {
	p := prioritizer.New(nil)
	fk := prioritizer.FlowKey{SrcIP: 1}
	if got := p.Announce(fk); got != 1 {
		t.Errorf("got %d, want 1", got)
	}
}

func TestForgetRemovesFlow(t *testing.T) {
	p := prioritizer.New(prioritizer.Constant(1))
	fk := prioritizer.FlowKey{SrcIP: 9}
	p.Announce(fk)
	p.Forget(fk)
	if _, ok := p.Priorities()[fk]; ok {
		t.Error("expected flow to be forgotten")
	}
}

type roundRobin struct{ n uint16 }

func (r *roundRobin) Priority(prioritizer.FlowKey) uint16 {
	r.n++
	return r.n
}

func TestCustomPolicy(t *testing.T) {
	p := prioritizer.New(&roundRobin{})
	fk1 := prioritizer.FlowKey{SrcPort: 1}
	fk2 := prioritizer.FlowKey{SrcPort: 2}
	if got := p.Announce(fk1); got != 1 {
		t.Errorf("got %d, want 1", got)
	}
	if got := p.Announce(fk2); got != 2 {
		t.Errorf("got %d, want 2", got)
	}
	if len(p.Priorities()) != 2 {
		t.Errorf("expected 2 tracked flows, got %d", len(p.Priorities()))
	}
}
