package prioritizer

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"syscall"
	"time"

	"github.com/vishvananda/netlink/nl"
	"golang.org/x/sys/unix"
)

// tcpfAll is TCPF_ALL: a bitmask covering every TCP state, used to
// request a dump of every socket regardless of what state it's in.
const tcpfAll = 0xFFF

// ErrBadSequence and ErrBadPid report a netlink response that does not
// belong to the dump request this process sent.
var (
	ErrBadSequence = errors.New("prioritizer: bad netlink sequence number")
	ErrBadPid      = errors.New("prioritizer: bad netlink pid")
)

// inetDiagReqV2 is the fixed-size INET_DIAG_REQ_V2 payload, laid out per
// linux/inet_diag.h.
type inetDiagReqV2 struct {
	Family   uint8
	Protocol uint8
	Ext      uint8
	Pad      uint8
	States   uint32
	ID       [48]byte // struct inet_diag_sockid: sport 2, dport 2, src 16, dst 16, if 4, cookie 8
}

func (r *inetDiagReqV2) Serialize() []byte {
	buf := make([]byte, 8+len(r.ID))
	buf[0] = r.Family
	buf[1] = r.Protocol
	buf[2] = r.Ext
	buf[3] = r.Pad
	nl.NativeEndian().PutUint32(buf[4:8], r.States)
	copy(buf[8:], r.ID[:])
	return buf
}

func (r *inetDiagReqV2) Len() int { return 8 + len(r.ID) }

const sockDiagByFamily = 20 // SOCK_DIAG_BY_FAMILY

// Watcher enumerates live TCP flows via a raw INET_DIAG netlink dump,
// reduced to the single piece this package needs: a flat list of
// 4-tuples, fed straight into Policy.Priority through
// Prioritizer.Announce. Per-socket diagnostic payloads (TCP_INFO, memory
// info, congestion-control extensions) are deliberately not parsed; the
// Prioritizer only needs flow identity.
type Watcher struct {
	family uint8 // syscall.AF_INET or syscall.AF_INET6
}

// NewWatcher returns a Watcher for the given address family.
func NewWatcher(family uint8) *Watcher {
	return &Watcher{family: family}
}

// Scan performs one netlink INET_DIAG dump and returns every flow's
// 4-tuple, in the address family this Watcher was built for.
func (w *Watcher) Scan() ([]FlowKey, error) {
	req := nl.NewNetlinkRequest(sockDiagByFamily, syscall.NLM_F_DUMP|syscall.NLM_F_REQUEST)
	msg := &inetDiagReqV2{
		Family:   w.family,
		Protocol: syscall.IPPROTO_TCP,
		States:   tcpfAll,
	}
	req.AddData(msg)

	sock, err := nl.Subscribe(syscall.NETLINK_INET_DIAG)
	if err != nil {
		return nil, fmt.Errorf("prioritizer: netlink subscribe: %w", err)
	}
	defer sock.Close()

	if err := sock.Send(req); err != nil {
		return nil, fmt.Errorf("prioritizer: netlink send: %w", err)
	}
	pid, err := sock.GetPid()
	if err != nil {
		return nil, err
	}

	var flows []FlowKey
	for {
		msgs, _, err := sock.Receive()
		if err != nil {
			return flows, err
		}
		done := false
		for i := range msgs {
			m := &msgs[i]
			if m.Header.Seq != req.Seq {
				return flows, ErrBadSequence
			}
			if m.Header.Pid != pid {
				return flows, ErrBadPid
			}
			if m.Header.Type == unix.NLMSG_DONE {
				done = true
				break
			}
			if m.Header.Type == unix.NLMSG_ERROR {
				done = true
				break
			}
			if fk, ok := parseFlowKey(m.Data); ok {
				flows = append(flows, fk)
			}
			if m.Header.Flags&unix.NLM_F_MULTI == 0 {
				done = true
			}
		}
		if done {
			return flows, nil
		}
	}
}

// Run rescans the kernel's socket table every interval and reconciles p's
// tracked flows against the result, until ctx is canceled. A scan error is
// logged and the next tick retried: a transient netlink failure should not
// kill the watcher.
func (w *Watcher) Run(ctx context.Context, interval time.Duration, p *Prioritizer) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			flows, err := w.Scan()
			if err != nil {
				log.Printf("prioritizer: flow scan: %v", err)
				continue
			}
			Reconcile(p, flows)
		}
	}
}

// Reconcile folds one scan's flow list into p: flows not yet tracked are
// announced, tracked flows that no longer appear are forgotten.
func Reconcile(p *Prioritizer, flows []FlowKey) {
	tracked := p.Priorities()
	seen := make(map[FlowKey]bool, len(flows))
	for _, fk := range flows {
		seen[fk] = true
		if _, ok := tracked[fk]; !ok {
			p.Announce(fk)
		}
	}
	for fk := range tracked {
		if !seen[fk] {
			p.Forget(fk)
		}
	}
}

// parseFlowKey reads the inet_diag_sockid embedded in a netlink
// response's inet_diag_msg. The sockid starts 4 bytes in (after family,
// state, timer, retrans) and lays out sport 2, dport 2, src 16, dst 16,
// if 4, cookie 8. Ports and addresses arrive in network byte order; only
// the leading 4 bytes of each 16-byte address are read, which is where
// the kernel puts an IPv4 address.
func parseFlowKey(data []byte) (FlowKey, bool) {
	const sockIDOffset = 4
	const sockIDLen = 48
	if len(data) < sockIDOffset+sockIDLen {
		return FlowKey{}, false
	}
	id := data[sockIDOffset:]
	sport := uint16(id[0])<<8 | uint16(id[1])
	dport := uint16(id[2])<<8 | uint16(id[3])
	srcIP := binary.BigEndian.Uint32(id[4:8])
	dstIP := binary.BigEndian.Uint32(id[20:24])
	return FlowKey{SrcIP: srcIP, SrcPort: sport, DstIP: dstIP, DstPort: dport}, true
}
