package shaper

import (
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/vishvananda/netlink"

	"github.com/m-lab/bundler/wire"
)

// TBFQdisc drives a real Linux token-bucket-filter qdisc on a named
// interface through rtnetlink.
type TBFQdisc struct {
	link   netlink.Link
	handle netlink.QdiscAttrs
}

// NewTBFQdisc looks up ifaceName and addresses the root TBF qdisc at the
// given major:minor handle. It does not check that such a qdisc exists;
// SetRate replaces (or creates) it.
func NewTBFQdisc(ifaceName string, tcMajor, tcMinor uint16) (*TBFQdisc, error) {
	link, err := netlink.LinkByName(ifaceName)
	if err != nil {
		return nil, fmt.Errorf("shaper: link %q: %w", ifaceName, err)
	}
	return &TBFQdisc{
		link: link,
		handle: netlink.QdiscAttrs{
			LinkIndex: link.Attrs().Index,
			Handle:    netlink.MakeHandle(tcMajor, tcMinor),
			Parent:    netlink.HANDLE_ROOT,
		},
	}, nil
}

// SetRate replaces the TBF qdisc's rate. Any minimum-rate floor is the
// Adapter's responsibility (WithMinRateBps); this driver applies exactly
// what it is given.
func (q *TBFQdisc) SetRate(bytesPerSec uint32) error {
	tbf := &netlink.Tbf{
		QdiscAttrs: q.handle,
		Rate:       uint64(bytesPerSec),
		Limit:      100_000,
		Buffer:     100_000,
	}
	return netlink.QdiscReplace(tbf)
}

// SideChannel owns the UDP socket pair Adapter uses to report its epoch
// length to both the outbox (so packet marking stays in step) and the
// inbox's own control channel, and to learn the outbox's address the first
// time it sends feedback.
type SideChannel struct {
	bundleID uint32

	conn        *net.UDPConn
	controlAddr *net.UDPAddr

	mu         sync.Mutex
	outboxAddr *net.UDPAddr
}

// NewSideChannel opens a UDP socket bound to localAddr for outbox discovery
// and feedback receipt, and records controlAddr as the inbox control
// channel's address.
func NewSideChannel(bundleID uint32, localAddr, controlAddr *net.UDPAddr) (*SideChannel, error) {
	conn, err := net.ListenUDP("udp", localAddr)
	if err != nil {
		return nil, fmt.Errorf("shaper: listen %v: %w", localAddr, err)
	}
	return &SideChannel{bundleID: bundleID, conn: conn, controlAddr: controlAddr}, nil
}

// ObserveSender records the address an OutboxFeedback datagram arrived
// from, so later ReportEpochLength calls know where to send. Safe to call
// repeatedly; the most recent sender wins.
func (s *SideChannel) ObserveSender(addr *net.UDPAddr) {
	s.mu.Lock()
	s.outboxAddr = addr
	s.mu.Unlock()
}

// ReadFeedback blocks for the next OutboxFeedback datagram, recording its
// sender as the outbox address as a side effect.
func (s *SideChannel) ReadFeedback() (wire.OutboxFeedback, error) {
	buf := make([]byte, wire.OutboxFeedbackSize)
	n, addr, err := s.conn.ReadFromUDP(buf)
	if err != nil {
		return wire.OutboxFeedback{}, err
	}
	fb, err := wire.DecodeOutboxFeedback(buf[:n])
	if err != nil {
		return wire.OutboxFeedback{}, err
	}
	s.ObserveSender(addr)
	return fb, nil
}

// ReportEpochLength tells the outbox (if its address has been discovered)
// and the local control channel about a new sample interval.
func (s *SideChannel) ReportEpochLength(epochLenPkts uint32) {
	s.mu.Lock()
	outboxAddr := s.outboxAddr
	s.mu.Unlock()

	if outboxAddr != nil {
		msg := wire.ReportEpochLength{BundleID: s.bundleID, EpochLengthPkts: epochLenPkts}
		if _, err := s.conn.WriteToUDP(msg.Encode(), outboxAddr); err != nil {
			log.Printf("shaper: report epoch length to outbox: %v", err)
		}
	}

	msg := wire.UpdateSampleRate{BundleID: s.bundleID, SampleRate: epochLenPkts}
	if _, err := s.conn.WriteToUDP(msg.Encode(), s.controlAddr); err != nil {
		log.Printf("shaper: report epoch length to control channel: %v", err)
	}
}

// LocalAddr returns the address this side channel is listening on.
func (s *SideChannel) LocalAddr() string {
	return s.conn.LocalAddr().String()
}

// SetReadDeadline bounds the next ReadFeedback call, as net.Conn does.
func (s *SideChannel) SetReadDeadline(t time.Time) error {
	return s.conn.SetReadDeadline(t)
}

// Close releases the underlying socket.
func (s *SideChannel) Close() error {
	return s.conn.Close()
}
