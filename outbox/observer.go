package outbox

import (
	"context"
	"log"
	"net"
	"time"

	"github.com/m-lab/bundler/wire"
)

// Observer runs the outbox's standalone event loop: read fingerprint
// matches from an EpochDetector and report each one to the inbox's side
// channel, while a second goroutine listens for ReportEpochLength updates
// from the inbox and feeds them to the SampleRateControl the detector
// polls.
type Observer struct {
	bundleID   uint32
	detector   *EpochDetector
	sampleRate *SampleRateControl
	conn       *net.UDPConn
	inboxAddr  *net.UDPAddr
}

// NewObserver returns an Observer that reports matches from detector to
// inboxAddr over conn, and applies epoch-length updates received on conn to
// sampleRate.
func NewObserver(bundleID uint32, detector *EpochDetector, sampleRate *SampleRateControl, conn *net.UDPConn, inboxAddr *net.UDPAddr) *Observer {
	return &Observer{
		bundleID:   bundleID,
		detector:   detector,
		sampleRate: sampleRate,
		conn:       conn,
		inboxAddr:  inboxAddr,
	}
}

// Run drives both halves of the loop until ctx is canceled or the packet
// source is exhausted. If the Observer was constructed without a known
// inbox address, Run first blocks on the side-channel socket until a
// datagram arrives and adopts its source as the inbox address.
func (o *Observer) Run(ctx context.Context) error {
	if o.inboxAddr == nil {
		addr, err := o.learnInboxAddr(ctx)
		if err != nil {
			return err
		}
		o.inboxAddr = addr
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		o.listenForEpochUpdates(ctx)
	}()

	for {
		select {
		case <-ctx.Done():
			// Unblock the epoch-update reader so it can see the cancellation.
			o.conn.SetReadDeadline(time.Now())
			<-done
			return ctx.Err()
		default:
		}

		m, err := o.detector.Next()
		if err != nil {
			return err
		}

		fb := wire.OutboxFeedback{
			BundleID:    o.bundleID,
			Fingerprint: uint32(m.Fingerprint),
			EpochBytes:  m.BytesRecvd,
			EpochTimeNs: uint64(m.Time.UnixNano()),
		}
		if _, err := o.conn.WriteToUDP(fb.Encode(), o.inboxAddr); err != nil {
			log.Printf("outbox: report feedback: %v", err)
		}
	}
}

// learnInboxAddr blocks on the side-channel socket until a datagram
// arrives, treating its source as the inbox. If that first datagram is a
// full 8-byte ReportEpochLength for this bundle, it is applied immediately
// rather than discarded.
func (o *Observer) learnInboxAddr(ctx context.Context) (*net.UDPAddr, error) {
	buf := make([]byte, wire.ReportEpochLengthSize)
	for {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		n, addr, err := o.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.Printf("outbox: waiting for inbox first contact: %v", err)
			continue
		}
		log.Printf("outbox: learned inbox address %s from first contact", addr)
		if msg, derr := wire.DecodeReportEpochLength(buf[:n]); derr == nil && msg.BundleID == o.bundleID {
			o.sampleRate.Set(msg.EpochLengthPkts)
		}
		return addr, nil
	}
}

// listenForEpochUpdates reads ReportEpochLength datagrams arriving on the
// shared side-channel socket and applies them to sampleRate.
func (o *Observer) listenForEpochUpdates(ctx context.Context) {
	buf := make([]byte, wire.ReportEpochLengthSize)
	for {
		if ctx.Err() != nil {
			return
		}
		n, _, err := o.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("outbox: read epoch update: %v", err)
			continue
		}
		msg, err := wire.DecodeReportEpochLength(buf[:n])
		if err != nil {
			continue
		}
		if msg.BundleID != o.bundleID {
			continue
		}
		o.sampleRate.Set(msg.EpochLengthPkts)
	}
}
