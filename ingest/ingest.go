// Package ingest adapts the blocking-socket-read loops the control loop
// depends on into channels it can select over: one goroutine per socket,
// reading, decoding, and forwarding in FIFO order.
package ingest

import (
	"context"
	"log"
	"net"

	"github.com/m-lab/bundler/wire"
)

// QdiscFeedback is delivered whenever the shaper reports a marked packet
// crossing the qdisc.
type QdiscFeedback = wire.QdiscFeedback

// OutboxFeedback is delivered whenever the outbox reports a marked packet
// it observed.
type OutboxFeedback = wire.OutboxFeedback

// QdiscIngest reads the shaper control channel (a UNIX or UDP datagram
// socket, whichever the shaper was configured with) and fans its messages
// out by type: QdiscFeedback on the first channel, FlowAnnounce on the
// second. One reader per socket, since the shaper multiplexes both
// message kinds onto the same datagram stream.
func QdiscIngest(ctx context.Context, conn net.PacketConn) (<-chan QdiscFeedback, <-chan wire.FlowAnnounce) {
	out := make(chan QdiscFeedback)
	announce := make(chan wire.FlowAnnounce)
	go func() {
		defer close(out)
		defer close(announce)
		buf := make([]byte, 1024)
		for ctx.Err() == nil {
			n, _, err := conn.ReadFrom(buf)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Printf("ingest: qdisc read: %v", err)
				continue
			}
			msg, err := wire.DecodeShaperMessage(buf[:n])
			if err != nil {
				log.Printf("ingest: qdisc decode: %v", err)
				continue
			}
			switch m := msg.(type) {
			case QdiscFeedback:
				select {
				case out <- m:
				case <-ctx.Done():
					return
				}
			case wire.FlowAnnounce:
				select {
				case announce <- m:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, announce
}

// OutboxIngest reads OutboxFeedback datagrams off a UDP socket (the
// sender-side half of the side channel) and publishes them on a channel.
func OutboxIngest(ctx context.Context, conn *net.UDPConn) <-chan OutboxFeedback {
	out := make(chan OutboxFeedback)
	go func() {
		defer close(out)
		buf := make([]byte, wire.OutboxFeedbackSize)
		for ctx.Err() == nil {
			n, _, err := conn.ReadFromUDP(buf)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Printf("ingest: outbox read: %v", err)
				continue
			}
			fb, err := wire.DecodeOutboxFeedback(buf[:n])
			if err != nil {
				log.Printf("ingest: outbox decode: %v", err)
				continue
			}
			select {
			case out <- fb:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
