// Package ccp implements the inbox side of the CCP datapath/algorithm
// split: primitives flow out to an external congestion-control algorithm
// process over a pair of UNIX datagram sockets, and cwnd/rate control
// updates flow back.
package ccp

import (
	"log"
	"net"
	"os"
	"path/filepath"

	"github.com/m-lab/bundler/flowstate"
)

// InSocketPath and OutSocketPath are the fixed rendezvous paths the
// algorithm process listens/sends on.
const (
	InSocketPath  = "/tmp/ccp/0/in"
	OutSocketPath = "/tmp/ccp/0/out"
)

// CongestionOps receives the control decisions an external congestion
// algorithm makes in response to a Primitives snapshot.
type CongestionOps interface {
	SetCwnd(bytes uint32)
	SetRateAbs(bytesPerSec uint32)
}

// MessageDecoder turns a raw datagram received from the algorithm process
// into a call against CongestionOps. A real deployment supplies a decoder
// for whatever protocol its algorithm runtime speaks; Serve forwards every
// received datagram to Decode.
type MessageDecoder interface {
	Decode(msg []byte, ops CongestionOps) error
}

// Datapath is the bundler side of the datapath/algorithm connection: it
// sends Primitives snapshots to the algorithm's inbound socket and listens
// on its own outbound socket for control responses.
type Datapath struct {
	inPath    string
	send      *net.UnixConn
	recv      *net.UnixConn
	connected bool
	decoder   MessageDecoder
	ops       CongestionOps

	ready chan struct{}
}

// Open binds the outbound listening socket and dials the sending socket
// at the fixed rendezvous paths, creating the socket directory if it does
// not exist yet.
func Open(decoder MessageDecoder, ops CongestionOps) (*Datapath, error) {
	return OpenAt(InSocketPath, OutSocketPath, decoder, ops)
}

// OpenAt is Open with explicit socket paths, so callers (and tests) can run
// multiple bundles, or avoid the real filesystem, without colliding on
// /tmp/ccp/0.
func OpenAt(inPath, outPath string, decoder MessageDecoder, ops CongestionOps) (*Datapath, error) {
	if err := os.MkdirAll(filepath.Dir(outPath), 0755); err != nil {
		return nil, err
	}
	_ = os.Remove(outPath)

	recv, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: outPath, Net: "unixgram"})
	if err != nil {
		return nil, err
	}

	send, err := net.DialUnix("unixgram", nil, &net.UnixAddr{Name: inPath, Net: "unixgram"})
	// DatapathImpl tolerates the algorithm's socket not existing yet; it
	// just marks itself disconnected and retries on the next send.
	if err != nil {
		send = nil
	}

	return &Datapath{
		inPath:  inPath,
		send:    send,
		recv:    recv,
		decoder: decoder,
		ops:     ops,
		ready:   make(chan struct{}),
	}, nil
}

// SendMsg forwards a primitives update to the algorithm's inbound socket.
// A missing or refused socket is logged at most once per state transition
// and otherwise swallowed, since the algorithm may not have started yet.
func (d *Datapath) SendMsg(msg []byte) {
	if d.send == nil {
		conn, err := net.DialUnix("unixgram", nil, &net.UnixAddr{Name: d.inPath, Net: "unixgram"})
		if err != nil {
			if d.connected {
				log.Printf("ccp: algorithm socket %s not available", d.inPath)
			}
			d.connected = false
			return
		}
		d.send = conn
	}
	if _, err := d.send.Write(msg); err != nil {
		if d.connected {
			log.Printf("ccp: algorithm socket %s unreachable: %v", d.inPath, err)
		}
		d.connected = false
		d.send.Close()
		d.send = nil
		return
	}
	if !d.connected {
		log.Printf("ccp: algorithm socket %s connected", d.inPath)
	}
	d.connected = true
}

// Ready returns a channel that closes once the first message arrives from
// the algorithm process: the control loop blocks invocation on this signal
// until the algorithm is demonstrably up.
func (d *Datapath) Ready() <-chan struct{} {
	return d.ready
}

// Serve reads incoming control datagrams until recv is closed, decoding
// each one via the configured MessageDecoder. The first datagram received
// closes the Ready channel.
func (d *Datapath) Serve() error {
	buf := make([]byte, 1024)
	first := true
	for {
		n, err := d.recv.Read(buf)
		if err != nil {
			return err
		}
		if first {
			close(d.ready)
			first = false
		}
		if d.decoder != nil {
			if err := d.decoder.Decode(buf[:n], d.ops); err != nil {
				log.Printf("ccp: decode control message: %v", err)
			}
		}
	}
}

// Close releases both sockets.
func (d *Datapath) Close() error {
	if d.send != nil {
		d.send.Close()
	}
	return d.recv.Close()
}

// PrimitivesMessage is the datagram payload sent to the algorithm: the
// bundle's current measurement snapshot. The exact serialization is
// algorithm-protocol-specific; this type exists so callers have one place
// to adapt it.
type PrimitivesMessage struct {
	BundleID   uint32
	Primitives flowstate.Primitives
}
