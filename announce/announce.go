// Package announce fans out flow lifecycle notifications over a
// unix-domain JSONL socket, for any number of external observers: a
// dashboard, a log shipper, a debugging shell session.
package announce

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"os"
	"sync"
	"time"

	"github.com/m-lab/bundler/metrics"
)

// TCPEvent is the kind of flow lifecycle event being announced.
type TCPEvent int

const (
	// Open is sent when the shaper classifies a new flow into a bundle.
	Open = TCPEvent(iota)
	// Close is sent when a flow leaves the bundle.
	Close
)

// String renders a TCPEvent for logging and JSON encoding mismatches.
func (e TCPEvent) String() string {
	switch e {
	case Open:
		return "Open"
	case Close:
		return "Close"
	default:
		return fmt.Sprintf("TCPEvent(%d)", int(e))
	}
}

// FlowEvent is the JSONL record sent down the socket to clients. Timestamp,
// Event, and FlowID are always present; the 4-tuple fields are only set on
// Open.
type FlowEvent struct {
	Event     TCPEvent
	Timestamp time.Time
	FlowID    string
	SrcIP     uint32 `json:",omitempty"`
	SrcPort   uint16 `json:",omitempty"`
	DstIP     uint32 `json:",omitempty"`
	DstPort   uint16 `json:",omitempty"`
}

// Server is the interface satisfied by New and NullServer: something the
// Prioritizer can notify whenever a flow is announced or forgotten.
type Server interface {
	Listen() error
	Serve(context.Context) error
	FlowCreated(timestamp time.Time, flowID string, srcIP uint32, srcPort uint16, dstIP uint32, dstPort uint16)
	FlowDeleted(timestamp time.Time, flowID string)
}

type server struct {
	eventC       chan *FlowEvent
	filename     string
	clients      map[net.Conn]struct{}
	unixListener net.Listener
	mutex        sync.Mutex
	servingWG    sync.WaitGroup
}

// New makes a new Server that serves clients on the provided unix-domain
// socket path.
func New(filename string) Server {
	return &server{
		filename: filename,
		eventC:   make(chan *FlowEvent, 100),
		clients:  make(map[net.Conn]struct{}),
	}
}

func (s *server) addClient(c net.Conn) {
	log.Println("announce: new client", c)
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.clients[c] = struct{}{}
}

func (s *server) removeClient(c net.Conn) {
	s.servingWG.Add(1)
	defer s.servingWG.Done()
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if _, ok := s.clients[c]; !ok {
		return
	}
	delete(s.clients, c)
}

func (s *server) sendToAllListeners(data string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	for c := range s.clients {
		if _, err := fmt.Fprintln(c, data); err != nil {
			log.Println("announce: write to client", c, "failed:", err, "- removing it")
			go s.removeClient(c)
			go c.Close()
		}
	}
}

func (s *server) notifyClients(ctx context.Context) {
	s.servingWG.Add(1)
	defer s.servingWG.Done()
	for ctx.Err() == nil {
		event := <-s.eventC
		var b []byte
		var err error
		if event != nil {
			b, err = json.Marshal(*event)
		}
		if event == nil || err != nil {
			log.Printf("announce: bad event %v (err: %v)\n", event, err)
			continue
		}
		s.sendToAllListeners(string(b))
	}
}

// Listen opens the unix-domain socket. Call Serve afterward to start
// accepting connections; this split lets a caller guarantee the socket
// exists before signaling readiness elsewhere.
func (s *server) Listen() error {
	s.servingWG.Add(1)
	// A prior unclean shutdown can leave a stale socket file behind.
	os.Remove(s.filename)
	var err error
	s.unixListener, err = net.Listen("unix", s.filename)
	return err
}

// Serve accepts and registers clients until ctx is canceled.
func (s *server) Serve(ctx context.Context) error {
	defer s.servingWG.Done()
	derivedCtx, derivedCancel := context.WithCancel(ctx)
	defer derivedCancel()

	go s.notifyClients(derivedCtx)

	s.servingWG.Add(1)
	go func() {
		<-derivedCtx.Done()
		s.unixListener.Close()
		close(s.eventC)
		s.servingWG.Done()
	}()

	var err error
	for derivedCtx.Err() == nil {
		var conn net.Conn
		conn, err = s.unixListener.Accept()
		if err != nil {
			log.Printf("announce: accept on %q failed: %s\n", s.filename, err)
			continue
		}
		s.addClient(conn)
	}
	return err
}

// FlowCreated announces that flowID has been classified into the bundle
// with the given 4-tuple.
func (s *server) FlowCreated(timestamp time.Time, flowID string, srcIP uint32, srcPort uint16, dstIP uint32, dstPort uint16) {
	s.eventC <- &FlowEvent{
		Event:     Open,
		Timestamp: timestamp,
		FlowID:    flowID,
		SrcIP:     srcIP,
		SrcPort:   srcPort,
		DstIP:     dstIP,
		DstPort:   dstPort,
	}
	metrics.FlowEventsCounter.WithLabelValues("open").Inc()
}

// FlowDeleted announces that flowID has left the bundle.
func (s *server) FlowDeleted(timestamp time.Time, flowID string) {
	s.eventC <- &FlowEvent{
		Event:     Close,
		Timestamp: timestamp,
		FlowID:    flowID,
	}
	metrics.FlowEventsCounter.WithLabelValues("close").Inc()
}

type nullServer struct{}

func (nullServer) Listen() error           { return nil }
func (nullServer) Serve(context.Context) error { return nil }
func (nullServer) FlowCreated(time.Time, string, uint32, uint16, uint32, uint16) {}
func (nullServer) FlowDeleted(time.Time, string)                                {}

// NullServer returns a Server that does nothing, so callers that don't care
// about announce fan-out don't need a nil check.
func NullServer() Server {
	return nullServer{}
}
