package announce

import (
	"bufio"
	"context"
	"encoding/json"
	"log"
	"net"
	"strings"
	"time"

	"github.com/m-lab/go/rtx"
)

// Handler is implemented by anything that wants to consume announce
// notifications, e.g. a debugging CLI or a metrics shipper.
type Handler interface {
	Open(timestamp time.Time, flowID string, srcIP uint32, srcPort uint16, dstIP uint32, dstPort uint16)
	Close(timestamp time.Time, flowID string)
}

// MustRun reads from the given unix-domain socket until ctx is canceled,
// dispatching every decoded FlowEvent to handler. Any connection error other
// than the socket closing normally is fatal.
func MustRun(ctx context.Context, socket string, handler Handler) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c, err := net.Dial("unix", socket)
	rtx.Must(err, "announce: could not connect to %q", socket)
	go func() {
		<-ctx.Done()
		c.Close()
	}()

	s := bufio.NewScanner(c)
	for s.Scan() {
		var event FlowEvent
		rtx.Must(json.Unmarshal(s.Bytes(), &event), "announce: could not unmarshal event")
		switch event.Event {
		case Open:
			handler.Open(event.Timestamp, event.FlowID, event.SrcIP, event.SrcPort, event.DstIP, event.DstPort)
		case Close:
			handler.Close(event.Timestamp, event.FlowID)
		default:
			log.Println("announce: unknown event type:", event.Event)
		}
	}

	err = s.Err()
	if err != nil && strings.Contains(err.Error(), "use of closed network connection") {
		err = nil
	}
	rtx.Must(err, "announce: scanning of %q died with non-EOF error", socket)
}
