package announce

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/go-test/deep"

	"github.com/m-lab/go/rtx"
)

func TestServer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	dir := t.TempDir()

	srv := New(dir + "/announce.sock").(*server)
	rtx.Must(srv.Listen(), "Listen")
	go srv.Serve(ctx)

	c, err := net.Dial("unix", dir+"/announce.sock")
	rtx.Must(err, "Could not open unix domain socket")

	for {
		srv.mutex.Lock()
		length := len(srv.clients)
		srv.mutex.Unlock()
		if length > 0 {
			break
		}
	}

	srv.FlowDeleted(time.Now(), "flow-a")
	r := bufio.NewScanner(c)
	if !r.Scan() {
		t.Fatal("expected a line from the server")
	}
	var event FlowEvent
	rtx.Must(json.Unmarshal(r.Bytes(), &event), "unmarshal")
	if event.Event != Close || event.FlowID != "flow-a" {
		t.Errorf("got %+v, want Close/flow-a", event)
	}

	before := time.Now()
	srv.FlowCreated(time.Now(), "flow-b", 1, 2, 3, 4)
	if !r.Scan() {
		t.Fatal("expected a second line from the server")
	}
	rtx.Must(json.Unmarshal(r.Bytes(), &event), "unmarshal")
	after := time.Now()
	if before.After(event.Timestamp) || after.Before(event.Timestamp) {
		t.Errorf("timestamp %v not between %v and %v", event.Timestamp, before, after)
	}
	event.Timestamp = time.Time{}
	want := FlowEvent{Event: Open, FlowID: "flow-b", SrcIP: 1, SrcPort: 2, DstIP: 3, DstPort: 4}
	if diff := deep.Equal(event, want); diff != nil {
		t.Errorf("event differed from expected: %v", diff)
	}

	c.Close()

	// Internal error-handling cases should never crash.
	srv.eventC <- nil
	srv.removeClient(nil)

	srv.FlowDeleted(time.Now(), "flow-a")
	for {
		srv.mutex.Lock()
		length := len(srv.clients)
		srv.mutex.Unlock()
		if length == 0 {
			break
		}
	}

	cancel()
	srv.servingWG.Wait()
}

func TestTCPEventString(t *testing.T) {
	tests := []struct {
		want string
		e    TCPEvent
	}{
		{"Open", Open},
		{"Close", Close},
		{"TCPEvent(3)", TCPEvent(3)},
	}
	for _, tt := range tests {
		if got := tt.e.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}

func TestNullServer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv := NullServer()
	rtx.Must(srv.Listen(), "Listen")
	rtx.Must(srv.Serve(ctx), "Serve")
	srv.FlowCreated(time.Now(), "", 0, 0, 0, 0)
	srv.FlowDeleted(time.Now(), "")
}
