package ingest_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/m-lab/bundler/ingest"
	"github.com/m-lab/bundler/wire"
)

func TestOutboxIngestDeliversDecodedFeedback(t *testing.T) {
	serverConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	defer serverConn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := ingest.OutboxIngest(ctx, serverConn)

	clientConn, err := net.DialUDP("udp", nil, serverConn.LocalAddr().(*net.UDPAddr))
	if err != nil {
		t.Fatal(err)
	}
	defer clientConn.Close()

	want := wire.OutboxFeedback{BundleID: 1, Fingerprint: 2, EpochBytes: 3, EpochTimeNs: 4}
	if _, err := clientConn.Write(want.Encode()); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-ch:
		if got != want {
			t.Errorf("got %+v, want %+v", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for feedback")
	}
}

func TestQdiscIngestFiltersNonFeedbackMessages(t *testing.T) {
	dir := t.TempDir()
	addr := &net.UnixAddr{Name: dir + "/qdisc.sock", Net: "unixgram"}
	serverConn, err := net.ListenUnixgram("unixgram", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer serverConn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, announceCh := ingest.QdiscIngest(ctx, serverConn)

	clientConn, err := net.DialUnix("unixgram", nil, addr)
	if err != nil {
		t.Fatal(err)
	}
	defer clientConn.Close()

	// An UpdateSampleRate message should be silently filtered: only
	// QdiscFeedback and FlowAnnounce are forwarded.
	other := wire.UpdateSampleRate{BundleID: 1, SampleRate: 4}
	if _, err := clientConn.Write(other.Encode()); err != nil {
		t.Fatal(err)
	}

	want := wire.QdiscFeedback{BundleID: 1, Fingerprint: 9, CurrQlen: 1, EpochBytes: 10, EpochTimeNs: 20}
	if _, err := clientConn.Write(want.Encode()); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-ch:
		if got != want {
			t.Errorf("got %+v, want %+v", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for qdisc feedback")
	}

	wantAnnounce := wire.FlowAnnounce{BundleID: 1, FlowID: 3, SrcIP: 4, SrcPort: 5, DstIP: 6, DstPort: 7}
	if _, err := clientConn.Write(wantAnnounce.Encode()); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-announceCh:
		if got != wantAnnounce {
			t.Errorf("got %+v, want %+v", got, wantAnnounce)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for flow announce")
	}
}
