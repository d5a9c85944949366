package outbox

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/m-lab/bundler/wire"
)

func listenLocalUDP(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func singlePacketSource(base time.Time) *fakeSource {
	src := &fakeSource{}
	src.pkts = append(src.pkts, struct {
		ts   time.Time
		data []byte
	}{base, buildNoEthernetTCP(0)})
	return src
}

func readFeedback(t *testing.T, conn *net.UDPConn) wire.OutboxFeedback {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 64)
	n, _, err := conn.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("reading feedback: %v", err)
	}
	fb, err := wire.DecodeOutboxFeedback(buf[:n])
	if err != nil {
		t.Fatalf("decoding feedback: %v", err)
	}
	return fb
}

// TestObserverReportsToKnownInbox covers the configured-address path: an
// Observer built with an explicit inbox address must report a sampled
// packet there without waiting for first contact.
func TestObserverReportsToKnownInbox(t *testing.T) {
	inboxConn := listenLocalUDP(t)
	obsConn := listenLocalUDP(t)

	sr := NewSampleRateControl(1)
	d := NewEpochDetector(singlePacketSource(time.Now()), true, sr)
	o := NewObserver(7, d, sr, obsConn, inboxConn.LocalAddr().(*net.UDPAddr))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.Run(ctx)

	fb := readFeedback(t, inboxConn)
	if fb.BundleID != 7 {
		t.Errorf("BundleID = %d, want 7", fb.BundleID)
	}
	// One bare IPv4+TCP frame plus the 14B Ethernet compensation.
	if fb.EpochBytes != 54 {
		t.Errorf("EpochBytes = %d, want 54", fb.EpochBytes)
	}
}

// TestObserverLearnsInboxFromFirstContact covers first-contact discovery:
// with no configured inbox address, the Observer must block until a
// datagram arrives, adopt its source as the inbox, and apply an embedded
// ReportEpochLength before reporting anything.
func TestObserverLearnsInboxFromFirstContact(t *testing.T) {
	inboxConn := listenLocalUDP(t)
	obsConn := listenLocalUDP(t)

	// The initial sample rate matches nothing: feedback can only arrive if
	// the epoch length embedded in the first-contact datagram is applied.
	sr := NewSampleRateControl(0xffffffff)
	d := NewEpochDetector(singlePacketSource(time.Now()), true, sr)
	o := NewObserver(7, d, sr, obsConn, nil)

	first := wire.ReportEpochLength{BundleID: 7, EpochLengthPkts: 1}
	if _, err := inboxConn.WriteToUDP(first.Encode(), obsConn.LocalAddr().(*net.UDPAddr)); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.Run(ctx)

	fb := readFeedback(t, inboxConn)
	if fb.BundleID != 7 {
		t.Errorf("BundleID = %d, want 7", fb.BundleID)
	}
	if fb.EpochBytes != 54 {
		t.Errorf("EpochBytes = %d, want 54", fb.EpochBytes)
	}
}

// TestObserverIgnoresOtherBundlesFirstContact checks that a first-contact
// datagram for a different bundle still teaches the inbox address but does
// not apply the foreign epoch length.
func TestObserverIgnoresOtherBundlesFirstContact(t *testing.T) {
	inboxConn := listenLocalUDP(t)
	obsConn := listenLocalUDP(t)

	sr := NewSampleRateControl(1)
	d := NewEpochDetector(singlePacketSource(time.Now()), true, sr)
	o := NewObserver(7, d, sr, obsConn, nil)

	foreign := wire.ReportEpochLength{BundleID: 9, EpochLengthPkts: 0xffffffff}
	if _, err := inboxConn.WriteToUDP(foreign.Encode(), obsConn.LocalAddr().(*net.UDPAddr)); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.Run(ctx)

	// The sample rate stays at 1, so the packet still matches and the
	// feedback goes to the learned address.
	fb := readFeedback(t, inboxConn)
	if fb.BundleID != 7 {
		t.Errorf("BundleID = %d, want 7", fb.BundleID)
	}
}
