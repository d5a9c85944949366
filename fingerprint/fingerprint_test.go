package fingerprint_test

import (
	"testing"

	"github.com/m-lab/bundler/fingerprint"
)

// buildPacket lays out a minimal Ethernet + IPv4 + TCP header so tests can
// exercise Compute the same way the inbox and outbox do on live captures.
func buildPacket(dstIP [4]byte, ipID uint16, dstPort uint16, proto byte) []byte {
	pkt := make([]byte, 14+20+20)
	ip := pkt[14:]
	ip[0] = 0x45 // version 4, IHL 5
	ip[4] = byte(ipID >> 8)
	ip[5] = byte(ipID)
	ip[9] = proto
	copy(ip[16:20], dstIP[:])
	tcp := pkt[34:]
	tcp[2] = byte(dstPort >> 8)
	tcp[3] = byte(dstPort)
	return pkt
}

var offsets = fingerprint.Offsets{IPHeader: 14, TCPHeader: 34}

func TestComputeDeterministic(t *testing.T) {
	pkt := buildPacket([4]byte{10, 0, 0, 1}, 0x1234, 443, fingerprint.IPProtoTCP)
	fp1, err := fingerprint.Compute(offsets, pkt)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	fp2, err := fingerprint.Compute(offsets, pkt)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fp1 != fp2 {
		t.Errorf("fingerprint not deterministic: %v != %v", fp1, fp2)
	}
}

// TestInboxOutboxAgree confirms the defining guarantee of the package: two
// independently-called Computes over the same bytes produce the same value,
// which is how the inbox and outbox agree on sample-boundary packets without
// coordinating per-packet.
func TestInboxOutboxAgree(t *testing.T) {
	pkt := buildPacket([4]byte{192, 168, 1, 2}, 0xbeef, 8080, fingerprint.IPProtoTCP)
	inboxFP, err := fingerprint.Compute(offsets, pkt)
	if err != nil {
		t.Fatal(err)
	}
	outboxFP, err := fingerprint.Compute(offsets, append([]byte(nil), pkt...))
	if err != nil {
		t.Fatal(err)
	}
	if inboxFP != outboxFP {
		t.Errorf("inbox fingerprint %v != outbox fingerprint %v", inboxFP, outboxFP)
	}
}

func TestComputeRejectsNonTCP(t *testing.T) {
	pkt := buildPacket([4]byte{10, 0, 0, 1}, 1, 80, 17) // UDP
	_, err := fingerprint.Compute(offsets, pkt)
	if err != fingerprint.ErrNotTCP {
		t.Errorf("got %v, want ErrNotTCP", err)
	}
}

func TestComputeRejectsShortPacket(t *testing.T) {
	_, err := fingerprint.Compute(offsets, make([]byte, 10))
	if err != fingerprint.ErrTooShort {
		t.Errorf("got %v, want ErrTooShort", err)
	}
}

func TestMatches(t *testing.T) {
	cases := []struct {
		fp         fingerprint.Fingerprint
		sampleRate uint32
		want       bool
	}{
		{0, 16, true},
		{16, 16, true},
		{15, 16, false},
		{1, 0, false}, // sample rate of zero never matches.
	}
	for _, c := range cases {
		if got := fingerprint.Matches(c.fp, c.sampleRate); got != c.want {
			t.Errorf("Matches(%v, %v) = %v, want %v", c.fp, c.sampleRate, got, c.want)
		}
	}
}
