package outbox

import (
	"encoding/binary"
	"errors"
	"testing"
	"time"
)

// fakeSource replays a fixed slice of packets with synthetic timestamps.
type fakeSource struct {
	pkts []struct {
		ts   time.Time
		data []byte
	}
	i int
}

func (f *fakeSource) Next() (time.Time, []byte, error) {
	if f.i >= len(f.pkts) {
		return time.Time{}, nil, errors.New("exhausted")
	}
	p := f.pkts[f.i]
	f.i++
	return p.ts, p.data, nil
}

func (f *fakeSource) Close() {}

// buildNoEthernetTCP builds a bare IPv4+TCP frame (no link-layer header) with
// the given IP ID, so its fingerprint is controllable by the test.
func buildNoEthernetTCP(ipID uint16) []byte {
	buf := make([]byte, 40)
	buf[9] = 6 // protocol = TCP
	binary.BigEndian.PutUint16(buf[4:6], ipID)
	copy(buf[16:20], []byte{8, 8, 8, 8})
	binary.BigEndian.PutUint16(buf[20+2:20+4], 443)
	return buf
}

func TestEpochDetectorMatchesOnSampleRate(t *testing.T) {
	base := time.Now()
	src := &fakeSource{}
	for i := 0; i < 5; i++ {
		src.pkts = append(src.pkts, struct {
			ts   time.Time
			data []byte
		}{base.Add(time.Duration(i) * time.Millisecond), buildNoEthernetTCP(uint16(i))})
	}

	// sample rate 1 matches every packet.
	sr := NewSampleRateControl(1)
	d := NewEpochDetector(src, true, sr)

	m, err := d.Next()
	if err != nil {
		t.Fatal(err)
	}
	// A no-link-layer capture still counts as if the missing 14B Ethernet
	// header were present, so BytesRecvd = len(data) + 14.
	if m.BytesRecvd != 54 {
		t.Errorf("BytesRecvd = %d, want 54", m.BytesRecvd)
	}
}

func TestEpochDetectorAppliesPendingSampleRateUpdate(t *testing.T) {
	base := time.Now()
	src := &fakeSource{}
	src.pkts = append(src.pkts, struct {
		ts   time.Time
		data []byte
	}{base, buildNoEthernetTCP(0)})

	sr := NewSampleRateControl(0xffffffff) // effectively never matches
	sr.Set(1)                              // queue an update to "match everything"
	d := NewEpochDetector(src, true, sr)

	if _, err := d.Next(); err != nil {
		t.Fatalf("expected a match after sample rate update applied, got error: %v", err)
	}
}

func TestEpochDetectorSkipsNonTCP(t *testing.T) {
	nonTCP := buildNoEthernetTCP(0)
	nonTCP[9] = 17 // UDP

	src := &fakeSource{}
	src.pkts = append(src.pkts, struct {
		ts   time.Time
		data []byte
	}{time.Now(), nonTCP})

	sr := NewSampleRateControl(1)
	d := NewEpochDetector(src, true, sr)

	if _, err := d.Next(); err == nil {
		t.Fatal("expected exhaustion error, non-TCP packet should have been skipped")
	}
}
