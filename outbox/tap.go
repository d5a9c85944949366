// Package outbox implements the receiver-side half of the bundle: a
// packet tap that watches the same aggregate of flows the inbox shapes,
// detects the fingerprinted packets the inbox marked, and reports them
// back over the side channel.
package outbox

import (
	"errors"
	"io"
	"time"

	"github.com/google/gopacket/pcap"
	"github.com/google/gopacket/pcapgo"
)

// ErrClosed is returned by OfflineTap.Next once the capture file is
// exhausted. LiveTap.Next passes libpcap's own errors through instead.
var ErrClosed = errors.New("outbox: packet source closed")

// PacketSource is the minimal iterator EpochDetector needs: the next raw
// frame and the capture timestamp it arrived with. Both the live pcap tap
// and the offline pcapng replay satisfy it, so the detector never needs to
// know which one it's reading from.
type PacketSource interface {
	Next() (ts time.Time, data []byte, err error)
	Close()
}

// LiveTap reads packets off a live interface via libpcap.
type LiveTap struct {
	handle *pcap.Handle
}

// OpenLive opens ifaceName with the given snapshot length, promiscuous-mode
// setting and read timeout, ready to hand packets to an EpochDetector.
func OpenLive(ifaceName string, snaplen int32, promisc bool, timeout time.Duration) (*LiveTap, error) {
	handle, err := pcap.OpenLive(ifaceName, snaplen, promisc, timeout)
	if err != nil {
		return nil, err
	}
	return &LiveTap{handle: handle}, nil
}

// Next returns the next captured packet.
func (t *LiveTap) Next() (time.Time, []byte, error) {
	data, ci, err := t.handle.ZeroCopyReadPacketData()
	if err != nil {
		return time.Time{}, nil, err
	}
	return ci.Timestamp, data, nil
}

// Close releases the underlying pcap handle.
func (t *LiveTap) Close() {
	t.handle.Close()
}

// OfflineTap replays packets recorded in a pcapng capture file, so the
// same detector logic can run against recorded traces in tests and
// offline evaluation.
type OfflineTap struct {
	reader *pcapgo.NgReader
	src    io.Closer
}

// OpenOffline opens a pcapng capture file for sequential replay.
func OpenOffline(r io.ReadCloser) (*OfflineTap, error) {
	reader, err := pcapgo.NewNgReader(r, pcapgo.DefaultNgReaderOptions)
	if err != nil {
		r.Close()
		return nil, err
	}
	return &OfflineTap{reader: reader, src: r}, nil
}

// Next returns the next packet recorded in the capture, or ErrClosed once
// the file is exhausted.
func (t *OfflineTap) Next() (time.Time, []byte, error) {
	data, ci, err := t.reader.ZeroCopyReadPacketData()
	if err == io.EOF {
		return time.Time{}, nil, ErrClosed
	}
	if err != nil {
		return time.Time{}, nil, err
	}
	return ci.Timestamp, data, nil
}

// Close releases the underlying file.
func (t *OfflineTap) Close() {
	t.src.Close()
}
