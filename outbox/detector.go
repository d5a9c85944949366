package outbox

import (
	"log"
	"time"

	"github.com/m-lab/bundler/fingerprint"
)

// EthernetHeaderLen is the assumed fixed Ethernet frame header length,
// added back to the byte accounting when the capture carries no link-layer
// header (e.g. a tun/tap device).
const EthernetHeaderLen = 14

// Match is one fingerprinted packet the detector observed, paired with the
// running epoch accounting needed to report it back to the inbox.
type Match struct {
	Time       time.Time
	Fingerprint fingerprint.Fingerprint
	BytesRecvd uint64
}

// EpochDetector watches a PacketSource for TCP packets whose fingerprint
// matches the current sample rate, keeping the cumulative byte counter the
// feedback reports carry.
type EpochDetector struct {
	src        PacketSource
	offsets    fingerprint.Offsets
	noEthernet bool
	sampleRate *SampleRateControl

	bytesRecvd     uint64
	lastBytesRecvd uint64
	prevMatchTime  time.Time
	pktsThisEpoch  uint64
}

// NewEpochDetector builds a detector reading from src. When noEthernet is
// set, frames carry no MAC header and the IP header starts at offset 0.
func NewEpochDetector(src PacketSource, noEthernet bool, sampleRate *SampleRateControl) *EpochDetector {
	ipOff := 0
	if !noEthernet {
		ipOff = EthernetHeaderLen
	}
	return &EpochDetector{
		src:        src,
		offsets:    fingerprint.Offsets{IPHeader: ipOff, TCPHeader: ipOff + 20},
		noEthernet: noEthernet,
		sampleRate: sampleRate,
	}
}

// Next blocks until the next fingerprint-matching packet arrives (applying
// any pending sample-rate update first), or returns an error once the
// underlying source is exhausted.
func (d *EpochDetector) Next() (Match, error) {
	for {
		ts, data, err := d.src.Next()
		if err != nil {
			return Match{}, err
		}

		rate := d.sampleRate.poll()

		fp, err := fingerprint.Compute(d.offsets, data)
		if err != nil {
			continue
		}

		wireLen := uint64(len(data))
		if d.noEthernet {
			// Captures with no link-layer header still count as if the
			// missing Ethernet framing were present, so both capture modes
			// agree on the cumulative byte counter.
			wireLen += EthernetHeaderLen
		}
		d.bytesRecvd += wireLen
		d.pktsThisEpoch++

		if !fingerprint.Matches(fp, rate) {
			continue
		}

		nowNs := ts.UnixNano()
		if !d.prevMatchTime.IsZero() {
			elapsedS := ts.Sub(d.prevMatchTime).Seconds()
			epochBytes := d.bytesRecvd - d.lastBytesRecvd
			if elapsedS > 0 {
				recvRate := float64(epochBytes) / elapsedS
				log.Printf("outbox epoch recv_rate=%.0f bytes=%d ns=%d pkts=%d",
					recvRate, epochBytes, ts.Sub(d.prevMatchTime).Nanoseconds(), d.pktsThisEpoch)
				d.sampleRate.AdjustLocal(ts, recvRate)
			}
		}

		m := Match{Time: time.Unix(0, nowNs), Fingerprint: fp, BytesRecvd: d.bytesRecvd}

		d.prevMatchTime = ts
		d.lastBytesRecvd = d.bytesRecvd
		d.pktsThisEpoch = 0

		return m, nil
	}
}
