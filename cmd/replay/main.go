// Command replay feeds a recorded CSV trace of shaper/outbox events
// through the same control loop the inbox binary uses live, for regression
// testing and offline evaluation.
package main

import (
	"context"
	"flag"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gocarina/gocsv"
	"github.com/m-lab/go/rtx"

	"github.com/m-lab/bundler/ccp"
	"github.com/m-lab/bundler/control"
	"github.com/m-lab/bundler/flowstate"
	"github.com/m-lab/bundler/ingest"
	"github.com/m-lab/bundler/shaper"
	"github.com/m-lab/bundler/zstd"
)

func init() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
}

var bundleID = flag.Uint("bundle_id", 0, "The bundle ID to stamp generated trace events with.")

// TraceEvent is one row of the input CSV trace: either a shaper mark
// ("qdisc") or an outbox report ("outbox"), timed relative to the start of
// the trace rather than wall-clock, so traces are reproducible.
type TraceEvent struct {
	Kind        string `csv:"kind"`
	OffsetUs    uint64 `csv:"offset_us"`
	Fingerprint uint32 `csv:"fingerprint"`
	Bytes       uint64 `csv:"bytes"`
	CurrQlen    uint32 `csv:"curr_qlen"`
}

// PrimitivesRecord is one row of output: the Primitives snapshot loaded
// into the congestion algorithm on each tick that had new data, the
// replay-mode observable analogue of the diagnostics saver's live output.
type PrimitivesRecord struct {
	OffsetUs        uint64  `csv:"offset_us"`
	RateOutgoingBps float64 `csv:"rate_outgoing_bps"`
	RateIncomingBps float64 `csv:"rate_incoming_bps"`
	RTTSampleUs     uint64  `csv:"rtt_us"`
	BytesAcked      uint32  `csv:"bytes_acked"`
	LostPktsSample  uint32  `csv:"lost_pkts_sample"`
	BytesPending    uint32  `csv:"bytes_pending"`
}

// openFile transparently decompresses a .zst trace.
func openFile(fn string) (io.ReadCloser, error) {
	if strings.HasSuffix(fn, ".zst") {
		return zstd.NewReader(fn), nil
	}
	return os.Open(fn)
}

func readTrace(rdr io.Reader) ([]*TraceEvent, error) {
	var events []*TraceEvent
	if err := gocsv.Unmarshal(rdr, &events); err != nil {
		return nil, err
	}
	return events, nil
}

func main() {
	flag.Parse()
	args := flag.Args()

	var source io.ReadCloser
	var err error
	source = os.Stdin
	if len(args) == 1 {
		source, err = openFile(args[0])
		rtx.Must(err, "Could not open trace file %q", args[0])
	} else if len(args) > 1 {
		log.Fatal("Too many command-line arguments.")
	}
	defer source.Close()

	events, err := readTrace(source)
	rtx.Must(err, "Could not read trace")

	records, err := run(uint32(*bundleID), events)
	rtx.Must(err, "Replay failed")

	rtx.Must(gocsv.Marshal(records, os.Stdout), "Could not write output CSV")
}

// run drives a real control.Loop against the trace's events, in the order
// given, pacing each event's delivery to its recorded offset so the
// ControlLoop's 10ms tick interleaves with ingest the same way it would
// live. It collects every Primitives snapshot the loop loads on a
// successful tick.
func run(bundleID uint32, events []*TraceEvent) ([]*PrimitivesRecord, error) {
	dir, err := os.MkdirTemp("", "bundler-replay")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)

	dp, err := ccp.OpenAt(filepath.Join(dir, "in"), filepath.Join(dir, "out"), nil, nil)
	if err != nil {
		return nil, err
	}
	defer dp.Close()
	conn := ccp.NewConn(dp)

	qdisc := shaper.New(noopQdisc{}, shaper.WithDynamicEpoch(true))

	qdiscCh := make(chan ingest.QdiscFeedback)
	outboxCh := make(chan ingest.OutboxFeedback)

	var records []*PrimitivesRecord
	base := time.Now()
	l := control.New(bundleID, qdiscCh, outboxCh, qdisc, conn, nil,
		control.WithSnapshotFunc(func(p flowstate.Primitives) {
			records = append(records, &PrimitivesRecord{
				OffsetUs:        uint64(time.Since(base) / time.Microsecond),
				RateOutgoingBps: p.RateOutgoingBps,
				RateIncomingBps: p.RateIncomingBps,
				RTTSampleUs:     p.RTTSampleUs,
				BytesAcked:      p.BytesAcked,
				LostPktsSample:  p.LostPktsSample,
				BytesPending:    p.BytesPending,
			})
		}),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		l.Run(ctx)
		close(done)
	}()

	for _, ev := range events {
		target := base.Add(time.Duration(ev.OffsetUs) * time.Microsecond)
		if d := time.Until(target); d > 0 {
			time.Sleep(d)
		}
		evTimeNs := uint64(target.UnixNano())
		switch ev.Kind {
		case "qdisc":
			qdiscCh <- ingest.QdiscFeedback{BundleID: bundleID, Fingerprint: ev.Fingerprint, CurrQlen: ev.CurrQlen, EpochBytes: ev.Bytes, EpochTimeNs: evTimeNs}
		case "outbox":
			outboxCh <- ingest.OutboxFeedback{BundleID: bundleID, Fingerprint: ev.Fingerprint, EpochBytes: ev.Bytes, EpochTimeNs: evTimeNs}
		default:
			log.Printf("replay: ignoring unknown event kind %q", ev.Kind)
		}
	}

	// Let any in-flight tick finish applying the last events before tearing
	// down.
	time.Sleep(2 * control.TickInterval)
	cancel()
	<-done

	return records, nil
}

// noopQdisc discards every rate request: replay drives the control loop's
// measurement and algorithm plumbing, not a real kernel shaper.
type noopQdisc struct{}

func (noopQdisc) SetRate(bytesPerSec uint32) error { return nil }
