// Command inbox runs the sender-side half of a bundle: it drives the
// control loop against a real TBF qdisc, a UDP side channel to the outbox,
// a local shaper-feedback socket, and an external congestion-control
// algorithm process.
package main

import (
	"context"
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/m-lab/go/flagx"
	"github.com/m-lab/go/prometheusx"
	"github.com/m-lab/go/rtx"

	"github.com/m-lab/bundler/announce"
	"github.com/m-lab/bundler/ccp"
	"github.com/m-lab/bundler/control"
	"github.com/m-lab/bundler/diagnostics"
	"github.com/m-lab/bundler/flowstate"
	"github.com/m-lab/bundler/ingest"
	"github.com/m-lab/bundler/prioritizer"
	"github.com/m-lab/bundler/shaper"
	"github.com/m-lab/bundler/wire"
)

func init() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
}

var (
	bundleID     = flag.Uint("bundle_id", 0, "The bundle this process manages.")
	promPort     = flag.String("prom", ":9090", "Prometheus metrics export address and port.")
	iface        = flag.String("iface", "eth0", "Interface carrying the bundle's aggregate traffic.")
	tcMajor      = flag.Uint("tc_major", 1, "TBF qdisc handle major number.")
	tcMinor      = flag.Uint("tc_minor", 0, "TBF qdisc handle minor number.")
	sideChanAddr = flag.String("side_channel", ":9100", "Local UDP address for the inbox<->outbox side channel.")
	shaperListen = flag.String("shaper_listen", ":9101", "Local UDP address the shaper reports QdiscFeedback/FlowAnnounce to.")
	shaperAddr   = flag.String("shaper_addr", "127.0.0.1:9102", "The external shaper's UDP address, for UpdateSampleRate/UpdateFlowPrio.")
	minRateBps   = flag.Uint("min_rate_bps", 0, "Floor under the computed effective rate, 0 disables it.")
	diagDir      = flag.String("diagnostics_dir", "", "Directory for rotated diagnostic snapshots; empty disables diagnostics.")
	announceSock = flag.String("announce_socket", "", "Unix socket path to fan out flow open/close events on; empty disables it.")
	flowScan     = flag.Duration("flow_scan_interval", 10*time.Second, "How often to rescan the kernel socket table to announce/forget flows; 0 disables scanning.")
)

func main() {
	flag.Parse()
	flagx.ArgsFromEnv(flag.CommandLine)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		cancel()
	}()

	promSrv := prometheusx.MustStartPrometheus(*promPort)
	defer promSrv.Shutdown(ctx)

	tbf, err := shaper.NewTBFQdisc(*iface, uint16(*tcMajor), uint16(*tcMinor))
	rtx.Must(err, "Could not bind TBF qdisc on %q", *iface)

	shaperAddrResolved, err := net.ResolveUDPAddr("udp", *shaperAddr)
	rtx.Must(err, "Could not resolve shaper address %q", *shaperAddr)
	sideUDPAddr, err := net.ResolveUDPAddr("udp", *sideChanAddr)
	rtx.Must(err, "Could not resolve side channel address %q", *sideChanAddr)
	sideChannel, err := shaper.NewSideChannel(uint32(*bundleID), sideUDPAddr, shaperAddrResolved)
	rtx.Must(err, "Could not open side channel on %q", *sideChanAddr)
	defer sideChannel.Close()

	qdisc := shaper.New(tbf,
		shaper.WithMinRateBps(uint32(*minRateBps)),
		shaper.WithEpochReporter(sideChannel))

	shaperListenAddr, err := net.ResolveUDPAddr("udp", *shaperListen)
	rtx.Must(err, "Could not resolve shaper listen address %q", *shaperListen)
	shaperConn, err := net.ListenUDP("udp", shaperListenAddr)
	rtx.Must(err, "Could not listen for shaper feedback on %q", *shaperListen)
	defer shaperConn.Close()

	dp, err := ccp.Open(ccp.SimpleDecoder{}, ccp.QdiscOps{Qdisc: qdisc})
	rtx.Must(err, "Could not open algorithm datapath sockets")
	defer dp.Close()
	go func() {
		if err := dp.Serve(); err != nil {
			log.Printf("inbox: algorithm datapath serve loop exited: %v", err)
		}
	}()
	conn := ccp.NewConn(dp)

	outboxFeedback := outboxFeedbackChannel(ctx, sideChannel)
	qdiscFeedback, flowAnnounceCh := ingest.QdiscIngest(ctx, shaperConn)

	var announceSrv announce.Server = announce.NullServer()
	if *announceSock != "" {
		announceSrv = announce.New(*announceSock)
		rtx.Must(announceSrv.Listen(), "Could not listen on announce socket %q", *announceSock)
		go func() {
			if err := announceSrv.Serve(ctx); err != nil && ctx.Err() == nil {
				log.Printf("inbox: announce server exited: %v", err)
			}
		}()
	}
	prio := prioritizer.New(nil, prioritizer.WithAnnounceServer(announceSrv))
	if *flowScan > 0 {
		go prioritizer.NewWatcher(syscall.AF_INET).Run(ctx, *flowScan, prio)
	}
	sendFlowPrio := func(m wire.UpdateFlowPrio) {
		if _, err := shaperConn.WriteToUDP(m.Encode(), shaperAddrResolved); err != nil {
			log.Printf("inbox: send flow prio: %v", err)
		}
	}

	opts := []control.Option{
		control.WithAlgorithmReady(dp.Ready()),
		control.WithPrioritizer(flowAnnounceCh, prio, sendFlowPrio),
	}
	if *diagDir != "" {
		saver := diagnostics.New(uint32(*bundleID), *diagDir)
		defer saver.Close()
		opts = append(opts, control.WithSnapshotFunc(func(p flowstate.Primitives) {
			if err := saver.Write(diagnostics.Snapshot{
				Timestamp:  time.Now(),
				BundleID:   uint32(*bundleID),
				Primitives: p,
			}); err != nil {
				log.Printf("inbox: diagnostics write: %v", err)
			}
		}))
	}

	loop := control.New(uint32(*bundleID), qdiscFeedback, outboxFeedback, qdisc, conn, nil, opts...)
	loop.Run(ctx)
}

// outboxFeedbackChannel adapts SideChannel's blocking ReadFeedback into a
// channel, the shape control.Loop expects, matching ingest's
// read-decode-publish idiom without requiring SideChannel to expose its raw
// socket.
func outboxFeedbackChannel(ctx context.Context, sc *shaper.SideChannel) <-chan ingest.OutboxFeedback {
	out := make(chan ingest.OutboxFeedback)
	go func() {
		defer close(out)
		for ctx.Err() == nil {
			fb, err := sc.ReadFeedback()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Printf("inbox: side channel read: %v", err)
				continue
			}
			select {
			case out <- fb:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

