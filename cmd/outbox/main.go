// Command outbox runs the receiver-side half of a bundle: it taps the
// aggregate's packets (live via libpcap or replayed from a capture file),
// detects the fingerprinted packets the inbox marked, and reports each
// match back over the side channel.
package main

import (
	"context"
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"time"

	"github.com/m-lab/go/flagx"
	"github.com/m-lab/go/prometheusx"
	"github.com/m-lab/go/rtx"

	"github.com/m-lab/bundler/outbox"
)

func init() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
}

var (
	bundleID   = flag.Uint("bundle_id", 0, "The bundle this process reports feedback for.")
	promPort   = flag.String("prom", ":9091", "Prometheus metrics export address and port.")
	iface      = flag.String("iface", "eth0", "Interface to tap live, ignored if -replay_file is set.")
	replayFile = flag.String("replay_file", "", "A pcapng capture file to replay instead of tapping -iface live.")
	noEthernet = flag.Bool("no_ethernet", false, "Set if captured frames carry no link-layer header (e.g. a tun device).")
	snaplen    = flag.Int("snaplen", 96, "Bytes of each packet to capture; only the IP/TCP headers are needed.")
	promisc    = flag.Bool("promisc", true, "Put the live interface into promiscuous mode.")

	sideChanAddr = flag.String("side_channel", ":9200", "Local UDP address for the inbox<->outbox side channel.")
	inboxAddr    = flag.String("inbox_addr", "", "The inbox's side channel address. If unset, it is learned from the first datagram the inbox sends.")

	initialSampleRate = flag.Uint("initial_sample_rate", 128, "Packets between marks before the inbox reports its first epoch length.")
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

	tap := mustOpenTap()
	defer tap.Close()

	sampleRate := outbox.NewSampleRateControl(uint32(*initialSampleRate))
	detector := outbox.NewEpochDetector(tap, *noEthernet, sampleRate)

	localAddr, err := net.ResolveUDPAddr("udp", *sideChanAddr)
	rtx.Must(err, "Could not resolve side channel address %q", *sideChanAddr)
	var remoteAddr *net.UDPAddr
	if *inboxAddr != "" {
		remoteAddr, err = net.ResolveUDPAddr("udp", *inboxAddr)
		rtx.Must(err, "Could not resolve inbox address %q", *inboxAddr)
	}
	conn, err := net.ListenUDP("udp", localAddr)
	rtx.Must(err, "Could not open side channel on %q", *sideChanAddr)
	defer conn.Close()

	observer := outbox.NewObserver(uint32(*bundleID), detector, sampleRate, conn, remoteAddr)
	if err := observer.Run(ctx); err != nil && ctx.Err() == nil {
		log.Printf("outbox: observer exited: %v", err)
	}
}

// mustOpenTap opens either a live libpcap tap on -iface or, when
// -replay_file is set, a sequential reader over that capture file.
func mustOpenTap() outbox.PacketSource {
	if *replayFile != "" {
		f, err := os.Open(*replayFile)
		rtx.Must(err, "Could not open replay file %q", *replayFile)
		tap, err := outbox.OpenOffline(f)
		rtx.Must(err, "Could not read %q as a pcapng capture", *replayFile)
		return tap
	}
	tap, err := outbox.OpenLive(*iface, int32(*snaplen), *promisc, 30*time.Millisecond)
	rtx.Must(err, "Could not open a live capture on %q", *iface)
	return tap
}
