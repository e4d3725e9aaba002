// Command simnode is a scriptable node simulator for exercising a hub
// without real hardware: it dials the control-plane WS and UDP sockets
// and drives the same node.Coordinator a real node runs, but takes its
// settings from flags instead of a config file, adapted from a simple
// addr/path dial-CLI into a long-running simulated node with periodic
// state reporting.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ledfleet/fleetctl/internal/config"
	"github.com/ledfleet/fleetctl/internal/fallback"
	"github.com/ledfleet/fleetctl/internal/node"
	"github.com/ledfleet/fleetctl/internal/obslog"
	"github.com/ledfleet/fleetctl/internal/simrender"
	"github.com/ledfleet/fleetctl/internal/timesync"
	"github.com/ledfleet/fleetctl/internal/transport"
	"github.com/ledfleet/fleetctl/internal/updater"
	"github.com/ledfleet/fleetctl/internal/wire"
)

func main() {
	hubAddr := flag.String("hub", "127.0.0.1", "hub address (host or host:port ws default port 80)")
	wsPath := flag.String("path", wire.WSPath, "control-plane websocket path")
	mac := flag.String("mac", "DE:AD:BE:EF:00:01", "simulated node MAC address")
	fw := flag.String("fw", "0.0.0-sim", "simulated node firmware version string")
	platform := flag.String("platform", "esp32-s3", "simulated node platform identifier")
	leds := flag.Int("leds", 150, "simulated LED count")
	channels := flag.Int("channels", 1, "simulated output channel count")
	verbose := flag.Bool("verbose", false, "log every applied frame instead of only state transitions")
	showPort := flag.Int("show-port", wire.ShowUDPPort, "show-udp listen port")
	tsPort := flag.Int("ts-port", wire.TSUDPPort, "time-sync udp port")
	flag.Parse()

	env := "development"
	if !*verbose {
		env = "production"
	}
	logger := obslog.Must(env)
	defer logger.Sync()

	showRX, err := transport.NewShowReceiver(logger, *showPort)
	if err != nil {
		logger.Fatal("open show-udp receiver", zap.Error(err), zap.Int("port", *showPort))
	}
	defer showRX.Close()

	tsClient, err := transport.NewTSClient(*hubAddr, *tsPort)
	if err != nil {
		logger.Fatal("open time-sync client", zap.Error(err))
	}
	defer tsClient.Close()

	wsClient := transport.NewWSClient(logger, *hubAddr, 250*time.Millisecond, 10*time.Second)

	cfg := &config.NodeConfig{
		Env:      env,
		HubAddr:  *hubAddr,
		WSPath:   *wsPath,
		MAC:      *mac,
		FW:       *fw,
		Platform: *platform,
		Leds:     *leds,
		Channels: *channels,
	}

	coordinator := node.NewCoordinator(
		logger,
		cfg,
		wsClient,
		showRX,
		tsClient,
		timesync.NewEstimator(),
		simrender.New(logger),
		fallback.New(),
		updater.Noop{},
	)

	ctx, cancel := context.WithCancel(context.Background())

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		defer close(done)
		coordinator.Run(ctx)
	}()

	fmt.Printf("simnode: mac=%s platform=%s dialing ws://%s%s\n", *mac, *platform, *hubAddr, *wsPath)

	go func() {
		var last node.State
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if s := coordinator.State(); s != last {
					fmt.Printf("simnode: state -> %s\n", s)
					last = s
				}
			}
		}
	}()

	<-stop
	fmt.Println("simnode: shutting down")
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
	}
	fmt.Println("simnode: stopped")
}
