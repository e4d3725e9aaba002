// Command fleetnoded runs a node process: WS control-plane client,
// show-UDP receiver, time-sync client, fallback policy, and renderer
// driven by the node coordinator. Wiring style mirrors main.go and
// cmd/hub/main.go: flag-parsed config, zap logger, collaborators built
// up front, signal-driven graceful shutdown. No real LED hardware is
// attached here -- internal/simrender logs applied frames instead.
package main

import (
	"context"
	"flag"
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
)

func main() {
	configFile := flag.String("config", "", "Path to config file (default: search ./config.yaml, data/config.yaml, /etc/fleetctl)")
	flag.Parse()

	cfg, err := config.LoadNode(*configFile)
	if err != nil {
		panic("load node config: " + err.Error())
	}

	logger := obslog.Must(cfg.Env)
	defer logger.Sync()

	showRX, err := transport.NewShowReceiver(logger, cfg.ShowUDPPort)
	if err != nil {
		logger.Fatal("open show-udp receiver", zap.Error(err), zap.Int("port", cfg.ShowUDPPort))
	}
	defer showRX.Close()

	tsClient, err := transport.NewTSClient(cfg.HubAddr, cfg.TSUDPPort)
	if err != nil {
		logger.Fatal("open time-sync client", zap.Error(err), zap.String("hub_addr", cfg.HubAddr))
	}
	defer tsClient.Close()

	wsClient := transport.NewWSClient(logger, cfg.HubAddr, 500*time.Millisecond, 30*time.Second)

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

	logger.Info("fleetnoded starting", zap.String("hub_addr", cfg.HubAddr), zap.String("mac", cfg.MAC))

	<-stop
	logger.Info("shutdown signal received, shutting down")
	cancel()

	select {
	case <-done:
	case <-time.After(8 * time.Second):
		logger.Warn("node coordinator did not stop within grace period")
	}
	logger.Info("fleetnoded stopped cleanly")
}
