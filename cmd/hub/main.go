// Command fleethubd runs the hub process: registry, desired-state
// store, OTA repository/dispatcher, show-UDP fanout, time-sync
// listener, and the control-plane WebSocket/HTTP server. Wiring style
// mirrors main.go: flag-parsed config path, zap logger, gorm-backed
// SQLite storage with AutoMigrate, collaborators built up front and
// handed to a coordinator, then an HTTP server with signal-driven
// graceful shutdown.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/ledfleet/fleetctl/internal/clock"
	"github.com/ledfleet/fleetctl/internal/config"
	"github.com/ledfleet/fleetctl/internal/hub"
	"github.com/ledfleet/fleetctl/internal/hubstate"
	"github.com/ledfleet/fleetctl/internal/obslog"
	"github.com/ledfleet/fleetctl/internal/ota"
	"github.com/ledfleet/fleetctl/internal/registry"
	"github.com/ledfleet/fleetctl/internal/transport"
)

func main() {
	configFile := flag.String("config", "", "Path to config file (default: search ./config.yaml, data/config.yaml, /etc/fleetctl)")
	flag.Parse()

	cfg, err := config.LoadHub(*configFile)
	if err != nil {
		log.Fatalf("load hub config: %v", err)
	}

	logger := obslog.Must(cfg.Env)
	defer logger.Sync()

	if err := os.MkdirAll(cfg.OTABlobRoot, 0o755); err != nil {
		logger.Fatal("create ota blob root", zap.Error(err))
	}

	gormDB, err := gorm.Open(sqlite.Open(cfg.DBPath), &gorm.Config{})
	if err != nil {
		logger.Fatal("open sqlite database", zap.Error(err), zap.String("path", cfg.DBPath))
	}
	if err := gormDB.AutoMigrate(&ota.RolloutEvent{}); err != nil {
		logger.Fatal("automigrate ota_rollout_events", zap.Error(err))
	}
	auditRepo := ota.NewAuditRepository(gormDB)

	otaRepo, err := ota.NewRepository(logger, cfg.OTAManifestPath, cfg.OTABlobRoot)
	if err != nil {
		logger.Fatal("open ota repository", zap.Error(err))
	}

	fanout, err := transport.NewFanoutSender(logger, cfg.ShowUDPPort)
	if err != nil {
		logger.Fatal("open show-udp fanout socket", zap.Error(err), zap.Int("port", cfg.ShowUDPPort))
	}
	defer fanout.Close()

	src := clock.NewSystem()
	tsListener, err := transport.NewTSListener(logger, cfg.TSUDPPort, src.NowUs)
	if err != nil {
		logger.Fatal("open time-sync socket", zap.Error(err), zap.Int("port", cfg.TSUDPPort))
	}
	defer tsListener.Close()

	reg := registry.New(logger)
	state := hubstate.New()

	coordinator := hub.NewCoordinator(logger, cfg, src, reg, state, otaRepo, auditRepo, fanout, tsListener)

	ctx, cancel := context.WithCancel(context.Background())
	go coordinator.Run(ctx)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      coordinator.Mux(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		logger.Info("fleethubd starting", zap.String("addr", cfg.HTTPAddr), zap.String("env", cfg.Env))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server error", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	logger.Info("shutdown signal received, shutting down")

	cancel()

	ctxShutdown, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(ctxShutdown); err != nil {
		logger.Warn("graceful shutdown failed", zap.Error(err))
		if err := srv.Close(); err != nil {
			logger.Warn("server close error", zap.Error(err))
		}
	}
	logger.Info("fleethubd stopped cleanly")
}
