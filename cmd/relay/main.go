// Command relay is the Lifecycle Controller (spec.md §4.9): a single
// binary replacing the donor's split signal/ingest processes, since this
// relay has one process type.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"rillnet/internal/httpapi"
	"rillnet/internal/relay"
	"rillnet/internal/relay/bus"
	"rillnet/internal/relay/connection"
	"rillnet/internal/relay/gateway"
	"rillnet/internal/relay/metrics"
	"rillnet/internal/relay/pairing"
	"rillnet/internal/relay/registry"
	"rillnet/pkg/cache"
	"rillnet/pkg/config"
	"rillnet/pkg/logger"

	"github.com/gin-gonic/gin"
)

func main() {
	configPaths := []string{
		"configs/config.yaml",
		"./configs/config.yaml",
		"/etc/rillnet/config.yaml",
		"config.yaml",
	}

	var cfg *config.Config
	var err error
	for _, path := range configPaths {
		if _, statErr := os.Stat(path); statErr != nil {
			continue
		}
		cfg, err = config.Load(path)
		break
	}
	if cfg == nil && err == nil {
		// No config file found: defaults plus environment overrides.
		cfg, err = config.Load(configPaths[0])
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "relay: %v\n", err)
		os.Exit(1)
	}

	zapLogger := logger.New(cfg.Logging.Level)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()
	ctxLog := logger.NewContextLogger(zapLogger)

	reg := registry.New()
	pairs := pairing.New()
	m := metrics.New()

	var crossBus *bus.Bus
	if cfg.CrossInstance.Enabled {
		crossBus, err = bus.New(cfg, ctxLog, func(to relay.PeerCode, env relay.RelayedEnvelope) bool {
			h := reg.Lookup(to)
			if h == nil {
				return false
			}
			return h.Deliver(env) == nil
		}, m.Error, func(kind string) { m.SignalForwarded(kind) })
		if err != nil {
			log.Fatalw("failed to initialize cross-instance bus", "error", err)
		}
	}

	gw := gateway.New(cfg, reg, pairs, m, ctxLog, busAdapter(crossBus))

	busCtx, busCancel := context.WithCancel(context.Background())
	if crossBus != nil {
		go crossBus.Run(busCtx)
		log.Infow("cross-instance bus enabled", "node_id", cfg.CrossInstance.NodeID, "prefix", cfg.CrossInstance.Prefix)
	}

	heartbeatStop := make(chan struct{})
	go gw.RunHeartbeat(heartbeatStop)

	etags := cache.NewCache(24 * time.Hour)
	router := httpapi.NewRouter(cfg, log, etags)
	router.Any(cfg.Signaling.Path, gin.WrapH(http.HandlerFunc(gw.ServeHTTP)))

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("starting signaling relay", "address", cfg.Server.Address, "path", cfg.Signaling.Path)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Fatalw("server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("received shutdown signal", "signal", sig)
	}

	log.Info("shutting down signaling relay")

	close(heartbeatStop)
	gw.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("error force closing server", "error", closeErr)
		}
	}

	busCancel()
	if crossBus != nil {
		if err := crossBus.Close(); err != nil {
			log.Errorw("error closing cross-instance bus", "error", err)
		}
	}

	log.Info("signaling relay stopped")
}

// busAdapter returns a connection.Bus for the gateway, or a true nil
// interface when cross-instance fan-out is disabled: a typed-nil *bus.Bus
// stored directly in the interface would compare non-nil to callers.
func busAdapter(b *bus.Bus) connection.Bus {
	if b == nil {
		return nil
	}
	return b
}
