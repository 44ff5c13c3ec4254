package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/corvid-labs/airlink/internal/config"
	"github.com/corvid-labs/airlink/internal/hostserver"
	"github.com/corvid-labs/airlink/internal/identity"
	"github.com/corvid-labs/airlink/internal/logger"
	"github.com/corvid-labs/airlink/internal/telemetry"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	flagStateDir    string
	flagControlAddr string
	flagDataAddr    string
	flagMetricsAddr string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "run the airlink host: accept a client handshake and stream a desktop session",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&flagStateDir, "state-dir", ".", "directory holding config.yaml, device.json, hostkey.json")
	serveCmd.Flags().StringVar(&flagControlAddr, "control-addr", ":47989", "TCP address for the handshake and control plane")
	serveCmd.Flags().StringVar(&flagDataAddr, "data-addr", ":47998", "UDP address for the media data socket")
	serveCmd.Flags().StringVar(&flagMetricsAddr, "metrics-addr", "", "address to serve /metrics on (empty disables metrics)")
}

func runServe(cmd *cobra.Command, args []string) error {
	log := logger.Logger().With("component", "cli")

	cfgStore, err := config.Load(filepath.Join(flagStateDir, "config.yaml"))
	if err != nil {
		return err
	}
	cfg := cfgStore.Current()
	cfgStore.WatchForChanges()

	deviceID, err := identity.LoadOrCreate(filepath.Join(flagStateDir, "device.json"))
	if err != nil {
		return err
	}
	hostKey, err := identity.LoadOrCreateSigningKey(filepath.Join(flagStateDir, "hostkey.json"))
	if err != nil {
		return err
	}

	var registry *prometheus.Registry
	if flagMetricsAddr != "" {
		registry = prometheus.NewRegistry()
	}
	metrics := telemetry.NewRecorder(registry)

	var srv *hostserver.Server
	srv, err = hostserver.New(hostserver.Config{
		ControlAddr:     flagControlAddr,
		DataAddr:        flagDataAddr,
		ProtocolVersion: 1,
		Trust:           hostserver.AllowAllTrust{},
		// single-client slot: reject a new handshake while one session
		// is already active (spec.md §4.10 step 6).
		CapacityAvailable: func() bool { return srv == nil || srv.SessionCount() == 0 },
		DeviceID:          deviceID,
		SigningKey:        hostKey,
		Metrics:           metrics,
	})
	if err != nil {
		return err
	}
	if err := srv.Start(); err != nil {
		log.Error("failed to start host server", "error", err)
		return err
	}
	log.Info("airlink host serving", "control_addr", srv.Addr().String(), "device_id", deviceID.String(), "latency_mode", cfg.LatencyMode)

	var metricsServer *http.Server
	if flagMetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		metricsServer = &http.Server{Addr: flagMetricsAddr, Handler: mux}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("metrics server error", "error", err)
			}
		}()
		log.Info("metrics listening", "addr", flagMetricsAddr)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	log.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		if err := srv.Stop(); err != nil {
			log.Error("host server stop error", "error", err)
		}
		if metricsServer != nil {
			metricsServer.Close()
		}
		close(done)
	}()

	select {
	case <-done:
		log.Info("host stopped cleanly")
	case <-shutdownCtx.Done():
		log.Error("forced exit after shutdown timeout")
	}
	return nil
}
