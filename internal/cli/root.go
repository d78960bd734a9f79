// Package cli holds the nearby command line.
package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/rudransh-shrivastava/nearby/internal/config"
	"github.com/rudransh-shrivastava/nearby/internal/logger"
	"github.com/rudransh-shrivastava/nearby/internal/metrics"
	"github.com/rudransh-shrivastava/nearby/internal/transport"
	"github.com/rudransh-shrivastava/nearby/internal/transport/lan"
	"github.com/rudransh-shrivastava/nearby/internal/transport/unsupported"
)

var (
	cfg   = config.Default()
	log   *slog.Logger
	stats *metrics.Collector
)

var rootCmd = &cobra.Command{
	Use:           "nearby",
	Short:         "Discover, connect to and exchange payloads with nearby devices",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		log = logger.New(os.Stderr, cfg.Level())
		slog.SetDefault(log)
		stats = metrics.New()
		return nil
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	f := rootCmd.PersistentFlags()
	f.StringVar(&cfg.LocalName, "name", cfg.LocalName, "name other devices see")
	f.StringVar(&cfg.ServiceID, "service", cfg.ServiceID, "service id shared by advertisers and discoverers")
	f.StringVar(&cfg.Strategy, "strategy", cfg.Strategy, "topology: point_to_point, star or cluster")
	f.StringVar(&cfg.Transport, "transport", cfg.Transport, "transport: lan or unsupported")
	f.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	f.StringVar(&cfg.ReceiveDir, "receive-dir", cfg.ReceiveDir, "directory for received files")
	f.IntVar(&cfg.ChunkSize, "chunk-size", cfg.ChunkSize, "bytes per transfer chunk")
	f.IntVar(&cfg.StreamCapacity, "stream-capacity", cfg.StreamCapacity, "buffered chunks per incoming stream")
	f.IntVar(&cfg.ReadBufferSize, "read-buffer", cfg.ReadBufferSize, "bytes delivered per stream read")
	f.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "QUIC listen address while advertising")
	f.IntVar(&cfg.BeaconPort, "beacon-port", cfg.BeaconPort, "UDP port for discovery beacons")
	f.DurationVar(&cfg.BeaconInterval, "beacon-interval", cfg.BeaconInterval, "time between discovery beacons")
	f.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "serve prometheus metrics on this address")

	rootCmd.AddCommand(demoCmd)
	rootCmd.AddCommand(advertiseCmd)
	rootCmd.AddCommand(sendCmd)
}

// newTransport builds the transport selected by --transport.
func newTransport() (transport.Transport, error) {
	switch cfg.Transport {
	case config.TransportLAN:
		return lan.New(lan.Options{
			ListenAddr:     cfg.ListenAddr,
			BeaconPort:     cfg.BeaconPort,
			BeaconInterval: cfg.BeaconInterval,
			ReceiveDir:     cfg.ReceiveDir,
			ChunkSize:      cfg.ChunkSize,
			Logger:         log,
		})
	case config.TransportUnsupported:
		return unsupported.New(), nil
	default:
		return nil, fmt.Errorf("%w: %q only works with the demo command", config.ErrInvalidTransport, cfg.Transport)
	}
}

// serveMetrics exposes the collector until ctx is done.
func serveMetrics(ctx context.Context) {
	if cfg.MetricsAddr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", stats.Handler())
	srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		log.Info("Serving metrics", "addr", cfg.MetricsAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Metrics server failed", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
}
