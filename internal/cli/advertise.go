package cli

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rudransh-shrivastava/nearby/internal/nearby"
	"github.com/rudransh-shrivastava/nearby/internal/payload"
	"github.com/rudransh-shrivastava/nearby/internal/registry"
)

var advertiseCmd = &cobra.Command{
	Use:   "advertise",
	Short: "advertise this device and accept everything sent to it",
	Long: `advertise makes this device discoverable, accepts every connection
request and saves received files under --receive-dir until interrupted`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return advertise(ctx)
	},
}

func advertise(ctx context.Context) error {
	tr, err := newTransport()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var m *nearby.Manager
	m, err = nearby.New(tr, nearby.Options{
		Logger:         log,
		Metrics:        stats,
		ReadBufferSize: cfg.ReadBufferSize,
		StreamCapacity: cfg.StreamCapacity,
		Callbacks: nearby.Callbacks{
			AdvertisingFailed: func(err error) {
				log.Error("Cannot advertise", "error", err)
				cancel()
			},
			ConnectionInitiated: func(ep registry.Endpoint, code string, incoming bool) {
				log.Info("Accepting connection", "endpoint", ep.ID, "name", ep.Name, "code", code)
				if err := m.Accept(ep.ID); err != nil {
					log.Warn("Accept failed", "endpoint", ep.ID, "error", err)
				}
			},
			BytesReceived: func(endpointID string, payloadID int64, data []byte) {
				log.Info("Message", "endpoint", endpointID, "payload", payloadID, "text", string(data))
			},
			StreamData: func(endpointID string, payloadID int64, data []byte) {
				log.Debug("Stream data", "endpoint", endpointID, "payload", payloadID, "bytes", len(data))
			},
			TransferComplete: func(endpointID string, info payload.Info) {
				if info.Kind == payload.File {
					log.Info("File saved", "endpoint", endpointID, "name", info.Name, "path", info.Path)
				}
				m.EvictFinished()
			},
		},
	})
	if err != nil {
		return errors.Join(err, tr.Close())
	}

	serveMetrics(ctx)
	if err := m.StartAdvertising(ctx, cfg.LocalName, cfg.ServiceID, cfg.ParsedStrategy()); err != nil {
		return errors.Join(err, m.Shutdown())
	}

	if err := m.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Warn("Event loop stopped", "error", err)
	}
	return m.Shutdown()
}
