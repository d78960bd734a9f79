package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/rudransh-shrivastava/nearby/internal/nearby"
	"github.com/rudransh-shrivastava/nearby/internal/payload"
	"github.com/rudransh-shrivastava/nearby/internal/registry"
)

var sendTimeout time.Duration

var sendCmd = &cobra.Command{
	Use:   "send file-path",
	Short: "send a file to the first device found",
	Long: `send discovers advertisers of --service, connects to the first one
found and sends it the file`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		ctx, cancel := context.WithTimeout(ctx, sendTimeout)
		defer cancel()
		return send(ctx, args[0])
	},
}

func init() {
	sendCmd.Flags().DurationVar(&sendTimeout, "timeout", time.Minute, "give up after this long")
}

func send(ctx context.Context, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}

	tr, err := newTransport()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		m      *nearby.Manager
		target string
		id     = payload.NoPayload
		bar    *progressbar.ProgressBar
		result error
	)
	finish := func(err error) {
		result = err
		cancel()
	}

	m, err = nearby.New(tr, nearby.Options{
		Logger:  log,
		Metrics: stats,
		Callbacks: nearby.Callbacks{
			DiscoveryFailed: func(err error) { finish(err) },
			EndpointDiscovered: func(ep registry.Endpoint) {
				if target != "" {
					return
				}
				target = ep.ID
				log.Info("Connecting", "endpoint", ep.ID, "name", ep.Name)
				if err := m.Connect(ctx, cfg.LocalName, ep.ID); err != nil {
					finish(err)
				}
			},
			ConnectionInitiated: func(ep registry.Endpoint, code string, _ bool) {
				fmt.Fprintf(os.Stderr, "Verification code for %s: %s\n", ep.Name, code)
				if err := m.Accept(ep.ID); err != nil {
					log.Warn("Accept failed", "endpoint", ep.ID, "error", err)
				}
			},
			ConnectionFailed: func(endpointID string, err error) {
				if endpointID == target {
					finish(fmt.Errorf("connect to %s: %w", endpointID, err))
				}
			},
			EndpointConnected: func(ep registry.Endpoint) {
				m.StopDiscovering()
				sent, err := m.SendFile(ctx, path, filepath.Base(path), ep.ID)
				if err != nil {
					finish(err)
					return
				}
				id = sent
				if xfer, ok := m.Transfer(sent); !ok || xfer.Done() {
					finish(transferResult(xfer, ok))
					return
				}
				bar = progressbar.DefaultBytes(info.Size(), "sending "+filepath.Base(path))
			},
			EndpointDisconnected: func(ep registry.Endpoint) {
				if ep.ID == target {
					finish(fmt.Errorf("%s disconnected", ep.Name))
				}
			},
			TransferProgress: func(_ string, pi payload.Info, st payload.Status) {
				if pi.ID == id && bar != nil {
					_ = bar.Set64(st.Done)
				}
			},
			TransferComplete: func(_ string, pi payload.Info) {
				if pi.ID == id {
					_ = bar.Finish()
					finish(nil)
				}
			},
			TransferFailed: func(_ string, pi payload.Info, err error) {
				if pi.ID == id {
					finish(err)
				}
			},
			TransferCanceled: func(_ string, pi payload.Info) {
				if pi.ID == id {
					finish(errors.New("transfer canceled"))
				}
			},
		},
	})
	if err != nil {
		return errors.Join(err, tr.Close())
	}

	serveMetrics(ctx)
	if err := m.StartDiscovering(ctx, cfg.ServiceID, cfg.ParsedStrategy()); err != nil {
		return errors.Join(err, m.Shutdown())
	}

	if err := m.Run(ctx); result == nil && !errors.Is(err, context.Canceled) {
		result = err
	}
	return errors.Join(result, m.Shutdown())
}

// transferResult reports how a transfer that already ended went. Sends that
// fail while starting end before the caller learns their id.
func transferResult(xfer payload.Transfer, ok bool) error {
	if !ok {
		return errors.New("file not sent: no connected endpoint")
	}
	for ep, st := range xfer.Endpoints {
		switch st.State {
		case payload.Failure:
			return fmt.Errorf("transfer to %s failed", ep)
		case payload.Canceled:
			return errors.New("transfer canceled")
		}
	}
	return nil
}
