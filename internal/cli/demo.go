package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/rudransh-shrivastava/nearby/internal/nearby"
	"github.com/rudransh-shrivastava/nearby/internal/payload"
	"github.com/rudransh-shrivastava/nearby/internal/registry"
	"github.com/rudransh-shrivastava/nearby/internal/transport/loopback"
)

var demoFlavor string

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "run a discovery, handshake and transfer between two in-process devices",
	Long: `demo wires two devices to an in-process medium. One advertises, the
other discovers it, both accept the connection and the discoverer sends a
message, a stream and a file`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var flavor loopback.Flavor
		switch demoFlavor {
		case "android":
			flavor = loopback.Android
		case "apple":
			flavor = loopback.Apple
		default:
			return fmt.Errorf("unknown flavor %q", demoFlavor)
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()
		return demo(ctx, flavor)
	},
}

func init() {
	demoCmd.Flags().StringVar(&demoFlavor, "flavor", "android", "platform behaviour to emulate: android or apple")
}

// demoSide is one device of the demo together with what it received.
type demoSide struct {
	name string
	m    *nearby.Manager

	message  string
	stream   bytes.Buffer
	file     string
	finished int
}

func newDemoSide(medium *loopback.Medium, flavor loopback.Flavor, name, dir string, cb nearby.Callbacks) (*demoSide, error) {
	side := &demoSide{name: name}
	dev := medium.NewDevice(flavor, dir)

	accept := cb.ConnectionInitiated
	cb.ConnectionInitiated = func(ep registry.Endpoint, code string, incoming bool) {
		log.Info("Connection initiated", "device", name, "peer", ep.Name, "code", code, "incoming", incoming)
		if err := side.m.Accept(ep.ID); err != nil {
			log.Warn("Accept failed", "device", name, "error", err)
		}
		if accept != nil {
			accept(ep, code, incoming)
		}
	}
	cb.BytesReceived = func(_ string, _ int64, data []byte) { side.message = string(data) }
	cb.StreamData = func(_ string, _ int64, data []byte) { side.stream.Write(data) }
	cb.TransferComplete = func(_ string, info payload.Info) {
		if info.Direction == payload.Incoming {
			side.finished++
			if info.Kind == payload.File {
				side.file = info.Path
			}
		}
	}

	m, err := nearby.New(dev, nearby.Options{
		Logger:         log.With("device", name),
		Metrics:        stats,
		ReadBufferSize: cfg.ReadBufferSize,
		StreamCapacity: cfg.StreamCapacity,
		Callbacks:      cb,
	})
	if err != nil {
		return nil, err
	}
	side.m = m
	return side, nil
}

func demo(ctx context.Context, flavor loopback.Flavor) error {
	dir, err := os.MkdirTemp("", "nearby-demo-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	src := filepath.Join(dir, "hello.txt")
	content := []byte("a file sent between two nearby devices\n")
	if err := os.WriteFile(src, content, 0o644); err != nil {
		return err
	}
	streamed := bytes.Repeat([]byte("stream "), 64)

	medium := loopback.NewMedium(loopback.Options{ChunkSize: cfg.ChunkSize, Logger: log})
	serveMetrics(ctx)

	alice, err := newDemoSide(medium, flavor, "alice", filepath.Join(dir, "alice"), nearby.Callbacks{})
	if err != nil {
		return err
	}

	var bob *demoSide
	var sendErr error
	bob, err = newDemoSide(medium, flavor, "bob", filepath.Join(dir, "bob"), nearby.Callbacks{
		EndpointDiscovered: func(ep registry.Endpoint) {
			log.Info("Discovered", "peer", ep.Name)
			sendErr = errors.Join(sendErr, bob.m.Connect(ctx, "bob", ep.ID))
		},
		EndpointConnected: func(ep registry.Endpoint) {
			log.Info("Connected", "peer", ep.Name)
			if _, err := bob.m.SendBytes(ctx, []byte("hello from bob"), ep.ID); err != nil {
				sendErr = errors.Join(sendErr, err)
			}
			if _, err := bob.m.SendFile(ctx, src, "hello.txt", ep.ID); err != nil {
				sendErr = errors.Join(sendErr, err)
			}
			_, w, err := bob.m.SendStream(ctx, ep.ID)
			if err != nil {
				sendErr = errors.Join(sendErr, err)
				return
			}
			go func() {
				_, _ = w.Write(streamed)
				_ = w.Close()
			}()
		},
	})
	if err != nil {
		return errors.Join(err, alice.m.Shutdown())
	}
	defer func() {
		_ = bob.m.Shutdown()
		_ = alice.m.Shutdown()
	}()

	if err := alice.m.StartAdvertising(ctx, "alice", cfg.ServiceID, cfg.ParsedStrategy()); err != nil {
		return err
	}
	if err := bob.m.StartDiscovering(ctx, cfg.ServiceID, cfg.ParsedStrategy()); err != nil {
		return err
	}

	for alice.finished < 3 {
		if sendErr != nil {
			return sendErr
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("demo did not finish: %w", ctx.Err())
		case <-alice.m.Wake():
		case <-bob.m.Wake():
		case <-time.After(50 * time.Millisecond):
		}
		alice.m.Drain()
		bob.m.Drain()
	}

	received, err := os.ReadFile(alice.file)
	if err != nil {
		return err
	}
	fmt.Printf("message: %q\n", alice.message)
	fmt.Printf("stream:  %d bytes, intact=%t\n", alice.stream.Len(), bytes.Equal(alice.stream.Bytes(), streamed))
	fmt.Printf("file:    %s, intact=%t\n", alice.file, bytes.Equal(received, content))
	return nil
}
