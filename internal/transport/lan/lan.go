// Package lan implements transport.Transport on a local network. Advertisers
// broadcast UDP beacons; discoverers listen for them and dial the advertised
// QUIC port to connect.
package lan

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/quic-go/quic-go"

	"github.com/rudransh-shrivastava/nearby/internal/protocol"
	"github.com/rudransh-shrivastava/nearby/internal/transport"
)

const (
	DefaultBeaconPort     = 47474
	DefaultBeaconInterval = time.Second
	DefaultLostAfter      = 3
	DefaultChunkSize      = 32 * 1024

	handshakeTimeout = 10 * time.Second
	linger           = 2 * time.Second
)

type Options struct {
	// ListenAddr is the QUIC listen address used while advertising.
	ListenAddr string

	BeaconPort     int
	BeaconInterval time.Duration
	// BroadcastAddr is where beacons are sent. Tests point it at 127.0.0.1.
	BroadcastAddr string
	// LostAfter is the number of missed beacons before an endpoint is lost.
	LostAfter int

	ReceiveDir string
	ChunkSize  int

	Clock  clock.Clock
	Logger *slog.Logger
}

func (o *Options) withDefaults() {
	if o.ListenAddr == "" {
		o.ListenAddr = ":0"
	}
	if o.BeaconPort == 0 {
		o.BeaconPort = DefaultBeaconPort
	}
	if o.BeaconInterval <= 0 {
		o.BeaconInterval = DefaultBeaconInterval
	}
	if o.BroadcastAddr == "" {
		o.BroadcastAddr = "255.255.255.255"
	}
	if o.LostAfter <= 0 {
		o.LostAfter = DefaultLostAfter
	}
	if o.ReceiveDir == "" {
		o.ReceiveDir = "."
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

type sighting struct {
	name string
	addr string
	last time.Time
}

type link struct {
	id       string
	name     string
	peer     *Peer
	incoming bool
	code     string

	localOK   bool
	remoteOK  bool
	connected bool
}

type Transport struct {
	id      string
	opts    Options
	codec   *protocol.Codec
	clock   clock.Clock
	logger  *slog.Logger
	tlsConf *tls.Config

	sinkMu sync.RWMutex
	sink   transport.Sink

	mu          sync.Mutex
	listener    *quic.Listener
	advService  string
	stopAdv     func()
	discService string
	stopDisc    func()
	seen        map[string]*sighting
	links       map[string]*link
	closed      bool

	wg   sync.WaitGroup
	done chan struct{}
}

var _ transport.Transport = (*Transport)(nil)

func New(opts Options) (*Transport, error) {
	opts.withDefaults()
	id := uuid.NewString()[:8]

	tlsConf, err := newTLSConfig(id)
	if err != nil {
		return nil, fmt.Errorf("tls config: %w", err)
	}

	return &Transport{
		id:      id,
		opts:    opts,
		codec:   protocol.NewCodec(),
		clock:   opts.Clock,
		logger:  opts.Logger.With("component", "lan", "endpoint", id),
		tlsConf: tlsConf,
		seen:    make(map[string]*sighting),
		links:   make(map[string]*link),
		done:    make(chan struct{}),
	}, nil
}

func (t *Transport) ID() string { return t.id }

func (t *Transport) Attach(sink transport.Sink) {
	t.sinkMu.Lock()
	t.sink = sink
	t.sinkMu.Unlock()
}

func (t *Transport) Capabilities() transport.Capabilities {
	return transport.Capabilities{Platform: "lan", InitiatorAccepts: true}
}

func (t *Transport) emit(ev transport.Event) {
	t.sinkMu.RLock()
	sink := t.sink
	t.sinkMu.RUnlock()
	if sink != nil {
		sink(ev)
	}
}

// spawn must be called with t.mu held or from a goroutine that was itself
// spawned, so that Close cannot miss it.
func (t *Transport) spawn(fn func()) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		fn()
	}()
}

// release closes p once the remote end hung up or after a grace period, so
// the last control message has a chance to arrive.
func (t *Transport) release(p *Peer) {
	select {
	case <-p.Done():
	case <-t.clock.After(linger):
	case <-t.done:
	}
	_ = p.Close()
}

// Close stops advertising and discovery, disconnects every endpoint and waits
// for background work to finish.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	if t.stopAdv != nil {
		t.stopAdv()
		t.stopAdv = nil
	}
	if t.stopDisc != nil {
		t.stopDisc()
		t.stopDisc = nil
	}
	links := t.links
	t.links = make(map[string]*link)
	ln := t.listener
	t.listener = nil
	t.mu.Unlock()

	for _, l := range links {
		if l.peer == nil {
			continue
		}
		t.goodbye(l.peer, "shutdown")
		_ = l.peer.Close()
	}
	var err error
	if ln != nil {
		err = ln.Close()
	}

	close(t.done)
	t.wg.Wait()

	t.sinkMu.Lock()
	t.sink = nil
	t.sinkMu.Unlock()
	t.logger.Info("Transport closed")
	return err
}
