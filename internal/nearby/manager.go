// Package nearby is the public surface of the session core. A Manager owns
// the endpoint registry, the connection state machine and the payload
// manager, and is the only thing application code talks to.
//
// Transport events arrive on arbitrary goroutines and are queued on an
// internal dispatcher. They are applied, and callbacks run, only when the
// owning goroutine calls Drain or Run. Every Manager method that changes
// state must be called from that same goroutine; other goroutines use
// Submit or Do to get there.
package nearby

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"

	"go.uber.org/multierr"

	"github.com/rudransh-shrivastava/nearby/internal/dispatch"
	"github.com/rudransh-shrivastava/nearby/internal/metrics"
	"github.com/rudransh-shrivastava/nearby/internal/payload"
	"github.com/rudransh-shrivastava/nearby/internal/registry"
	"github.com/rudransh-shrivastava/nearby/internal/session"
	"github.com/rudransh-shrivastava/nearby/internal/stream"
	"github.com/rudransh-shrivastava/nearby/internal/transport"
)

var ErrShutdown = errors.New("manager shut down")

type Options struct {
	Logger         *slog.Logger
	Callbacks      Callbacks
	Metrics        *metrics.Collector
	ReadBufferSize int
	StreamCapacity int
}

type Manager struct {
	tr     transport.Transport
	caps   transport.Capabilities
	disp   *dispatch.Dispatcher
	reg    *registry.Registry
	conns  *session.Machine
	xfers  *payload.Manager
	cb     Callbacks
	stats  *metrics.Collector
	logger *slog.Logger

	advertising atomic.Bool
	discovering atomic.Bool
	shutdown    atomic.Bool

	// Set by the Start calls, before the transport confirms.
	wantAdvertising bool
	wantDiscovering bool
}

func New(tr transport.Transport, opts Options) (*Manager, error) {
	if tr == nil {
		return nil, errors.New("nil transport")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{
		tr:     tr,
		caps:   tr.Capabilities(),
		disp:   dispatch.New(logger.With("component", "dispatch")),
		reg:    registry.New(),
		cb:     opts.Callbacks,
		stats:  opts.Metrics,
		logger: logger.With("component", "nearby"),
	}

	n := &notifier{m: m}
	m.conns = session.NewMachine(m.reg, tr, n, session.Options{
		Capabilities: m.caps,
		Logger:       logger,
	})
	m.xfers = payload.NewManager(tr, m.reg, n, payload.Options{
		Capabilities:   m.caps,
		ReadBufferSize: opts.ReadBufferSize,
		StreamCapacity: opts.StreamCapacity,
		Logger:         logger,
	})

	if m.stats != nil {
		m.reg.OnChange = func(_ string, from, to registry.Set) {
			m.stats.EndpointMoved(from.String(), to.String())
		}
		m.disp.OnPanic = func(any) { m.stats.DispatchPanic() }
	}

	tr.Attach(m.post)
	m.logger.Info("Manager ready", "platform", m.caps.Platform)
	return m, nil
}

// post is the transport sink. It may be called from any goroutine.
func (m *Manager) post(ev transport.Event) {
	if err := m.disp.Post(func() { m.handle(ev) }); err != nil {
		m.logger.Debug("Dropping transport event", "event", ev, "error", err)
	}
}

// Drain applies every queued event and returns how many ran.
func (m *Manager) Drain() int {
	return m.disp.Drain()
}

// Run applies events as they arrive until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	return m.disp.Run(ctx)
}

// Wake fires after events are queued. It is meant for callers that run their
// own loop around Drain.
func (m *Manager) Wake() <-chan struct{} {
	return m.disp.Wait()
}

// Queued reports the number of events waiting for Drain.
func (m *Manager) Queued() int {
	return m.disp.Len()
}

// Submit schedules fn on the owning goroutine.
func (m *Manager) Submit(fn func()) error {
	return m.disp.Post(fn)
}

// Do runs fn on the owning goroutine and waits for it. It must not be called
// from the owning goroutine itself.
func (m *Manager) Do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if err := m.disp.Post(func() {
		defer close(done)
		fn()
	}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) handle(ev transport.Event) {
	switch e := ev.(type) {
	case transport.AdvertisingStarted:
		m.advertising.Store(true)
		m.logger.Info("Advertising started")
		m.cb.advertisingStarted()
	case transport.AdvertisingFailed:
		m.advertising.Store(false)
		m.wantAdvertising = false
		m.logger.Warn("Advertising failed", "error", e.Err)
		m.cb.advertisingFailed(e.Err)
	case transport.DiscoveryStarted:
		m.discovering.Store(true)
		m.logger.Info("Discovery started")
		m.cb.discoveryStarted()
	case transport.DiscoveryFailed:
		m.discovering.Store(false)
		m.wantDiscovering = false
		m.logger.Warn("Discovery failed", "error", e.Err)
		m.cb.discoveryFailed(e.Err)
	case transport.EndpointFound:
		m.conns.Found(e.EndpointID, e.Name)
	case transport.EndpointLost:
		m.conns.Lost(e.EndpointID)
	case transport.ConnectionRequested:
		m.conns.Requested(e.EndpointID, e.Name, e.Incoming, e.VerificationCode)
	case transport.ConnectionFailed:
		m.conns.Failed(e.EndpointID, e.Err)
	case transport.EndpointConnected:
		m.conns.Connected(e.EndpointID)
	case transport.EndpointDisconnected:
		m.conns.RemoteDisconnected(e.EndpointID)
	case transport.BytesReceived:
		m.xfers.BytesReceived(e.EndpointID, e.PayloadID, e.Data)
	case transport.PayloadReceived:
		m.xfers.PayloadReceived(e)
	case transport.StreamChunkReceived:
		m.xfers.StreamChunk(e.EndpointID, e.PayloadID, e.Data)
	case transport.TransferProgress:
		m.xfers.Progress(e.EndpointID, e.PayloadID, e.Done, e.Total)
	case transport.TransferTerminal:
		m.xfers.Terminal(e.EndpointID, e.PayloadID, e.State, e.Err)
	default:
		m.logger.Warn("Unknown transport event", "event", ev)
	}
}

// StartAdvertising makes this device visible as localName. An active
// advertisement is restarted. Failures are reported through the
// AdvertisingFailed callback.
func (m *Manager) StartAdvertising(ctx context.Context, localName, serviceID string, s transport.Strategy) error {
	if m.shutdown.Load() {
		return ErrShutdown
	}
	if m.wantAdvertising || m.advertising.Load() {
		m.StopAdvertising()
	}
	m.wantAdvertising = true
	if err := m.tr.StartAdvertising(ctx, localName, serviceID, s); err != nil {
		m.post(transport.AdvertisingFailed{Err: err})
	}
	return nil
}

func (m *Manager) StopAdvertising() {
	if err := m.tr.StopAdvertising(); err != nil {
		m.logger.Warn("Stop advertising failed", "error", err)
	}
	m.wantAdvertising = false
	m.advertising.Store(false)
}

func (m *Manager) IsAdvertising() bool {
	return m.advertising.Load()
}

// StartDiscovering looks for advertisers of serviceID. Previously discovered
// endpoints are forgotten first.
func (m *Manager) StartDiscovering(ctx context.Context, serviceID string, s transport.Strategy) error {
	if m.shutdown.Load() {
		return ErrShutdown
	}
	if m.wantDiscovering || m.discovering.Load() {
		m.StopDiscovering()
	}
	m.conns.ClearDiscovered()
	m.wantDiscovering = true
	if err := m.tr.StartDiscovery(ctx, serviceID, s); err != nil {
		m.post(transport.DiscoveryFailed{Err: err})
	}
	return nil
}

func (m *Manager) StopDiscovering() {
	if err := m.tr.StopDiscovery(); err != nil {
		m.logger.Warn("Stop discovery failed", "error", err)
	}
	m.wantDiscovering = false
	m.discovering.Store(false)
}

func (m *Manager) IsDiscovering() bool {
	return m.discovering.Load()
}

func (m *Manager) Connect(ctx context.Context, localName, endpointID string) error {
	if m.shutdown.Load() {
		return ErrShutdown
	}
	return m.conns.Connect(ctx, localName, endpointID)
}

func (m *Manager) Accept(endpointID string) error {
	return m.conns.Accept(endpointID)
}

func (m *Manager) Reject(endpointID string) error {
	return m.conns.Reject(endpointID)
}

func (m *Manager) Disconnect(endpointID string) error {
	return m.conns.Disconnect(endpointID)
}

func (m *Manager) DisconnectAll() error {
	return m.conns.DisconnectAll()
}

// SendBytes returns payload.NoPayload when there is no connected target.
func (m *Manager) SendBytes(ctx context.Context, data []byte, targets ...string) (int64, error) {
	if m.shutdown.Load() {
		return payload.NoPayload, ErrShutdown
	}
	id, err := m.xfers.SendBytes(ctx, data, targets)
	m.countStarted(id)
	return id, err
}

// SendStream returns the write end of a new stream payload. Closing it ends
// the stream for every target.
func (m *Manager) SendStream(ctx context.Context, targets ...string) (int64, *stream.Writer, error) {
	if m.shutdown.Load() {
		return payload.NoPayload, nil, ErrShutdown
	}
	id, w, err := m.xfers.SendStream(ctx, targets)
	m.countStarted(id)
	return id, w, err
}

func (m *Manager) SendFile(ctx context.Context, path, name string, targets ...string) (int64, error) {
	if m.shutdown.Load() {
		return payload.NoPayload, ErrShutdown
	}
	id, err := m.xfers.SendFile(ctx, path, name, targets)
	m.countStarted(id)
	return id, err
}

func (m *Manager) countStarted(id int64) {
	if id == payload.NoPayload || m.stats == nil {
		return
	}
	if t, ok := m.xfers.Transfer(id); ok {
		for range t.Endpoints {
			m.stats.PayloadStarted(t.Kind.String(), t.Direction.String())
		}
	}
}

// CancelTransfer cancels every in-progress copy of a payload.
func (m *Manager) CancelTransfer(id int64) int {
	return m.xfers.Cancel(id)
}

func (m *Manager) CancelTransferTo(id int64, endpointID string) int {
	return m.xfers.Cancel(id, endpointID)
}

// Discovered, Pending and Established return snapshots and may be called
// from any goroutine.
func (m *Manager) Discovered() []registry.Endpoint {
	return m.reg.Discovered()
}

func (m *Manager) Pending() []registry.PendingEndpoint {
	return m.reg.Pending()
}

func (m *Manager) Established() []registry.Endpoint {
	return m.reg.Established()
}

func (m *Manager) SessionState(endpointID string) (session.State, bool) {
	return m.conns.State(endpointID)
}

func (m *Manager) Session(endpointID string) (session.Session, bool) {
	return m.conns.Get(endpointID)
}

func (m *Manager) Transfer(id int64) (payload.Transfer, bool) {
	return m.xfers.Transfer(id)
}

func (m *Manager) Transfers() []payload.Transfer {
	return m.xfers.Transfers()
}

func (m *Manager) EvictTransfer(id int64) bool {
	return m.xfers.Evict(id)
}

// EvictFinished drops every transfer whose copies all finished.
func (m *Manager) EvictFinished() int {
	return m.xfers.EvictTerminal()
}

func (m *Manager) Capabilities() transport.Capabilities {
	return m.caps
}

// StopAll stops advertising and discovery and disconnects every endpoint.
func (m *Manager) StopAll() error {
	m.StopAdvertising()
	m.StopDiscovering()
	return m.conns.DisconnectAll()
}

// Shutdown tears the manager down. Events already queued are applied before
// it returns; later calls are no-ops.
func (m *Manager) Shutdown() error {
	if !m.shutdown.CompareAndSwap(false, true) {
		return nil
	}
	m.logger.Info("Shutting down")

	var err error
	err = multierr.Append(err, m.StopAll())
	err = multierr.Append(err, m.tr.Close())
	m.disp.Close()
	m.disp.Drain()
	m.conns.Reset()
	return err
}
