package loopback

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/rudransh-shrivastava/nearby/internal/transport"
)

// Device is one endpoint on a Medium. It implements transport.Transport.
type Device struct {
	id         string
	flavor     Flavor
	medium     *Medium
	receiveDir string
	logger     *slog.Logger

	// guarded by medium.mu
	advertising bool
	advName     string
	advService  string
	discovering bool
	discService string
	closed      bool

	sinkMu sync.RWMutex
	sink   transport.Sink

	wg   sync.WaitGroup
	done chan struct{}
}

var _ transport.Transport = (*Device)(nil)

func (d *Device) ID() string      { return d.id }
func (d *Device) Flavor() Flavor  { return d.flavor }
func (d *Device) Medium() *Medium { return d.medium }

func (d *Device) Attach(sink transport.Sink) {
	d.sinkMu.Lock()
	d.sink = sink
	d.sinkMu.Unlock()
}

func (d *Device) Capabilities() transport.Capabilities {
	return d.flavor.Capabilities()
}

func (d *Device) emit(ev transport.Event) {
	d.sinkMu.RLock()
	sink := d.sink
	d.sinkMu.RUnlock()
	if sink != nil {
		sink(ev)
	}
}

func (d *Device) StartAdvertising(_ context.Context, localName, serviceID string, s transport.Strategy) error {
	m := d.medium
	m.mu.Lock()
	if d.closed {
		m.mu.Unlock()
		return transport.ErrClosed
	}
	d.advertising = true
	d.advName = localName
	d.advService = serviceID

	out := []delivery{{d, transport.AdvertisingStarted{}}}
	for _, p := range m.peersLocked(d.id) {
		if p.discovering && p.discService == serviceID {
			out = append(out, delivery{p, transport.EndpointFound{EndpointID: d.id, Name: localName}})
		}
	}
	m.mu.Unlock()

	d.logger.Debug("Advertising", "name", localName, "service", serviceID, "strategy", s)
	m.deliver(out)
	return nil
}

func (d *Device) StopAdvertising() error {
	m := d.medium
	m.mu.Lock()
	if !d.advertising {
		m.mu.Unlock()
		return nil
	}
	d.advertising = false

	var out []delivery
	for _, p := range m.peersLocked(d.id) {
		if p.discovering && p.discService == d.advService {
			out = append(out, delivery{p, transport.EndpointLost{EndpointID: d.id}})
		}
	}
	m.mu.Unlock()

	m.deliver(out)
	return nil
}

func (d *Device) StartDiscovery(_ context.Context, serviceID string, s transport.Strategy) error {
	m := d.medium
	m.mu.Lock()
	if d.closed {
		m.mu.Unlock()
		return transport.ErrClosed
	}
	d.discovering = true
	d.discService = serviceID

	out := []delivery{{d, transport.DiscoveryStarted{}}}
	for _, p := range m.peersLocked(d.id) {
		if p.advertising && p.advService == serviceID {
			out = append(out, delivery{d, transport.EndpointFound{EndpointID: p.id, Name: p.advName}})
		}
	}
	m.mu.Unlock()

	d.logger.Debug("Discovering", "service", serviceID, "strategy", s)
	m.deliver(out)
	return nil
}

func (d *Device) StopDiscovery() error {
	m := d.medium
	m.mu.Lock()
	d.discovering = false
	m.mu.Unlock()
	return nil
}

func (d *Device) RequestConnection(_ context.Context, localName, endpointID string) error {
	m := d.medium
	m.mu.Lock()
	if d.closed {
		m.mu.Unlock()
		return transport.ErrClosed
	}
	r, ok := m.devices[endpointID]
	if !ok || !r.advertising {
		m.mu.Unlock()
		return fmt.Errorf("request %s: %w", endpointID, transport.ErrUnknownEndpoint)
	}
	if m.linkLocked(d.id, endpointID) != nil {
		m.mu.Unlock()
		return fmt.Errorf("request %s: connection already exists", endpointID)
	}

	nonce := uuid.New()
	l := &link{
		initiator: d.id,
		accepted:  make(map[string]bool, 2),
		code:      transport.VerificationCode(d.id, endpointID, nonce[:]),
	}
	if !d.flavor.Capabilities().InitiatorAccepts {
		l.accepted[d.id] = true
	}
	m.links[keyOf(d.id, endpointID)] = l

	out := []delivery{
		{d, transport.ConnectionRequested{EndpointID: endpointID, Name: r.advName, Incoming: false, VerificationCode: l.code}},
		{r, transport.ConnectionRequested{EndpointID: d.id, Name: localName, Incoming: true, VerificationCode: l.code}},
	}
	m.mu.Unlock()

	m.deliver(out)
	return nil
}

func (d *Device) AcceptConnection(endpointID string) error {
	m := d.medium
	m.mu.Lock()
	l := m.linkLocked(d.id, endpointID)
	if l == nil || l.connected {
		m.mu.Unlock()
		return fmt.Errorf("accept %s: %w", endpointID, transport.ErrUnknownEndpoint)
	}
	l.accepted[d.id] = true

	var out []delivery
	if l.accepted[endpointID] {
		l.connected = true
		out = append(out,
			delivery{d, transport.EndpointConnected{EndpointID: endpointID}},
			delivery{m.devices[endpointID], transport.EndpointConnected{EndpointID: d.id}},
		)
	}
	m.mu.Unlock()

	m.deliver(out)
	return nil
}

func (d *Device) RejectConnection(endpointID string) error {
	m := d.medium
	m.mu.Lock()
	l := m.linkLocked(d.id, endpointID)
	if l == nil || l.connected {
		m.mu.Unlock()
		return fmt.Errorf("reject %s: %w", endpointID, transport.ErrUnknownEndpoint)
	}
	delete(m.links, keyOf(d.id, endpointID))

	out := []delivery{{d, transport.ConnectionFailed{EndpointID: endpointID, Err: transport.ErrRejected}}}
	if r, ok := m.devices[endpointID]; ok {
		out = append(out, delivery{r, transport.ConnectionFailed{EndpointID: d.id, Err: transport.ErrRejected}})
	}
	m.mu.Unlock()

	m.deliver(out)
	return nil
}

// Disconnect drops the link to endpointID. Only the peer is notified.
func (d *Device) Disconnect(endpointID string) error {
	m := d.medium
	m.mu.Lock()
	out := d.unlinkLocked(endpointID)
	m.mu.Unlock()

	m.deliver(out)
	return nil
}

func (d *Device) unlinkLocked(endpointID string) []delivery {
	m := d.medium
	l := m.linkLocked(d.id, endpointID)
	if l == nil {
		return nil
	}
	delete(m.links, keyOf(d.id, endpointID))

	r, ok := m.devices[endpointID]
	if !ok {
		return nil
	}
	if l.connected {
		return []delivery{{r, transport.EndpointDisconnected{EndpointID: d.id}}}
	}
	return []delivery{{r, transport.ConnectionFailed{EndpointID: d.id, Err: transport.ErrNotConnected}}}
}

// Close detaches the device from the medium and waits for its transfers.
func (d *Device) Close() error {
	m := d.medium
	m.mu.Lock()
	if d.closed {
		m.mu.Unlock()
		return nil
	}
	d.closed = true

	var out []delivery
	if d.advertising {
		d.advertising = false
		for _, p := range m.peersLocked(d.id) {
			if p.discovering && p.discService == d.advService {
				out = append(out, delivery{p, transport.EndpointLost{EndpointID: d.id}})
			}
		}
	}
	d.discovering = false
	for _, p := range m.peersLocked(d.id) {
		out = append(out, d.unlinkLocked(p.id)...)
	}
	delete(m.devices, d.id)
	m.mu.Unlock()

	m.deliver(out)
	close(d.done)
	d.wg.Wait()

	d.sinkMu.Lock()
	d.sink = nil
	d.sinkMu.Unlock()
	return nil
}
