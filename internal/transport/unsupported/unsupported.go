// Package unsupported is the transport for platforms without nearby
// connections. Starting advertising or discovery reports a failure event;
// every other operation returns transport.ErrUnsupported.
package unsupported

import (
	"context"
	"runtime"
	"sync"

	"github.com/rudransh-shrivastava/nearby/internal/transport"
)

type Transport struct {
	mu   sync.RWMutex
	sink transport.Sink
}

var _ transport.Transport = (*Transport)(nil)

func New() *Transport {
	return &Transport{}
}

func (t *Transport) Attach(sink transport.Sink) {
	t.mu.Lock()
	t.sink = sink
	t.mu.Unlock()
}

func (t *Transport) Capabilities() transport.Capabilities {
	return transport.Capabilities{Platform: runtime.GOOS}
}

func (t *Transport) emit(ev transport.Event) {
	t.mu.RLock()
	sink := t.sink
	t.mu.RUnlock()
	if sink != nil {
		sink(ev)
	}
}

func (t *Transport) StartAdvertising(context.Context, string, string, transport.Strategy) error {
	t.emit(transport.AdvertisingFailed{Err: transport.ErrUnsupported})
	return nil
}

func (t *Transport) StopAdvertising() error { return nil }

func (t *Transport) StartDiscovery(context.Context, string, transport.Strategy) error {
	t.emit(transport.DiscoveryFailed{Err: transport.ErrUnsupported})
	return nil
}

func (t *Transport) StopDiscovery() error { return nil }

func (t *Transport) RequestConnection(context.Context, string, string) error {
	return transport.ErrUnsupported
}

func (t *Transport) AcceptConnection(string) error { return transport.ErrUnsupported }
func (t *Transport) RejectConnection(string) error { return transport.ErrUnsupported }
func (t *Transport) Disconnect(string) error       { return nil }

func (t *Transport) Send(context.Context, *transport.Outgoing) error {
	return transport.ErrUnsupported
}

func (t *Transport) Close() error { return nil }
