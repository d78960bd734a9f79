// Package transport defines the boundary between the session core and a
// concrete radio or network stack. A Transport performs the I/O and reports
// everything it observes as Events through the Sink it was attached to; the
// core never branches on which Transport was injected.
package transport

import (
	"context"
	"errors"

	"github.com/rudransh-shrivastava/nearby/internal/stream"
)

var (
	ErrUnsupported     = errors.New("nearby connections are not supported on this platform")
	ErrUnknownEndpoint = errors.New("unknown endpoint")
	ErrNotAdvertising  = errors.New("not advertising")
	ErrNotConnected    = errors.New("endpoint not connected")
	ErrRejected        = errors.New("connection rejected")
	ErrClosed          = errors.New("transport closed")
)

// Sink receives events. Transports call it from their own goroutines.
type Sink func(Event)

// Capabilities describes platform quirks the core has to account for.
type Capabilities struct {
	Platform string

	// ZeroTotalMeansComplete marks transports that never report an explicit
	// success for files and instead send a progress update with total == 0.
	ZeroTotalMeansComplete bool

	// InitiatorAccepts marks transports where the requesting side must also
	// approve the connection before it is established.
	InitiatorAccepts bool
}

type Transport interface {
	// Attach installs the sink. It must be called before any other method.
	Attach(sink Sink)
	Capabilities() Capabilities

	StartAdvertising(ctx context.Context, localName, serviceID string, s Strategy) error
	StopAdvertising() error
	StartDiscovery(ctx context.Context, serviceID string, s Strategy) error
	StopDiscovery() error

	RequestConnection(ctx context.Context, localName, endpointID string) error
	AcceptConnection(endpointID string) error
	RejectConnection(endpointID string) error
	Disconnect(endpointID string) error

	// Send starts transmitting p to each of p.Targets and returns without
	// waiting for completion. Progress and terminal status arrive as events.
	Send(ctx context.Context, p *Outgoing) error

	Close() error
}

// Outgoing is one logical send fanned out to several endpoints.
type Outgoing struct {
	ID      int64
	Kind    PayloadKind
	Targets []string

	// Tokens holds one cancellation token per target.
	Tokens map[string]*CancelToken

	Data   []byte
	Source *stream.Reader
	Path   string
	Name   string
	Size   int64
}

// Token returns the cancellation token for endpointID, never nil.
func (p *Outgoing) Token(endpointID string) *CancelToken {
	if t, ok := p.Tokens[endpointID]; ok && t != nil {
		return t
	}
	return NewCancelToken()
}
