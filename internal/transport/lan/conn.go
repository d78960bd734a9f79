package lan

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/quic-go/quic-go"

	"github.com/rudransh-shrivastava/nearby/internal/protocol"
	"github.com/rudransh-shrivastava/nearby/internal/transport"
)

// RequestConnection dials a discovered endpoint. The dial happens in the
// background and is bounded by ctx; failures arrive as ConnectionFailed.
func (t *Transport) RequestConnection(ctx context.Context, localName, endpointID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return transport.ErrClosed
	}
	s, ok := t.seen[endpointID]
	if !ok {
		return fmt.Errorf("request %s: %w", endpointID, transport.ErrUnknownEndpoint)
	}
	if _, exists := t.links[endpointID]; exists {
		return fmt.Errorf("request %s: connection already exists", endpointID)
	}

	l := &link{id: endpointID, name: s.name}
	t.links[endpointID] = l
	addr, service := s.addr, t.discService
	t.spawn(func() { t.dial(ctx, l, addr, localName, service) })
	return nil
}

func (t *Transport) dial(ctx context.Context, l *link, addr, localName, service string) {
	ctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	conn, err := quic.DialAddr(ctx, addr, dialTLSConfig(t.tlsConf, l.id), quicConfig())
	if err != nil {
		t.dropLink(l, fmt.Errorf("dial %s: %w", addr, err))
		return
	}
	p := NewPeer(conn)

	nonce := uuid.New()
	req := &protocol.ConnectionRequest{EndpointID: t.id, Name: localName, ServiceID: service}
	copy(req.Nonce[:], nonce[:])
	if err := p.Send(ctx, req); err != nil {
		_ = p.Close()
		t.dropLink(l, fmt.Errorf("send connection request: %w", err))
		return
	}

	t.mu.Lock()
	if t.links[l.id] != l {
		t.mu.Unlock()
		_ = p.Close()
		return
	}
	l.peer = p
	l.code = transport.VerificationCode(t.id, l.id, req.Nonce[:])
	t.mu.Unlock()

	t.logger.Info("Connection requested", "peer", l.id, "addr", addr)
	t.emit(transport.ConnectionRequested{EndpointID: l.id, Name: l.name, Incoming: false, VerificationCode: l.code})
	t.serve(l)
}

// dropLink forgets a link that never got connected.
func (t *Transport) dropLink(l *link, err error) {
	t.mu.Lock()
	if t.links[l.id] != l {
		t.mu.Unlock()
		return
	}
	delete(t.links, l.id)
	t.mu.Unlock()

	t.logger.Warn("Connection failed", "peer", l.id, "error", err)
	t.emit(transport.ConnectionFailed{EndpointID: l.id, Err: err})
}

func (t *Transport) acceptLoop(ln *quic.Listener) {
	for {
		conn, err := ln.Accept(context.Background())
		if err != nil {
			if !errors.Is(err, quic.ErrServerClosed) {
				t.logger.Warn("Listener stopped", "error", err)
			}
			return
		}
		t.spawn(func() { t.handshake(conn) })
	}
}

// handshake reads the connection request of an inbound connection.
func (t *Transport) handshake(conn *quic.Conn) {
	p := NewPeer(conn)
	ctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
	defer cancel()

	req, err := protocol.Expect[*protocol.ConnectionRequest](p.Receive(ctx))
	if errors.Is(err, protocol.ErrUnexpectedMessage) {
		t.refuse(ctx, p, protocol.ErrInvalidMsg, err.Error())
		return
	}
	if err != nil {
		t.logger.Debug("Inbound connection sent no request", "addr", p.RemoteAddr(), "error", err)
		_ = p.Close()
		return
	}

	if id, err := remoteEndpointID(p.conn); err != nil || id != req.EndpointID {
		t.refuse(ctx, p, protocol.ErrIdentity, "certificate does not name the requesting endpoint")
		return
	}

	t.mu.Lock()
	var code protocol.ErrorCode
	switch {
	case t.stopAdv == nil:
		code = protocol.ErrNotAdvertising
	case req.ServiceID != t.advService:
		code = protocol.ErrServiceMismatch
	case t.links[req.EndpointID] != nil:
		code = protocol.ErrInternal
	}
	if code != protocol.ErrUnknown {
		t.mu.Unlock()
		t.refuse(ctx, p, code, "connection refused")
		return
	}
	l := &link{
		id:       req.EndpointID,
		name:     req.Name,
		peer:     p,
		incoming: true,
		code:     transport.VerificationCode(t.id, req.EndpointID, req.Nonce[:]),
	}
	t.links[l.id] = l
	t.mu.Unlock()

	t.logger.Info("Connection request received", "peer", l.id, "name", l.name, "addr", p.RemoteAddr())
	t.emit(transport.ConnectionRequested{EndpointID: l.id, Name: l.name, Incoming: true, VerificationCode: l.code})
	t.serve(l)
}

func (t *Transport) refuse(ctx context.Context, p *Peer, code protocol.ErrorCode, reason string) {
	t.logger.Info("Refusing connection", "addr", p.RemoteAddr(), "code", code)
	if err := p.Send(ctx, &protocol.Error{Code: code, Message: reason}); err != nil {
		_ = p.Close()
		return
	}
	t.release(p)
}

// serve reads control messages until the connection ends.
func (t *Transport) serve(l *link) {
	t.spawn(func() { t.acceptPayloads(l) })

	for {
		msg, err := l.peer.Receive(context.Background())
		if err != nil {
			t.linkDown(l, fmt.Errorf("%w: %v", transport.ErrNotConnected, err))
			return
		}

		switch m := msg.(type) {
		case *protocol.ConnectionResponse:
			t.answered(l, m.Accepted)
		case *protocol.Disconnect:
			t.logger.Info("Peer hung up", "peer", l.id, "reason", m.Reason)
			t.linkDown(l, transport.ErrNotConnected)
			return
		case *protocol.Error:
			t.linkDown(l, fmt.Errorf("%s: %s", m.Code, m.Message))
			return
		default:
			t.logger.Warn("Unhandled control message", "peer", l.id, "type", msg.Type().String())
		}
	}
}

// linkDown handles the remote end going away.
func (t *Transport) linkDown(l *link, err error) {
	t.mu.Lock()
	if t.links[l.id] != l {
		t.mu.Unlock()
		_ = l.peer.Close()
		return
	}
	delete(t.links, l.id)
	connected := l.connected
	t.mu.Unlock()

	_ = l.peer.Close()
	if connected {
		t.logger.Info("Endpoint disconnected", "peer", l.id)
		t.emit(transport.EndpointDisconnected{EndpointID: l.id})
		return
	}
	t.logger.Info("Handshake ended", "peer", l.id, "error", err)
	t.emit(transport.ConnectionFailed{EndpointID: l.id, Err: err})
}

func (t *Transport) answered(l *link, accepted bool) {
	t.mu.Lock()
	if t.links[l.id] != l || l.connected {
		t.mu.Unlock()
		return
	}
	if !accepted {
		delete(t.links, l.id)
		t.mu.Unlock()
		_ = l.peer.Close()
		t.logger.Info("Connection rejected by peer", "peer", l.id)
		t.emit(transport.ConnectionFailed{EndpointID: l.id, Err: transport.ErrRejected})
		return
	}
	l.remoteOK = true
	ready := l.localOK
	l.connected = ready
	t.mu.Unlock()

	if ready {
		t.connected(l)
	}
}

func (t *Transport) connected(l *link) {
	t.logger.Info("Endpoint connected", "peer", l.id, "name", l.name)
	t.emit(transport.EndpointConnected{EndpointID: l.id})
}

// pendingLink returns a link whose handshake can still be decided.
func (t *Transport) pendingLink(endpointID string) (*link, bool) {
	l, ok := t.links[endpointID]
	if !ok || l.peer == nil || l.connected {
		return nil, false
	}
	return l, true
}

func (t *Transport) AcceptConnection(endpointID string) error {
	t.mu.Lock()
	l, ok := t.pendingLink(endpointID)
	if !ok || l.localOK {
		t.mu.Unlock()
		return fmt.Errorf("accept %s: %w", endpointID, transport.ErrUnknownEndpoint)
	}
	l.localOK = true
	ready := l.remoteOK
	l.connected = ready
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
	defer cancel()
	if err := l.peer.Send(ctx, &protocol.ConnectionResponse{Accepted: true}); err != nil {
		return fmt.Errorf("accept %s: %w", endpointID, err)
	}
	if ready {
		t.connected(l)
	}
	return nil
}

func (t *Transport) RejectConnection(endpointID string) error {
	t.mu.Lock()
	l, ok := t.pendingLink(endpointID)
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("reject %s: %w", endpointID, transport.ErrUnknownEndpoint)
	}
	delete(t.links, endpointID)
	t.spawn(func() { t.release(l.peer) })
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
	defer cancel()
	err := l.peer.Send(ctx, &protocol.ConnectionResponse{Accepted: false})

	t.emit(transport.ConnectionFailed{EndpointID: endpointID, Err: transport.ErrRejected})
	if err != nil {
		return fmt.Errorf("reject %s: %w", endpointID, err)
	}
	return nil
}

// Disconnect drops the connection to endpointID. Only the peer is notified.
func (t *Transport) Disconnect(endpointID string) error {
	t.mu.Lock()
	l, ok := t.links[endpointID]
	if !ok {
		t.mu.Unlock()
		return nil
	}
	delete(t.links, endpointID)
	if l.peer != nil {
		t.spawn(func() {
			t.goodbye(l.peer, "disconnect")
			t.release(l.peer)
		})
	}
	t.mu.Unlock()

	t.logger.Info("Disconnecting", "peer", endpointID)
	return nil
}

func (t *Transport) goodbye(p *Peer, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), linger)
	defer cancel()
	if err := p.Send(ctx, &protocol.Disconnect{Reason: reason}); err != nil {
		t.logger.Debug("Failed to send disconnect", "addr", p.RemoteAddr(), "error", err)
	}
}
