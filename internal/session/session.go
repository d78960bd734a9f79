// Package session runs the per-endpoint connection state machine:
// discovered, pending (outgoing or incoming), connected or rejected, and
// finally disconnected.
//
// A Machine is not safe for concurrent use. It is driven from the single
// goroutine that drains the event dispatcher; the registry it updates is the
// only state other goroutines may observe, and only through snapshots.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/rudransh-shrivastava/nearby/internal/registry"
	"github.com/rudransh-shrivastava/nearby/internal/transport"
)

var (
	ErrNotDiscovered = errors.New("endpoint not discovered")
	ErrRejected      = errors.New("connection rejected")
	ErrCanceled      = errors.New("connection canceled locally")
)

type State int

const (
	Discovered State = iota
	PendingOutgoing
	PendingIncoming
	Connected
	Rejected
	Disconnected
)

func (s State) String() string {
	switch s {
	case Discovered:
		return "Discovered"
	case PendingOutgoing:
		return "PendingOutgoing"
	case PendingIncoming:
		return "PendingIncoming"
	case Connected:
		return "Connected"
	case Rejected:
		return "Rejected"
	case Disconnected:
		return "Disconnected"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

func (s State) Pending() bool {
	return s == PendingOutgoing || s == PendingIncoming
}

// Terminal reports whether the handshake attempt is over.
func (s State) Terminal() bool {
	return s == Rejected || s == Disconnected
}

type Session struct {
	Endpoint         registry.Endpoint
	State            State
	VerificationCode string
	Incoming         bool

	awaitingDecision bool
}

// AwaitingDecision reports whether Accept or Reject would take effect.
func (s Session) AwaitingDecision() bool {
	return s.awaitingDecision
}

// Connector is the part of a transport the machine drives.
type Connector interface {
	RequestConnection(ctx context.Context, localName, endpointID string) error
	AcceptConnection(endpointID string) error
	RejectConnection(endpointID string) error
	Disconnect(endpointID string) error
}

// Notifier receives one call per observable transition.
type Notifier interface {
	EndpointDiscovered(ep registry.Endpoint)
	EndpointLost(endpointID string)
	ConnectionInitiated(ep registry.Endpoint, verificationCode string, incoming bool)
	ConnectionFailed(endpointID string, err error)
	EndpointConnected(ep registry.Endpoint)
	EndpointDisconnected(ep registry.Endpoint)
}

type Options struct {
	Capabilities transport.Capabilities
	Logger       *slog.Logger
}

type Machine struct {
	reg      *registry.Registry
	conn     Connector
	notify   Notifier
	caps     transport.Capabilities
	logger   *slog.Logger
	sessions map[string]*Session
}

func NewMachine(reg *registry.Registry, conn Connector, notify Notifier, opts Options) *Machine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		reg:      reg,
		conn:     conn,
		notify:   notify,
		caps:     opts.Capabilities,
		logger:   logger.With("component", "session"),
		sessions: make(map[string]*Session),
	}
}

// Found handles a discovery report.
func (m *Machine) Found(id, name string) {
	if s, ok := m.sessions[id]; ok && !s.State.Terminal() {
		if name != "" {
			s.Endpoint.Name = name
		}
		m.reg.AddDiscovered(id, name)
		m.logger.Debug("Endpoint rediscovered", "endpoint", id, "state", s.State)
		return
	}

	ep := registry.Endpoint{ID: id, Name: name}
	m.sessions[id] = &Session{Endpoint: ep, State: Discovered}
	if m.reg.AddDiscovered(id, name) {
		m.logger.Info("Endpoint discovered", "endpoint", id, "name", name)
		m.notify.EndpointDiscovered(ep)
	}
}

// Lost handles an out-of-range report. Endpoints that already started
// connecting are unaffected.
func (m *Machine) Lost(id string) {
	s, ok := m.sessions[id]
	if !ok || s.State != Discovered {
		m.logger.Debug("Ignoring loss of endpoint not merely discovered", "endpoint", id)
		return
	}
	delete(m.sessions, id)
	if m.reg.RemoveDiscovered(id) {
		m.logger.Info("Endpoint lost", "endpoint", id)
		m.notify.EndpointLost(id)
	}
}

// Connect requests a connection to a discovered endpoint.
func (m *Machine) Connect(ctx context.Context, localName, id string) error {
	s, ok := m.sessions[id]
	if !ok || s.State.Terminal() {
		return fmt.Errorf("connect %s: %w", id, ErrNotDiscovered)
	}
	if s.State != Discovered {
		m.logger.Warn("Connect ignored, handshake already under way", "endpoint", id, "state", s.State)
		return nil
	}

	s.State = PendingOutgoing
	s.Incoming = false
	m.reg.MarkPending(id, "", registry.Outgoing)
	m.logger.Info("Requesting connection", "endpoint", id, "localName", localName)

	if err := m.conn.RequestConnection(ctx, localName, id); err != nil {
		m.logger.Error("Connection request failed", "endpoint", id, "error", err)
		m.fail(s, err)
	}
	return nil
}

// Requested handles the handshake report a transport emits on both sides.
func (m *Machine) Requested(id, name string, incoming bool, code string) {
	s, ok := m.sessions[id]
	if ok && s.State == Connected {
		m.logger.Warn("Connection request for connected endpoint ignored", "endpoint", id)
		return
	}
	if !ok || s.State.Terminal() || s.State == Discovered && !incoming {
		s = &Session{Endpoint: registry.Endpoint{ID: id}}
		if existing, found := m.reg.Lookup(id); found != registry.SetNone {
			s.Endpoint.Name = existing.Name
		}
		m.sessions[id] = s
	}
	if name != "" {
		s.Endpoint.Name = name
	}

	s.VerificationCode = code
	s.Incoming = incoming
	if incoming {
		s.State = PendingIncoming
		s.awaitingDecision = true
		m.reg.MarkPending(id, name, registry.Incoming)
	} else {
		s.State = PendingOutgoing
		s.awaitingDecision = m.caps.InitiatorAccepts
		m.reg.MarkPending(id, name, registry.Outgoing)
	}

	m.logger.Info("Connection initiated", "endpoint", id, "name", s.Endpoint.Name,
		"incoming", incoming, "code", code)
	m.notify.ConnectionInitiated(s.Endpoint, code, incoming)
}

// Accept approves a pending handshake. Unknown or resolved ids are ignored.
func (m *Machine) Accept(id string) error {
	s, ok := m.decidable(id, "accept")
	if !ok {
		return nil
	}
	s.awaitingDecision = false

	if err := m.conn.AcceptConnection(id); err != nil {
		m.logger.Error("Accept failed", "endpoint", id, "error", err)
		m.fail(s, err)
		return nil
	}
	m.logger.Info("Connection accepted", "endpoint", id)
	return nil
}

// Reject declines a pending handshake. Unknown or resolved ids are ignored.
func (m *Machine) Reject(id string) error {
	s, ok := m.decidable(id, "reject")
	if !ok {
		return nil
	}
	s.awaitingDecision = false

	if err := m.conn.RejectConnection(id); err != nil {
		m.logger.Warn("Transport reject failed", "endpoint", id, "error", err)
	}
	m.logger.Info("Connection rejected", "endpoint", id)
	m.fail(s, ErrRejected)
	return nil
}

func (m *Machine) decidable(id, op string) (*Session, bool) {
	s, ok := m.sessions[id]
	if !ok {
		m.logger.Warn("Ignoring "+op+" for unknown endpoint", "endpoint", id)
		return nil, false
	}
	if !s.State.Pending() || !s.awaitingDecision {
		m.logger.Warn("Ignoring "+op+" for resolved endpoint", "endpoint", id, "state", s.State)
		return nil, false
	}
	return s, true
}

// Connected handles the transport's report that both sides approved.
func (m *Machine) Connected(id string) {
	s, ok := m.sessions[id]
	if ok && s.State == Connected {
		m.logger.Debug("Duplicate connected report", "endpoint", id)
		return
	}
	if !ok || !s.State.Pending() {
		m.logger.Warn("Connected report without handshake, admitting endpoint", "endpoint", id)
		ep, _ := m.reg.Lookup(id)
		s = &Session{Endpoint: ep}
		m.sessions[id] = s
		m.reg.MarkPending(id, "", registry.Incoming)
	}

	s.State = Connected
	s.awaitingDecision = false
	m.reg.MarkConnected(id)
	m.logger.Info("Endpoint connected", "endpoint", id, "name", s.Endpoint.Name)
	m.notify.EndpointConnected(s.Endpoint)
}

// Failed handles a handshake failure or a rejection by the peer.
func (m *Machine) Failed(id string, err error) {
	s, ok := m.sessions[id]
	if !ok || !s.State.Pending() {
		m.logger.Debug("Ignoring connection failure for endpoint not pending", "endpoint", id)
		return
	}
	m.logger.Info("Connection failed", "endpoint", id, "error", err)
	m.fail(s, err)
}

// RemoteDisconnected handles the peer or the transport dropping a link.
func (m *Machine) RemoteDisconnected(id string) {
	s, ok := m.sessions[id]
	if !ok {
		m.logger.Debug("Ignoring disconnect for unknown endpoint", "endpoint", id)
		return
	}
	switch {
	case s.State == Connected:
		m.disconnected(s)
	case s.State.Pending():
		m.fail(s, ErrCanceled)
	default:
		m.logger.Debug("Ignoring repeated disconnect", "endpoint", id, "state", s.State)
	}
}

// Disconnect tears down a connection or abandons a handshake. Calling it
// again for the same endpoint has no effect.
func (m *Machine) Disconnect(id string) error {
	s, ok := m.sessions[id]
	if !ok || !(s.State == Connected || s.State.Pending()) {
		m.logger.Debug("Disconnect is a no-op", "endpoint", id)
		return nil
	}

	var err error
	if terr := m.conn.Disconnect(id); terr != nil {
		m.logger.Warn("Transport disconnect failed", "endpoint", id, "error", terr)
		err = fmt.Errorf("disconnect %s: %w", id, terr)
	}
	if s.State == Connected {
		m.disconnected(s)
	} else {
		m.fail(s, ErrCanceled)
	}
	return err
}

// DisconnectAll disconnects every connected or pending endpoint.
func (m *Machine) DisconnectAll() error {
	var errs []error
	for _, id := range m.activeIDs() {
		if err := m.Disconnect(id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ClearDiscovered forgets endpoints that are merely discovered.
func (m *Machine) ClearDiscovered() {
	for id, s := range m.sessions {
		if s.State == Discovered {
			delete(m.sessions, id)
		}
	}
	m.reg.ClearDiscovered()
}

func (m *Machine) Reset() {
	m.sessions = make(map[string]*Session)
	m.reg.Reset()
}

func (m *Machine) fail(s *Session, err error) {
	s.State = Rejected
	s.awaitingDecision = false
	m.reg.MarkRejected(s.Endpoint.ID)
	m.notify.ConnectionFailed(s.Endpoint.ID, err)
}

func (m *Machine) disconnected(s *Session) {
	s.State = Disconnected
	m.reg.MarkDisconnected(s.Endpoint.ID)
	m.logger.Info("Endpoint disconnected", "endpoint", s.Endpoint.ID)
	m.notify.EndpointDisconnected(s.Endpoint)
}

func (m *Machine) activeIDs() []string {
	ids := make([]string, 0, len(m.sessions))
	for id, s := range m.sessions {
		if s.State == Connected || s.State.Pending() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Get returns a copy of the session for id.
func (m *Machine) Get(id string) (Session, bool) {
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

func (m *Machine) State(id string) (State, bool) {
	s, ok := m.sessions[id]
	if !ok {
		return 0, false
	}
	return s.State, true
}

func (m *Machine) Sessions() []Session {
	out := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Endpoint.ID < out[j].Endpoint.ID })
	return out
}
