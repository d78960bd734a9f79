package session

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/rudransh-shrivastava/nearby/internal/logger"
	"github.com/rudransh-shrivastava/nearby/internal/registry"
	"github.com/rudransh-shrivastava/nearby/internal/transport"
)

type fakeConnector struct {
	calls      []string
	requestErr error
}

func (f *fakeConnector) RequestConnection(_ context.Context, localName, id string) error {
	f.calls = append(f.calls, "request:"+localName+":"+id)
	return f.requestErr
}

func (f *fakeConnector) AcceptConnection(id string) error {
	f.calls = append(f.calls, "accept:"+id)
	return nil
}

func (f *fakeConnector) RejectConnection(id string) error {
	f.calls = append(f.calls, "reject:"+id)
	return nil
}

func (f *fakeConnector) Disconnect(id string) error {
	f.calls = append(f.calls, "disconnect:"+id)
	return nil
}

type recorder struct {
	events []string
}

func (r *recorder) EndpointDiscovered(ep registry.Endpoint) {
	r.events = append(r.events, "discovered:"+ep.ID)
}

func (r *recorder) EndpointLost(id string) {
	r.events = append(r.events, "lost:"+id)
}

func (r *recorder) ConnectionInitiated(ep registry.Endpoint, code string, incoming bool) {
	r.events = append(r.events, fmt.Sprintf("initiated:%s:%s:%v", ep.ID, code, incoming))
}

func (r *recorder) ConnectionFailed(id string, _ error) {
	r.events = append(r.events, "failed:"+id)
}

func (r *recorder) EndpointConnected(ep registry.Endpoint) {
	r.events = append(r.events, "connected:"+ep.ID)
}

func (r *recorder) EndpointDisconnected(ep registry.Endpoint) {
	r.events = append(r.events, "disconnected:"+ep.ID)
}

func (r *recorder) count(event string) int {
	n := 0
	for _, e := range r.events {
		if e == event {
			n++
		}
	}
	return n
}

func setupMachine(t *testing.T, caps transport.Capabilities) (*Machine, *registry.Registry, *fakeConnector, *recorder) {
	t.Helper()
	reg := registry.New()
	conn := &fakeConnector{}
	rec := &recorder{}
	m := NewMachine(reg, conn, rec, Options{Capabilities: caps, Logger: logger.Discard()})
	return m, reg, conn, rec
}

func expectState(t *testing.T, m *Machine, id string, want State) {
	t.Helper()
	got, ok := m.State(id)
	if !ok {
		t.Fatalf("expected session for %s", id)
	}
	if got != want {
		t.Fatalf("expected %s to be %v, got %v", id, want, got)
	}
}

func TestOutgoingHandshakeScenario(t *testing.T) {
	m, reg, conn, rec := setupMachine(t, transport.Capabilities{})

	m.Found("E1", "Alice")
	if err := m.Connect(context.Background(), "Bob", "E1"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	expectState(t, m, "E1", PendingOutgoing)
	if len(reg.Discovered()) != 0 {
		t.Error("expected E1 removed from discovered")
	}
	if conn.calls[0] != "request:Bob:E1" {
		t.Errorf("unexpected transport call %v", conn.calls)
	}

	m.Requested("E1", "Alice", false, "1234")
	expectState(t, m, "E1", PendingOutgoing)
	if len(reg.Pending()) != 1 {
		t.Fatalf("expected E1 pending, got %v", reg.Pending())
	}

	m.Connected("E1")
	expectState(t, m, "E1", Connected)
	if len(reg.Pending()) != 0 || !reg.IsEstablished("E1") {
		t.Fatal("expected E1 moved from pending to established")
	}
	if rec.count("connected:E1") != 1 {
		t.Errorf("expected one connected event, got %v", rec.events)
	}
}

func TestIncomingRequestAccept(t *testing.T) {
	m, reg, conn, rec := setupMachine(t, transport.Capabilities{})

	m.Requested("E2", "Carol", true, "0042")
	expectState(t, m, "E2", PendingIncoming)
	if rec.count("initiated:E2:0042:true") != 1 {
		t.Fatalf("expected initiated event with code, got %v", rec.events)
	}

	s, _ := m.Get("E2")
	if !s.AwaitingDecision() || s.Endpoint.Name != "Carol" {
		t.Fatalf("unexpected session %+v", s)
	}

	if err := m.Accept("E2"); err != nil {
		t.Fatalf("Accept failed: %v", err)
	}
	if conn.calls[len(conn.calls)-1] != "accept:E2" {
		t.Errorf("expected accept forwarded, got %v", conn.calls)
	}

	_ = m.Accept("E2")
	if n := len(conn.calls); n != 1 {
		t.Errorf("expected second accept to be ignored, got %v", conn.calls)
	}

	m.Connected("E2")
	if !reg.IsEstablished("E2") {
		t.Error("expected E2 established")
	}
}

func TestRejectIncoming(t *testing.T) {
	m, reg, conn, rec := setupMachine(t, transport.Capabilities{})

	m.Requested("E2", "Carol", true, "0042")
	_ = m.Reject("E2")

	expectState(t, m, "E2", Rejected)
	if len(reg.Pending()) != 0 {
		t.Error("expected pending set to be empty after reject")
	}
	if conn.calls[0] != "reject:E2" {
		t.Errorf("expected reject forwarded, got %v", conn.calls)
	}

	m.Failed("E2", errors.New("rejected by platform"))
	if rec.count("failed:E2") != 1 {
		t.Errorf("expected exactly one failure event, got %v", rec.events)
	}
}

func TestAcceptUnknownIsNoop(t *testing.T) {
	m, _, conn, rec := setupMachine(t, transport.Capabilities{})

	if err := m.Accept("ghost"); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if err := m.Reject("ghost"); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if len(conn.calls) != 0 || len(rec.events) != 0 {
		t.Errorf("expected no side effects, got calls=%v events=%v", conn.calls, rec.events)
	}
}

func TestAcceptOnOutgoingNeedsCapability(t *testing.T) {
	m, _, conn, _ := setupMachine(t, transport.Capabilities{})
	m.Found("E1", "Alice")
	_ = m.Connect(context.Background(), "Bob", "E1")
	m.Requested("E1", "Alice", false, "1111")

	_ = m.Accept("E1")
	if len(conn.calls) != 1 {
		t.Errorf("expected accept on initiator to be ignored, got %v", conn.calls)
	}

	m2, _, conn2, _ := setupMachine(t, transport.Capabilities{InitiatorAccepts: true})
	m2.Found("E1", "Alice")
	_ = m2.Connect(context.Background(), "Bob", "E1")
	m2.Requested("E1", "Alice", false, "1111")

	_ = m2.Accept("E1")
	if conn2.calls[len(conn2.calls)-1] != "accept:E1" {
		t.Errorf("expected accept on initiator to be forwarded, got %v", conn2.calls)
	}
}

func TestIdempotentDisconnect(t *testing.T) {
	m, reg, conn, rec := setupMachine(t, transport.Capabilities{})
	m.Requested("E1", "Alice", true, "1")
	_ = m.Accept("E1")
	m.Connected("E1")

	if err := m.Disconnect("E1"); err != nil {
		t.Fatalf("first Disconnect failed: %v", err)
	}
	if err := m.Disconnect("E1"); err != nil {
		t.Fatalf("second Disconnect failed: %v", err)
	}
	m.RemoteDisconnected("E1")

	if rec.count("disconnected:E1") != 1 {
		t.Fatalf("expected exactly one disconnected event, got %v", rec.events)
	}
	if n := len(conn.calls); n != 2 {
		t.Errorf("expected one transport disconnect, got %v", conn.calls)
	}
	if len(reg.Established()) != 0 {
		t.Error("expected no established endpoints")
	}
	expectState(t, m, "E1", Disconnected)
}

func TestFailedRequestRejects(t *testing.T) {
	m, reg, conn, rec := setupMachine(t, transport.Capabilities{})
	conn.requestErr = errors.New("radio off")

	m.Found("E1", "Alice")
	if err := m.Connect(context.Background(), "Bob", "E1"); err != nil {
		t.Fatalf("expected failure to surface as an event, got %v", err)
	}

	expectState(t, m, "E1", Rejected)
	if rec.count("failed:E1") != 1 {
		t.Errorf("expected failure event, got %v", rec.events)
	}
	if _, set := reg.Lookup("E1"); set != registry.SetNone {
		t.Errorf("expected E1 forgotten, got %v", set)
	}
}

func TestConnectUnknownEndpoint(t *testing.T) {
	m, _, _, _ := setupMachine(t, transport.Capabilities{})

	err := m.Connect(context.Background(), "Bob", "nobody")
	if !errors.Is(err, ErrNotDiscovered) {
		t.Fatalf("expected ErrNotDiscovered, got %v", err)
	}
}

func TestLostOnlyAffectsDiscovered(t *testing.T) {
	m, reg, _, rec := setupMachine(t, transport.Capabilities{})

	m.Found("E1", "Alice")
	m.Found("E2", "Dave")
	_ = m.Connect(context.Background(), "Bob", "E2")

	m.Lost("E1")
	m.Lost("E2")

	if rec.count("lost:E1") != 1 || rec.count("lost:E2") != 0 {
		t.Fatalf("unexpected events %v", rec.events)
	}
	if _, ok := m.State("E1"); ok {
		t.Error("expected E1 session removed")
	}
	expectState(t, m, "E2", PendingOutgoing)
	if len(reg.Pending()) != 1 {
		t.Error("expected E2 to remain pending")
	}
}

func TestPeerReappearsAfterDisconnect(t *testing.T) {
	m, reg, _, rec := setupMachine(t, transport.Capabilities{})

	m.Found("E1", "Alice")
	_ = m.Connect(context.Background(), "Bob", "E1")
	m.Connected("E1")
	m.RemoteDisconnected("E1")
	m.Found("E1", "Alice")

	expectState(t, m, "E1", Discovered)
	if rec.count("discovered:E1") != 2 {
		t.Errorf("expected two discovery events, got %v", rec.events)
	}
	if len(reg.Discovered()) != 1 {
		t.Error("expected E1 discovered again")
	}
}

func TestDisconnectAll(t *testing.T) {
	m, reg, _, rec := setupMachine(t, transport.Capabilities{})

	for _, id := range []string{"E1", "E2"} {
		m.Requested(id, id, true, "0")
		_ = m.Accept(id)
		m.Connected(id)
	}
	m.Requested("E3", "E3", true, "0")

	if err := m.DisconnectAll(); err != nil {
		t.Fatalf("DisconnectAll failed: %v", err)
	}
	if len(reg.Established()) != 0 || len(reg.Pending()) != 0 {
		t.Fatal("expected every endpoint released")
	}
	if rec.count("disconnected:E1") != 1 || rec.count("disconnected:E2") != 1 || rec.count("failed:E3") != 1 {
		t.Errorf("unexpected events %v", rec.events)
	}
}
