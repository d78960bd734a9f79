package unsupported

import (
	"context"
	"errors"
	"testing"

	"github.com/rudransh-shrivastava/nearby/internal/transport"
)

func TestStartReportsFailureEvents(t *testing.T) {
	tr := New()
	var events []transport.Event
	tr.Attach(func(ev transport.Event) { events = append(events, ev) })

	if err := tr.StartAdvertising(context.Background(), "me", "svc", transport.Star); err != nil {
		t.Fatalf("expected start to report through events, got %v", err)
	}
	if err := tr.StartDiscovery(context.Background(), "svc", transport.Star); err != nil {
		t.Fatalf("expected start to report through events, got %v", err)
	}

	if len(events) != 2 {
		t.Fatalf("expected two events, got %d", len(events))
	}
	adv, ok := events[0].(transport.AdvertisingFailed)
	if !ok || !errors.Is(adv.Err, transport.ErrUnsupported) {
		t.Errorf("expected AdvertisingFailed, got %#v", events[0])
	}
	if _, ok := events[1].(transport.DiscoveryFailed); !ok {
		t.Errorf("expected DiscoveryFailed, got %#v", events[1])
	}
}

func TestOperationsUnsupported(t *testing.T) {
	tr := New()

	if err := tr.RequestConnection(context.Background(), "me", "E1"); !errors.Is(err, transport.ErrUnsupported) {
		t.Errorf("expected ErrUnsupported, got %v", err)
	}
	if err := tr.Send(context.Background(), &transport.Outgoing{}); !errors.Is(err, transport.ErrUnsupported) {
		t.Errorf("expected ErrUnsupported, got %v", err)
	}
	if err := tr.Disconnect("E1"); err != nil {
		t.Errorf("expected disconnect to be a no-op, got %v", err)
	}
}
