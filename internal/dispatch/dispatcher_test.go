package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rudransh-shrivastava/nearby/internal/logger"
)

func TestDispatcherRunsInPostOrder(t *testing.T) {
	d := New(logger.Discard())

	var got []int
	for i := 0; i < 5; i++ {
		if err := d.Post(func() { got = append(got, i) }); err != nil {
			t.Fatalf("Post failed: %v", err)
		}
	}

	if n := d.Drain(); n != 5 {
		t.Fatalf("expected 5 events, got %d", n)
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("expected %d at position %d, got %d", i, i, v)
		}
	}
}

func TestDispatcherPerProducerOrdering(t *testing.T) {
	d := New(logger.Discard())

	const producers = 8
	const perProducer = 2000

	last := make([]int, producers)
	for i := range last {
		last[i] = -1
	}
	violations := 0

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for seq := 0; seq < perProducer; seq++ {
				_ = d.Post(func() {
					if seq != last[p]+1 {
						violations++
					}
					last[p] = seq
				})
			}
		}(p)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	total := 0
	for {
		total += d.Drain()
		select {
		case <-done:
			total += d.Drain()
			if total != producers*perProducer {
				t.Fatalf("expected %d events, got %d", producers*perProducer, total)
			}
			if violations != 0 {
				t.Fatalf("expected no ordering violations, got %d", violations)
			}
			return
		case <-d.Wait():
		}
	}
}

func TestDispatcherIsolatesPanics(t *testing.T) {
	d := New(logger.Discard())

	var recovered any
	d.OnPanic = func(r any) { recovered = r }

	ran := false
	_ = d.Post(func() { panic("boom") })
	_ = d.Post(func() { ran = true })

	if n := d.Drain(); n != 2 {
		t.Fatalf("expected 2 events executed, got %d", n)
	}
	if !ran {
		t.Error("expected event after the panicking one to run")
	}
	if recovered != "boom" {
		t.Errorf("expected recovered value boom, got %v", recovered)
	}
	if d.Panics() != 1 {
		t.Errorf("expected 1 panic counted, got %d", d.Panics())
	}
}

func TestDispatcherDrainRunsNestedPosts(t *testing.T) {
	d := New(logger.Discard())

	var order []string
	_ = d.Post(func() {
		order = append(order, "outer")
		_ = d.Post(func() { order = append(order, "inner") })
	})
	_ = d.Post(func() { order = append(order, "second") })

	d.Drain()

	want := []string{"outer", "second", "inner"}
	if len(order) != len(want) {
		t.Fatalf("expected %v, got %v", want, order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, order)
		}
	}
}

func TestDispatcherRejectsAfterClose(t *testing.T) {
	d := New(logger.Discard())
	d.Close()

	if err := d.Post(func() {}); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if d.Len() != 0 {
		t.Errorf("expected empty queue, got %d", d.Len())
	}
}

func TestDispatcherRunStopsOnCancel(t *testing.T) {
	d := New(logger.Discard())
	ctx, cancel := context.WithCancel(context.Background())

	executed := make(chan struct{})
	_ = d.Post(func() { close(executed) })

	errCh := make(chan error, 1)
	go func() { errCh <- d.Run(ctx) }()

	select {
	case <-executed:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for event")
	}

	cancel()
	select {
	case err := <-errCh:
		if err != context.Canceled {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
