package gate

import (
	"context"
	"fmt"
	"testing"
	"time"
)

type chanReceiver chan Message

func (c chanReceiver) GetChan() chan Message { return c }

func startService(t *testing.T, run func(started, stopped chan bool, stop chan context.Context) error) func() {
	t.Helper()
	started, stopped := make(chan bool), make(chan bool)
	stop := make(chan context.Context)
	if err := run(started, stopped, stop); err != nil {
		t.Fatalf("run: %v", err)
	}
	<-started
	return func() {
		stop <- context.Background()
		<-stopped
	}
}

func TestBusDeliversByType(t *testing.T) {
	bus := NewMessageBus()
	defer startService(t, bus.Run)()

	inv := make(chanReceiver, 10)
	all := make(chanReceiver, 10)
	bus.Register(inv, EVENT_INV("INV"))
	bus.Register(all, EVENT_ALL("ALL"))

	bus.Send(SYS_STARTUP, "hello")
	bus.Send(INV_PAID, Invoice{ID: "x"}, "custom-id")

	got := <-inv
	if got.EventType != INV_PAID || got.ID != "custom-id" {
		t.Fatalf("INV receiver got %v %s", got.EventType, got.ID)
	}
	first, second := <-all, <-all
	if first.EventType != SYS_STARTUP || second.EventType != INV_PAID {
		t.Fatalf("ALL receiver got %v then %v", first.EventType, second.EventType)
	}
	if len(first.ID) != 8 {
		t.Fatalf("expected a generated 8 char id, got %q", first.ID)
	}
	select {
	case m := <-inv:
		t.Fatalf("INV receiver should not see %v", m.EventType)
	case <-time.After(50 * time.Millisecond):
	}
}

// external receivers (MQTT, callbacks) never stall the bus
func TestBusDropsForFullReceiver(t *testing.T) {
	bus := NewMessageBus()
	defer startService(t, bus.Run)()

	slow := make(chanReceiver) // never read
	fast := make(chanReceiver, 10)
	bus.Register(slow, EVENT_ALL("ALL"))
	sub := bus.Register(fast, EVENT_ALL("ALL"))

	bus.Send(SYS_MSG, "one")
	if m := <-fast; m.EventType != SYS_MSG {
		t.Fatalf("unexpected %v", m.EventType)
	}
	bus.Unregister(sub)
	bus.Send(SYS_MSG, "two")
	select {
	case <-fast:
		t.Fatalf("unregistered receiver got a message")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBusWaitsForLosslessReceiver(t *testing.T) {
	bus := NewMessageBus()
	defer startService(t, bus.Run)()
	w := NewInvoiceWatcher()
	bus.RegisterLossless(w, EVENT_INV("INV"))

	inv := newInvoice(1_000, 1, 100)
	s := w.Subscribe(inv)
	defer s.Close()

	// the watcher is not running yet: a burst of settled invoices fills
	// its channel before our invoice's terminal update arrives
	for n := 0; n < cap(w.Rec); n++ {
		other := newInvoice(5, 1, 100)
		other.ID = fmt.Sprintf("other-%d", n)
		other.Index = SubaddressIndex{Minor: uint32(n + 2)}
		other.State = Expired
		bus.Send(INV_EXPIRED, other, other.ID)
	}
	confirmed := inv
	confirmed.State = Confirmed
	bus.Send(INV_CONFIRMED, confirmed, confirmed.ID)

	defer startService(t, w.Run)()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		got, err := s.Next(ctx)
		if err != nil {
			t.Fatalf("terminal update never delivered: %v", err)
		}
		if got.State == Confirmed {
			return
		}
	}
}

func TestParseEventTypes(t *testing.T) {
	types, invalid := ParseEventTypes([]string{"INV", "NOPE", "ALL"})
	if len(types) != 2 || types[0].Type() != "INV" || types[1].Type() != "ALL" {
		t.Fatalf("unexpected types %v", types)
	}
	if len(invalid) != 1 || invalid[0] != "NOPE" {
		t.Fatalf("unexpected invalid %v", invalid)
	}
}

func next(t *testing.T, s *InvoiceSubscription) Invoice {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	inv, err := s.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	return inv
}

func TestWatcherSubscribe(t *testing.T) {
	bus := NewMessageBus()
	defer startService(t, bus.Run)()
	w := NewInvoiceWatcher()
	defer startService(t, w.Run)()
	bus.RegisterLossless(w, EVENT_INV("INV"))

	inv := newInvoice(1_000, 1, 100)
	s := w.Subscribe(inv)
	defer s.Close()
	if got := next(t, s); got.State != Pending {
		t.Fatalf("expected the initial snapshot, got %s", got.State)
	}

	paid := inv
	paid.State = Paid
	bus.Send(INV_PAID, paid, paid.ID)
	if got := next(t, s); got.State != Paid {
		t.Fatalf("expected paid, got %s", got.State)
	}

	// an unrelated invoice is not delivered
	other := newInvoice(5, 1, 100)
	other.Index = SubaddressIndex{Minor: 2}
	other.ID = "other"
	bus.Send(INV_PAID, other, other.ID)

	confirmed := inv
	confirmed.State = Confirmed
	bus.Send(INV_CONFIRMED, confirmed, confirmed.ID)
	if got := next(t, s); got.State != Confirmed || got.ID != inv.ID {
		t.Fatalf("expected confirmed %s, got %s %s", inv.ID, got.State, got.ID)
	}
}

func TestWatcherCoalesces(t *testing.T) {
	w := NewInvoiceWatcher()
	inv := newInvoice(1_000, 1, 100)
	s := w.Subscribe(inv)

	// no reader while three updates arrive
	for _, state := range []InvoiceState{PartiallyPaid, Paid, Confirmed} {
		u := inv
		u.State = state
		w.handle(message(t, EventForState(state), u))
	}
	if got := next(t, s); got.State != Confirmed {
		t.Fatalf("expected only the latest (confirmed) snapshot, got %s", got.State)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := s.Next(ctx); err != context.DeadlineExceeded {
		t.Fatalf("expected nothing more, got %v", err)
	}
}

func TestWatcherSubscribeAllAndRemove(t *testing.T) {
	w := NewInvoiceWatcher()
	all := w.SubscribeAll()
	a := newInvoice(1_000, 1, 100)
	b := newInvoice(2_000, 1, 100)
	b.ID, b.Index = "b", SubaddressIndex{Minor: 2}
	one := w.Subscribe(a)
	next(t, one)

	w.handle(message(t, INV_CREATED, a))
	w.handle(message(t, INV_CREATED, b))
	a.State = Paid
	w.handle(message(t, INV_PAID, a))

	// a's two updates coalesce and keep their place before b
	if got := next(t, all); got.ID != a.ID || got.State != Paid {
		t.Fatalf("expected a paid first, got %s %s", got.ID, got.State)
	}
	if got := next(t, all); got.ID != "b" {
		t.Fatalf("expected b, got %s", got.ID)
	}

	w.handle(message(t, INV_REMOVED, a))
	next(t, one) // the paid snapshot queued before removal
	if _, err := one.Next(context.Background()); !IsNotFoundError(err) {
		t.Fatalf("expected a closed subscription, got %v", err)
	}
	if got := next(t, all); got.ID != a.ID {
		t.Fatalf("subscribe-all should see the removal, got %s", got.ID)
	}
}

func TestWatcherIgnoresReusedIndex(t *testing.T) {
	w := NewInvoiceWatcher()
	old := newInvoice(1_000, 1, 100)
	s := w.Subscribe(old)
	next(t, s)

	replacement := old
	replacement.ID = "replacement"
	w.handle(message(t, INV_CREATED, replacement))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if got, err := s.Next(ctx); err == nil {
		t.Fatalf("subscription followed a different invoice: %s", got.ID)
	}
}

func message(t *testing.T, et EventType, inv Invoice) Message {
	t.Helper()
	bus := NewMessageBus()
	if err := bus.Send(et, inv, inv.ID); err != nil {
		t.Fatalf("send: %v", err)
	}
	return <-bus.inbound
}
