package gate

import (
	"context"
	"encoding/json"
	"log"
	"sync"
)

/*
The InvoiceWatcher turns INV events from the bus into invoice
subscriptions for API callers and websockets.

Delivery coalesces: a subscription only ever holds the latest snapshot
of each invoice, so a slow reader can miss intermediate states but will
always see the last one, which for a settled invoice is its terminal
state.
*/

type InvoiceWatcher struct {
	Rec  chan Message
	lock sync.Mutex
	subs map[SubaddressIndex]map[*InvoiceSubscription]bool
	all  map[*InvoiceSubscription]bool
}

func NewInvoiceWatcher() *InvoiceWatcher {
	return &InvoiceWatcher{
		Rec:  make(chan Message, 1000),
		subs: make(map[SubaddressIndex]map[*InvoiceSubscription]bool),
		all:  make(map[*InvoiceSubscription]bool),
	}
}

// Implements MessageSubscriber
func (w *InvoiceWatcher) GetChan() chan Message {
	return w.Rec
}

// Subscribe follows one invoice; inv is delivered first.
func (w *InvoiceWatcher) Subscribe(inv Invoice) *InvoiceSubscription {
	s := newSubscription(w, &inv.Index)
	s.push(inv)
	w.lock.Lock()
	if w.subs[inv.Index] == nil {
		w.subs[inv.Index] = make(map[*InvoiceSubscription]bool)
	}
	w.subs[inv.Index][s] = true
	w.lock.Unlock()
	return s
}

// SubscribeAll follows every invoice.
func (w *InvoiceWatcher) SubscribeAll() *InvoiceSubscription {
	s := newSubscription(w, nil)
	w.lock.Lock()
	w.all[s] = true
	w.lock.Unlock()
	return s
}

func (w *InvoiceWatcher) unsubscribe(s *InvoiceSubscription) {
	w.lock.Lock()
	defer w.lock.Unlock()
	if s.index == nil {
		delete(w.all, s)
		return
	}
	if set := w.subs[*s.index]; set != nil {
		delete(set, s)
		if len(set) == 0 {
			delete(w.subs, *s.index)
		}
	}
}

func (w *InvoiceWatcher) handle(msg Message) {
	t, ok := msg.EventType.(EVENT_INV)
	if !ok || t == INV_LATE_PAYMENT {
		return
	}
	var inv Invoice
	if err := json.Unmarshal(msg.Message, &inv); err != nil {
		log.Printf("InvoiceWatcher: bad %s payload: %v\n", t, err)
		return
	}
	w.lock.Lock()
	defer w.lock.Unlock()
	for s := range w.all {
		s.push(inv)
	}
	for s := range w.subs[inv.Index] {
		if t == INV_REMOVED {
			s.close()
			continue
		}
		if s.follows(inv.ID) {
			s.push(inv)
		}
	}
	if t == INV_REMOVED {
		delete(w.subs, inv.Index)
	}
}

// Implements conductor Service
func (w *InvoiceWatcher) Run(started, stopped chan bool, stop chan context.Context) error {
	go func() {
		started <- true
		for {
			select {
			case <-stop:
				w.closeAll()
				stopped <- true
				return
			case msg := <-w.Rec:
				w.handle(msg)
			}
		}
	}()
	return nil
}

func (w *InvoiceWatcher) closeAll() {
	w.lock.Lock()
	defer w.lock.Unlock()
	for s := range w.all {
		s.close()
	}
	for _, set := range w.subs {
		for s := range set {
			s.close()
		}
	}
	w.all = make(map[*InvoiceSubscription]bool)
	w.subs = make(map[SubaddressIndex]map[*InvoiceSubscription]bool)
}

// InvoiceSubscription yields invoice snapshots through Next.
type InvoiceSubscription struct {
	w      *InvoiceWatcher
	index  *SubaddressIndex // nil: all invoices
	id     string           // invoice followed by a single subscription
	lock   sync.Mutex
	latest map[SubaddressIndex]Invoice
	order  []SubaddressIndex
	closed bool
	signal chan struct{}
}

func newSubscription(w *InvoiceWatcher, idx *SubaddressIndex) *InvoiceSubscription {
	return &InvoiceSubscription{
		w:      w,
		index:  idx,
		latest: make(map[SubaddressIndex]Invoice),
		signal: make(chan struct{}, 1),
	}
}

// a single-invoice subscription ignores a newer invoice on a reused index.
func (s *InvoiceSubscription) follows(id string) bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.id == "" || s.id == id
}

func (s *InvoiceSubscription) push(inv Invoice) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return
	}
	if s.index != nil && s.id == "" {
		s.id = inv.ID
	}
	if _, queued := s.latest[inv.Index]; !queued {
		s.order = append(s.order, inv.Index)
	}
	s.latest[inv.Index] = inv
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *InvoiceSubscription) close() {
	s.lock.Lock()
	defer s.lock.Unlock()
	if !s.closed {
		s.closed = true
		close(s.signal)
	}
}

// Next blocks until a snapshot is available. Snapshots queued before the
// subscription closed are still returned; after that Next fails with
// NotFound. It also returns ctx's error when ctx is done.
func (s *InvoiceSubscription) Next(ctx context.Context) (Invoice, error) {
	for {
		s.lock.Lock()
		if len(s.order) > 0 {
			idx := s.order[0]
			s.order = s.order[1:]
			inv := s.latest[idx]
			delete(s.latest, idx)
			s.lock.Unlock()
			return inv, nil
		}
		closed := s.closed
		s.lock.Unlock()
		if closed {
			return Invoice{}, NewErr(NotFound, "subscription closed")
		}
		select {
		case <-ctx.Done():
			return Invoice{}, ctx.Err()
		case <-s.signal:
		}
	}
}

// Close stops the subscription.
func (s *InvoiceSubscription) Close() {
	s.w.unsubscribe(s)
	s.close()
}
