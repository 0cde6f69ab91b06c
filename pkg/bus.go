package gate

/*
The message subsystem exists to allow event-based access to
the various parts of the gateway's processes, for integration purposes.

A simple internal 'message bus' is passed around internally as a
singleton, with an internal goroutine and a 'send' method for sending
'messages'.

outbound destinations are created in config, which result in these
messages being routed to various external services, ie: MQTT, HTTP
callbacks, log-files, and the InvoiceWatcher that feeds subscriptions
and websockets. These are managed by MessageSubscribers:

MessageSubscribers are registered with the bus and are subscribed via
their own channels along with a list of EventTypes they want to subscribe
to.
*/

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log"
	"sync"
)

// MessageSubscribers are things that subscribe to the bus and handle
// messages, ie: MQTT, http callbacks etc.
type MessageSubscriber interface {
	GetChan() chan Message
}

// Created by the bus, wraps message sent with Send
type Message struct {
	EventType EventType
	Message   []byte
	ID        string // optional
}

type Subscription struct {
	dest  MessageSubscriber
	types []EventType
	// lossless subscribers are waited for instead of dropped when full
	lossless bool
}

func (s *Subscription) wants(t EventType) bool {
	for _, want := range s.types {
		if want.Type() == "ALL" || want.Type() == t.Type() {
			return true
		}
	}
	return false
}

func NewMessageBus() *MessageBus {
	return &MessageBus{
		receivers: make(map[*Subscription]bool),
		inbound:   make(chan Message, 1000),
		done:      make(chan struct{}),
	}
}

type MessageBus struct {
	// Registered MessageSubscribers.
	lock      sync.Mutex
	receivers map[*Subscription]bool

	// Messages from Send(), destinated for MessageSubscribers
	inbound chan Message
	done    chan struct{}
	once    sync.Once
}

// Send a message to the bus with a specific EventType
// msg can be anything JSON serialisable, this will be
// turned into a Message and delivered to any interested MessageSubscribers
func (b *MessageBus) Send(t EventType, msg interface{}, msgID ...string) error {
	j, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	m := Message{t, j, generateID()}
	if len(msgID) > 0 {
		m.ID = msgID[0]
	}
	select {
	case b.inbound <- m:
	case <-b.done:
		// bus has stopped, nobody is listening.
	}
	return nil
}

func (b *MessageBus) Register(m MessageSubscriber, types ...EventType) *Subscription {
	return b.register(&Subscription{dest: m, types: types})
}

// RegisterLossless is Register for in-process subscribers that must see
// every message, such as the InvoiceWatcher: when their channel is full
// the bus waits for them rather than dropping. They must keep draining
// their channel until the bus stops.
func (b *MessageBus) RegisterLossless(m MessageSubscriber, types ...EventType) *Subscription {
	return b.register(&Subscription{dest: m, types: types, lossless: true})
}

func (b *MessageBus) register(sub *Subscription) *Subscription {
	b.lock.Lock()
	b.receivers[sub] = true
	b.lock.Unlock()
	return sub
}

func (b *MessageBus) Unregister(sub *Subscription) {
	b.lock.Lock()
	delete(b.receivers, sub)
	b.lock.Unlock()
}

func (b *MessageBus) deliver(message Message, quit chan struct{}) {
	b.lock.Lock()
	var targets []*Subscription
	for sub := range b.receivers {
		// check if this receiver wants this message type
		if sub.wants(message.EventType) {
			targets = append(targets, sub)
		}
	}
	b.lock.Unlock()
	for _, sub := range targets {
		if sub.lossless {
			select {
			case sub.dest.GetChan() <- message:
			case <-quit:
				return
			}
			continue
		}
		select {
		case sub.dest.GetChan() <- message:
		default:
			// never block the bus on a slow external receiver.
			log.Printf("MessageBus: receiver full, dropping %s:%s (%s)\n",
				message.EventType.Type(), message.EventType, message.ID)
		}
	}
}

// Implements conductor Service
func (b *MessageBus) Run(started, stopped chan bool, stop chan context.Context) error {
	go func() {
		// closed on stop, also releases a delivery waiting on a lossless receiver
		quit := make(chan struct{})
		go func() {
			<-stop
			close(quit)
		}()
		started <- true
		for {
			select {
			case <-quit:
				b.once.Do(func() { close(b.done) })
				stopped <- true
				return
			case message := <-b.inbound:
				b.deliver(message, quit)
			}
		}
	}()
	return nil
}

// create a short random ID for msgs that have none
func generateID() string {
	bytes := make([]byte, 4)
	rand.Read(bytes)
	return hex.EncodeToString(bytes)[:8]
}
