package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"syscall"
	"time"

	"github.com/pebbe/zmq4"
	gate "github.com/xmrgate/xmrgate/pkg"
)

// interface guard ensures ZMQReceiver implements gate.NodeEmitter
var _ gate.NodeEmitter = &ZMQReceiver{}

const (
	topicChainMain = "json-minimal-chain_main"
	topicTxpoolAdd = "json-minimal-txpool_add"
)

// ZMQReceiver listens to monerod's --zmq-pub notifications.
// CAUTION: the protocol is not authenticated!
// Events are only hints to scan early; the scanner re-reads everything
// it needs over RPC.
type ZMQReceiver struct {
	bus         *gate.MessageBus
	listeners   []chan<- gate.NodeEvent
	nodeAddress string
}

func NewZMQReceiver(bus *gate.MessageBus, config gate.DaemonConfig) (*ZMQReceiver, error) {
	if config.ZMQAddress == "" {
		return nil, gate.NewErr(gate.BadRequest, "daemon zmq_address is not set")
	}
	return &ZMQReceiver{
		bus:         bus,
		listeners:   make([]chan<- gate.NodeEvent, 0, 10),
		nodeAddress: config.ZMQAddress,
	}, nil
}

func (z *ZMQReceiver) Subscribe(ch chan<- gate.NodeEvent) {
	z.listeners = append(z.listeners, ch)
}

func (z *ZMQReceiver) Run(started, stopped chan bool, stop chan context.Context) error {
	sock, err := zmq4.NewSocket(zmq4.SUB)
	if err != nil {
		return err
	}
	sock.SetRcvtimeo(2 * time.Second)
	z.bus.Send(gate.SYS_STARTUP, fmt.Sprintf("ZMQ: connecting to: %s", z.nodeAddress))
	if err = sock.Connect(z.nodeAddress); err != nil {
		sock.Close()
		return err
	}
	if err = subscribeAll(sock, topicChainMain, topicTxpoolAdd); err != nil {
		sock.Close()
		return err
	}
	go func() {
		started <- true
		for {
			select {
			case <-stop:
				sock.Close()
				stopped <- true
				return
			default:
				// fall through to zmq recv
			}

			msg, err := sock.RecvMessageBytes(0)
			if err != nil {
				if errno, ok := err.(zmq4.Errno); ok {
					if errno == zmq4.Errno(syscall.ETIMEDOUT) || errno == zmq4.Errno(syscall.EAGAIN) {
						continue // nothing published, loop to check stop
					}
				}
				log.Println("ZMQ: receive error:", err)
				z.bus.Send(gate.SYS_ERR, fmt.Sprintf("ZMQ err: %s", err))
				continue
			}
			events, err := parseNotification(bytes.Join(msg, nil))
			if err != nil {
				log.Println("ZMQ:", err)
				continue
			}
			for _, e := range events {
				z.notify(e)
			}
		}
	}()
	return nil
}

// never block the socket loop; the scanner only needs a poke.
func (z *ZMQReceiver) notify(e gate.NodeEvent) {
	for _, ch := range z.listeners {
		select {
		case ch <- e:
		default:
		}
	}
}

type chainMain struct {
	FirstHeight uint64   `json:"first_height"`
	FirstPrevID string   `json:"first_prev_id"`
	IDs         []string `json:"ids"`
}

type txpoolEntry struct {
	ID string `json:"id"`
}

// parseNotification decodes one "topic:json" frame.
func parseNotification(msg []byte) ([]gate.NodeEvent, error) {
	topic, body, found := bytes.Cut(msg, []byte(":"))
	if !found {
		return nil, fmt.Errorf("malformed notification %q", truncate(msg))
	}
	switch string(topic) {
	case topicChainMain:
		var c chainMain
		if err := json.Unmarshal(body, &c); err != nil {
			return nil, fmt.Errorf("decoding %s: %v", topic, err)
		}
		events := make([]gate.NodeEvent, 0, len(c.IDs))
		for n, id := range c.IDs {
			events = append(events, gate.NodeEvent{Type: gate.BlockEvent, ID: id, Height: c.FirstHeight + uint64(n)})
		}
		return events, nil
	case topicTxpoolAdd:
		var txs []txpoolEntry
		if err := json.Unmarshal(body, &txs); err != nil {
			return nil, fmt.Errorf("decoding %s: %v", topic, err)
		}
		events := make([]gate.NodeEvent, 0, len(txs))
		for _, tx := range txs {
			events = append(events, gate.NodeEvent{Type: gate.TxEvent, ID: tx.ID})
		}
		return events, nil
	}
	return nil, fmt.Errorf("unexpected topic %q", topic)
}

func truncate(b []byte) []byte {
	if len(b) > 64 {
		return b[:64]
	}
	return b
}

func subscribeAll(sock *zmq4.Socket, topics ...string) error {
	for _, topic := range topics {
		err := sock.SetSubscribe(topic)
		if err != nil {
			return err
		}
	}
	return nil
}
