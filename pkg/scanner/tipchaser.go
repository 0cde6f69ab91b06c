package scanner

import (
	"context"
	"log"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	gate "github.com/xmrgate/xmrgate/pkg"
)

const (
	expectedBlockInterval = 2 * time.Minute
)

/*
 * TipChaser tracks the tip of the blockchain and pokes its listeners
 * whenever it changes. It receives NodeEvents from the ZMQ listener; if
 * ZMQ stays silent for expectedBlockInterval it polls the daemon instead.
 * New txpool transactions poke the listeners too, so payments show up
 * before they are mined.
 */
type TipChaser struct {
	daemon          gate.DaemonClient
	clock           clock.Clock
	ReceiveFromNode gate.TipChaserReceiver
	listeners       []chan<- string
}

func NewTipChaser(daemon gate.DaemonClient, clk clock.Clock) *TipChaser {
	if clk == nil {
		clk = clock.NewDefaultClock()
	}
	return &TipChaser{
		daemon:          daemon,
		clock:           clk,
		ReceiveFromNode: make(gate.TipChaserReceiver, 1000),
	}
}

func (c *TipChaser) Subscribe(ch chan<- string) {
	c.listeners = append(c.listeners, ch)
}

func (c *TipChaser) Run(started, stopped chan bool, stop chan context.Context) error {
	go func() {
		started <- true
		var lastid string
		var lastHeight uint64
		for {
			select {
			case <-stop:
				stopped <- true
				return
			case e := <-c.ReceiveFromNode:
				switch e.Type {
				case gate.BlockEvent:
					if e.ID != lastid {
						lastid = e.ID
						lastHeight = e.Height + 1
						c.sendEvent(e.ID)
					}
				case gate.TxEvent:
					c.sendEvent(e.ID)
				}
			case <-c.clock.TickAfter(expectedBlockInterval):
				log.Println("TipChaser: no notifications, falling back to get_block_count")
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				height, err := c.daemon.GetHeight(ctx)
				cancel()
				if err != nil {
					log.Println("TipChaser: daemon RPC request failed: get_block_count:", err)
				} else if height != lastHeight {
					lastHeight = height
					c.sendEvent("")
				}
			}
		}
	}()
	return nil
}

// non-blocking: listeners only need to know something changed.
func (c *TipChaser) sendEvent(id string) {
	for _, ch := range c.listeners {
		select {
		case ch <- id:
		default:
		}
	}
}
