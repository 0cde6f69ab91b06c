package main

import (
	"fmt"
	"log"
	"time"

	gate "github.com/xmrgate/xmrgate/pkg"
	"github.com/xmrgate/xmrgate/pkg/conductor"
	"github.com/xmrgate/xmrgate/pkg/daemon"
	"github.com/xmrgate/xmrgate/pkg/receivers"
	"github.com/xmrgate/xmrgate/pkg/scanner"
	"github.com/xmrgate/xmrgate/pkg/store"
	"github.com/xmrgate/xmrgate/pkg/webapi"
	"github.com/xmrgate/xmrgate/pkg/xmr"
)

func Server(conf gate.Config) error {
	// bad keys are fatal before anything starts
	keys, err := xmr.LoadViewPair(conf)
	if err != nil {
		return err
	}
	defer keys.Close() // wipes the view key
	log.Printf("Watching %s wallet %s\n", conf.Gateway.Network, keys.PrimaryAddress())

	c := conductor.NewConductor(
		conductor.HookSignals(),
		conductor.Noisy(),
		conductor.StartupTimeout(time.Duration(conf.Gateway.StartupTimeout)*time.Second),
		conductor.ShutdownTimeout(time.Duration(conf.Gateway.ShutdownTimeout)*time.Second),
	)

	// Start the MessageBus Service
	bus := gate.NewMessageBus()
	c.Service("MessageBus", bus)

	// Set up all configured receivers
	receivers.SetUpReceivers(c, bus, conf)

	// Set up the daemon RPC client
	rpc, err := daemon.NewRPC(conf.Daemon)
	if err != nil {
		return err
	}

	// Setup a Store
	db, err := store.Open(conf.Store)
	if err != nil {
		return fmt.Errorf("opening %s store: %w", conf.Store.Backend, err)
	}
	defer db.Close()

	// Invoice subscriptions for the API and websockets
	watcher := gate.NewInvoiceWatcher()
	c.Service("InvoiceWatcher", watcher)
	bus.RegisterLossless(watcher, gate.EVENT_INV("INV"))

	// Daemon notifications (ZMQ) are optional, the tip chaser polls without them
	var emitter gate.NodeEmitter
	if conf.Daemon.ZMQAddress != "" {
		z, err := daemon.NewZMQReceiver(bus, conf.Daemon)
		if err != nil {
			return err
		}
		emitter = z
	}

	// Start the Scanner
	sc := scanner.StartScanner(c, conf, keys, rpc, db, bus, emitter)
	if z, ok := emitter.(*daemon.ZMQReceiver); ok {
		c.Service("ZMQ Listener", z)
	}

	api := gate.NewAPI(db, keys, rpc, bus, sc, watcher, conf)

	// Start the Payment API
	p, err := webapi.NewWebAPI(conf, api)
	if err != nil {
		return err
	}
	c.Service("Payment API", p)

	done := c.Start()
	bus.Send(gate.SYS_STARTUP, fmt.Sprintf("xmrgate watching %s", keys.PrimaryAddress()))
	<-done
	return nil
}
