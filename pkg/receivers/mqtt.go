package receivers

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	gate "github.com/xmrgate/xmrgate/pkg"
	"github.com/xmrgate/xmrgate/pkg/conductor"
	"github.com/yosssi/gmq/mqtt"
	"github.com/yosssi/gmq/mqtt/client"
)

func NewMQTTSender(config gate.MQTTConfig) MQTTSender {
	return MQTTSender{
		make(chan gate.Message, 1000),
		config,
	}
}

type MQTTSender struct {
	// incomming msgs
	Rec    chan gate.Message
	Config gate.MQTTConfig
}

// Implements gate.MessageSubscriber
func (s MQTTSender) GetChan() chan gate.Message {
	return s.Rec
}

// Implements conductor.Service
func (s MQTTSender) Run(started, stopped chan bool, stop chan context.Context) error {
	cli := client.New(&client.Options{
		ErrorHandler: func(err error) {
			log.Printf("MQTTSender: %v\n", err)
		},
	})

	// connect to the MQTT broker
	err := cli.Connect(&client.ConnectOptions{
		Network:  "tcp",
		Address:  s.Config.Address,
		ClientID: []byte(s.Config.ClientID),
		UserName: []byte(s.Config.Username),
		Password: []byte(s.Config.Password),
	})
	if err != nil {
		return fmt.Errorf("MQTTSender: connecting to %s: %w", s.Config.Address, err)
	}

	go func() {
		started <- true
		for {
			select {
			// handle stopping the service
			case <-stop:
				cli.Disconnect()
				cli.Terminate()
				close(stopped)
				return
			case msg := <-s.Rec:
				payload, err := json.Marshal(toEvent(msg))
				if err != nil {
					log.Printf("MQTTSender: failed to marshal %s: %v\n", msg.ID, err)
					continue
				}
				for _, queue := range s.Config.Queues {
					if !queueWants(queue, msg) {
						continue
					}
					err = cli.Publish(&client.PublishOptions{
						QoS:       mqtt.QoS0,
						TopicName: []byte(queue.TopicFilter),
						Message:   payload,
					})
					if err != nil {
						log.Printf("MQTTSender: publish to %s failed: %v\n", queue.TopicFilter, err)
					}
				}
			}
		}
	}()
	return nil
}

// queueWants matches a message against a queue's types. SYS messages are
// only published to queues that name SYS explicitly.
func queueWants(queue gate.MQTTQueue, msg gate.Message) bool {
	kind := msg.EventType.Type()
	for _, t := range queue.Types {
		if t == kind || (t == "ALL" && kind != "SYS") {
			return true
		}
	}
	return false
}

func SetupMQTTs(cond *conductor.Conductor, bus *gate.MessageBus, conf gate.Config) {
	if conf.MQTT.Address != "" {
		s := NewMQTTSender(conf.MQTT)
		cond.Service("MQTT sender", s)
		// Sub to 'ALL' because we're filtering on our side
		bus.Register(s, gate.EVENT_ALL("ALL"))
	}
}
