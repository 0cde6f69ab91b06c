package receivers

import (
	"encoding/json"
	"fmt"
	"log"

	gate "github.com/xmrgate/xmrgate/pkg"
	"github.com/xmrgate/xmrgate/pkg/conductor"
)

// Sets up standard receivers.
func SetUpReceivers(cond *conductor.Conductor, bus *gate.MessageBus, conf gate.Config) {
	// Set up configured loggers
	SetupLoggers(cond, bus, conf)

	// Set up configured Callbacks
	SetupCallbacks(cond, bus, conf)

	// Set up MQTT publishing, if configured
	SetupMQTTs(cond, bus, conf)
}

// Event is the wire form of a bus message for callbacks and MQTT.
type Event struct {
	Type    string          `json:"type"`  // INV, NET, SYS
	Event   string          `json:"event"` // PAID, REORG, ...
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

func toEvent(msg gate.Message) Event {
	payload := json.RawMessage(msg.Message)
	if !json.Valid(payload) {
		payload, _ = json.Marshal(string(msg.Message))
	}
	return Event{
		Type:    msg.EventType.Type(),
		Event:   fmt.Sprintf("%s", msg.EventType),
		ID:      msg.ID,
		Payload: payload,
	}
}

func eventTypes(kind string, name string, names []string) []gate.EventType {
	types, invalid := gate.ParseEventTypes(names)
	for _, t := range invalid {
		log.Printf("%s %s: ignoring invalid message type: %s\n", kind, name, t)
	}
	return types
}
