package receivers

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	gate "github.com/xmrgate/xmrgate/pkg"
	"github.com/xmrgate/xmrgate/pkg/conductor"
)

const (
	callbackRetries  = 6
	callbackDelay    = 1 * time.Second
	callbackMaxDelay = 32 * time.Second
)

func NewCallbackSender(config gate.CallbackConfig, bus *gate.MessageBus) CallbackSender {
	return CallbackSender{
		Rec:        make(chan gate.Message, 1000),
		Path:       config.Path,
		HMACSecret: config.HMACSecret,
		Bus:        bus,
		client:     &http.Client{Timeout: 30 * time.Second},
		retries:    callbackRetries,
		delay:      callbackDelay,
	}
}

// CallbackSender POSTs each Event as JSON to Path. When HMACSecret is set
// the body is signed: X-Xmrgate-Signature is sha256=HMAC(secret,
// "<X-Xmrgate-Timestamp>.<body>"). Failed posts are retried with
// exponential backoff; each message is delivered from its own goroutine so
// a slow endpoint never holds up the bus.
type CallbackSender struct {
	// incomming msgs
	Rec        chan gate.Message
	Path       string
	HMACSecret string
	Bus        *gate.MessageBus
	client     *http.Client
	retries    int
	delay      time.Duration
}

// Implements gate.MessageSubscriber
func (s CallbackSender) GetChan() chan gate.Message {
	return s.Rec
}

// Implements conductor.Service
func (s CallbackSender) Run(started, stopped chan bool, stop chan context.Context) error {
	go func() {
		started <- true
		for {
			select {
			// handle stopping the service
			case <-stop:
				close(stopped)
				return
			case msg := <-s.Rec:
				body, err := json.Marshal(toEvent(msg))
				if err != nil {
					log.Printf("CallbackSender: failed to serialize %s: %v\n", msg.ID, err)
					continue
				}
				go s.postWithRetry(msg, body)
			}
		}
	}()
	return nil
}

// Reads config and sets up any configured callbacks
func SetupCallbacks(cond *conductor.Conductor, bus *gate.MessageBus, conf gate.Config) {
	for name, c := range conf.Callbacks {
		s := NewCallbackSender(c, bus)
		cond.Service(fmt.Sprintf("Callback sender for: %s", c.Path), s)
		bus.Register(s, eventTypes("Callback", name, c.Types)...)
	}
}

func generateSha256HMAC(timestamp string, payload []byte, secret string) string {
	if secret == "" {
		return ""
	}

	dataToSign := []byte(fmt.Sprintf("%s.%s", timestamp, string(payload)))
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(dataToSign)

	return hex.EncodeToString(h.Sum(nil))
}

func (s CallbackSender) postWithRetry(msg gate.Message, body []byte) bool {
	delay := s.delay
	for attempt := 0; attempt <= s.retries; attempt++ {
		err := s.post(body)
		if err == nil {
			return true
		}
		if attempt == s.retries {
			log.Printf("CallbackSender: %s failed after %d attempts: %v\n", s.Path, attempt+1, err)
			break
		}
		log.Printf("CallbackSender: %s failed (attempt %d/%d), retrying in %v: %v\n", s.Path, attempt+1, s.retries+1, delay, err)
		time.Sleep(delay)

		// Increase delay exponentially, with a maximum limit
		delay *= 2
		if delay > callbackMaxDelay {
			delay = callbackMaxDelay
		}
	}
	// a SYS message about a SYS message could loop forever
	if msg.EventType.Type() != "SYS" && s.Bus != nil {
		s.Bus.Send(gate.SYS_ERR, fmt.Sprintf("CallbackSender: giving up on %s:%s (%s) to %s", msg.EventType.Type(), msg.EventType, msg.ID, s.Path))
	}
	return false
}

// post sends one attempt; the request is rebuilt every time since a sent
// body cannot be read again.
func (s CallbackSender) post(body []byte) error {
	req, err := http.NewRequest("POST", s.Path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.HMACSecret != "" {
		timestamp := fmt.Sprintf("%d", time.Now().Unix())
		signature := generateSha256HMAC(timestamp, body, s.HMACSecret)
		req.Header.Set("X-Xmrgate-Signature", fmt.Sprintf("sha256=%s", signature))
		req.Header.Set("X-Xmrgate-Timestamp", timestamp)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}
