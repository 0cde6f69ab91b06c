package receivers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	gate "github.com/xmrgate/xmrgate/pkg"
)

func message(t gate.EventType, payload any, id string) gate.Message {
	b, _ := json.Marshal(payload)
	return gate.Message{EventType: t, Message: b, ID: id}
}

func runService(t *testing.T, run func(started, stopped chan bool, stop chan context.Context) error) func() {
	t.Helper()
	started, stopped := make(chan bool, 1), make(chan bool, 1)
	stop := make(chan context.Context, 1)
	if err := run(started, stopped, stop); err != nil {
		t.Fatalf("run: %v", err)
	}
	<-started
	return func() {
		stop <- context.Background()
		<-stopped
	}
}

func TestToEvent(t *testing.T) {
	e := toEvent(message(gate.INV_PAID, map[string]int{"n": 1}, "abc"))
	if e.Type != "INV" || e.Event != "PAID" || e.ID != "abc" || string(e.Payload) != `{"n":1}` {
		t.Fatalf("unexpected event %+v (%s)", e, e.Payload)
	}
	raw := toEvent(gate.Message{EventType: gate.SYS_MSG, Message: []byte("not json"), ID: "x"})
	if string(raw.Payload) != `"not json"` {
		t.Fatalf("expected a quoted payload, got %s", raw.Payload)
	}
}

func TestQueueWants(t *testing.T) {
	all := gate.MQTTQueue{TopicFilter: "all", Types: []string{"ALL"}}
	inv := gate.MQTTQueue{TopicFilter: "inv", Types: []string{"INV"}}
	sys := gate.MQTTQueue{TopicFilter: "sys", Types: []string{"SYS", "NET"}}
	cases := []struct {
		q    gate.MQTTQueue
		t    gate.EventType
		want bool
	}{
		{all, gate.INV_PAID, true},
		{all, gate.NET_REORG, true},
		{all, gate.SYS_ERR, false},
		{inv, gate.INV_CONFIRMED, true},
		{inv, gate.NET_REORG, false},
		{sys, gate.SYS_ERR, true},
		{sys, gate.NET_REORG, true},
		{sys, gate.INV_PAID, false},
	}
	for _, c := range cases {
		if got := queueWants(c.q, gate.Message{EventType: c.t}); got != c.want {
			t.Fatalf("%s wants %s: expected %v", c.q.TopicFilter, c.t, c.want)
		}
	}
}

func TestMessageLogger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.log")
	l := NewMessageLogger(path)
	stop := runService(t, l.Run)
	l.Rec <- message(gate.INV_CONFIRMED, "inv-1", "id-1")
	l.Rec <- message(gate.NET_REORG, "fork", "id-2")

	deadline := time.Now().Add(2 * time.Second)
	var text string
	for time.Now().Before(deadline) {
		b, _ := os.ReadFile(path)
		text = string(b)
		if strings.Contains(text, "id-2") {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	stop()
	if !strings.Contains(text, `INV:CONFIRMED (id-1): "inv-1"`) || !strings.Contains(text, "NET:REORG (id-2)") {
		t.Fatalf("unexpected log contents: %q", text)
	}
}

type hook struct {
	lock     sync.Mutex
	failures int
	bodies   [][]byte
	headers  []http.Header
	got      chan bool
}

func (h *hook) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	h.lock.Lock()
	h.bodies = append(h.bodies, body)
	h.headers = append(h.headers, r.Header.Clone())
	fail := h.failures > 0
	if fail {
		h.failures--
	}
	h.lock.Unlock()
	if fail {
		w.WriteHeader(500)
		return
	}
	h.got <- true
}

func TestCallbackRetriesAndSigns(t *testing.T) {
	h := &hook{failures: 2, got: make(chan bool, 1)}
	server := httptest.NewServer(h)
	defer server.Close()

	s := NewCallbackSender(gate.CallbackConfig{Path: server.URL, HMACSecret: "shh"}, nil)
	s.delay = time.Millisecond
	stop := runService(t, s.Run)
	defer stop()

	s.Rec <- message(gate.INV_PAID, map[string]string{"id": "inv-1"}, "m1")
	select {
	case <-h.got:
	case <-time.After(2 * time.Second):
		t.Fatalf("callback never delivered")
	}

	h.lock.Lock()
	defer h.lock.Unlock()
	if len(h.bodies) != 3 {
		t.Fatalf("expected 3 attempts, got %d", len(h.bodies))
	}
	for i, b := range h.bodies {
		if string(b) != string(h.bodies[0]) || len(b) == 0 {
			t.Fatalf("attempt %d sent a different body: %q", i, b)
		}
	}
	var e Event
	if err := json.Unmarshal(h.bodies[2], &e); err != nil || e.Event != "PAID" || e.ID != "m1" {
		t.Fatalf("unexpected body %s: %v", h.bodies[2], err)
	}
	last := h.headers[2]
	ts := last.Get("X-Xmrgate-Timestamp")
	want := "sha256=" + generateSha256HMAC(ts, h.bodies[2], "shh")
	if ts == "" || last.Get("X-Xmrgate-Signature") != want {
		t.Fatalf("bad signature headers: %v", last)
	}
}

func TestCallbackGivesUp(t *testing.T) {
	h := &hook{failures: 100, got: make(chan bool, 1)}
	server := httptest.NewServer(h)
	defer server.Close()

	s := NewCallbackSender(gate.CallbackConfig{Path: server.URL}, nil)
	s.delay = time.Millisecond
	s.retries = 2
	if s.postWithRetry(message(gate.INV_PAID, "x", "m1"), []byte(`{}`)) {
		t.Fatalf("expected delivery to fail")
	}
	h.lock.Lock()
	defer h.lock.Unlock()
	if len(h.bodies) != 3 {
		t.Fatalf("expected 3 attempts, got %d", len(h.bodies))
	}
	if h.headers[0].Get("X-Xmrgate-Signature") != "" {
		t.Fatalf("unsigned callbacks should carry no signature")
	}
}
