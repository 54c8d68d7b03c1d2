package telemetry

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MickyRosa/VisTrain2.0/internal/config"
	"github.com/MickyRosa/VisTrain2.0/internal/logging"
	"github.com/MickyRosa/VisTrain2.0/internal/motion"
)

// threadSafeResponseWriter captures SSE output from the client goroutine.
type threadSafeResponseWriter struct {
	mu      sync.Mutex
	buf     bytes.Buffer
	headers http.Header
}

func newThreadSafeResponseWriter() *threadSafeResponseWriter {
	return &threadSafeResponseWriter{headers: make(http.Header)}
}

func (w *threadSafeResponseWriter) Header() http.Header { return w.headers }

func (w *threadSafeResponseWriter) Write(data []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(data)
}

func (w *threadSafeResponseWriter) WriteHeader(int) {}

func (w *threadSafeResponseWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}

func testTiming() *config.TimingConfig {
	cfg := config.DefaultTiming()
	return &cfg
}

func newTestHub(t *testing.T, cfg *config.TimingConfig) *Hub {
	t.Helper()
	hub := NewHub(cfg, logging.Noop())
	t.Cleanup(hub.Stop)
	return hub
}

// subscribe starts a client and waits until it is registered.
func subscribe(t *testing.T, hub *Hub, target string, lastID string) (*threadSafeResponseWriter, context.CancelFunc, chan error) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	if lastID != "" {
		req.Header.Set("Last-Event-ID", lastID)
	}
	w := newThreadSafeResponseWriter()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	before := hub.ClientCount()
	go func() { done <- hub.Subscribe(ctx, w, req) }()

	waitFor(t, func() bool { return hub.ClientCount() > before && strings.Contains(w.String(), "event: ready") })
	return w, cancel, done
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestPublishWithoutClients(t *testing.T) {
	hub := newTestHub(t, testTiming())

	if err := hub.Publish(Event{Type: "test", Data: map[string]any{"k": "v"}}); err != nil {
		t.Fatalf("Publish() failed: %v", err)
	}
	if err := hub.PublishRunState("BR218", "run-1", "running", nil); err != nil {
		t.Fatalf("PublishRunState() failed: %v", err)
	}

	hub.mu.RLock()
	buffer, ok := hub.buffers["BR218"]
	hub.mu.RUnlock()
	if !ok || buffer.Len() != 1 {
		t.Fatalf("expected one buffered event for BR218")
	}
}

func TestSubscribeReceivesReadySnapshot(t *testing.T) {
	hub := newTestHub(t, testTiming())
	hub.SetSnapshot(func() map[string]any {
		return map[string]any{"activeLocomotive": "V100"}
	})

	w, cancel, done := subscribe(t, hub, "/api/v1/telemetry", "")
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Subscribe() failed: %v", err)
	}

	out := w.String()
	if !strings.Contains(out, `"activeLocomotive":"V100"`) {
		t.Errorf("ready snapshot missing: %s", out)
	}
	if got := w.Header().Get("Content-Type"); got != "text/event-stream; charset=utf-8" {
		t.Errorf("Content-Type = %q", got)
	}
	waitFor(t, func() bool { return hub.ClientCount() == 0 })
}

func TestNotchEventsDelivered(t *testing.T) {
	hub := newTestHub(t, testTiming())
	w, cancel, done := subscribe(t, hub, "/api/v1/telemetry", "")
	defer func() { cancel(); <-done }()

	at := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	for n := 1; n <= 3; n++ {
		if err := hub.PublishNotch("BR218", motion.NotchChange{Notch: n, Previous: n - 1, At: at}); err != nil {
			t.Fatalf("PublishNotch() failed: %v", err)
		}
	}

	waitFor(t, func() bool { return strings.Count(w.String(), "event: notchChanged") == 3 })
	if !strings.Contains(w.String(), `"notch":3`) {
		t.Errorf("expected notch 3 in stream: %s", w.String())
	}
}

func TestLocomotiveFilter(t *testing.T) {
	hub := newTestHub(t, testTiming())
	w, cancel, done := subscribe(t, hub, "/api/v1/telemetry?locomotive=V100", "")
	defer func() { cancel(); <-done }()

	_ = hub.PublishFault("BR218", "LINK_FAULT", "other locomotive")
	_ = hub.PublishFault("V100", "LINK_FAULT", "mine")
	_ = hub.PublishConnection("disconnected")

	waitFor(t, func() bool { return strings.Contains(w.String(), "event: connection") })
	out := w.String()
	if strings.Contains(out, "other locomotive") {
		t.Errorf("filtered client received foreign event: %s", out)
	}
	if !strings.Contains(out, "mine") {
		t.Errorf("filtered client missed own event: %s", out)
	}
}

func TestReplayWithLastEventID(t *testing.T) {
	hub := newTestHub(t, testTiming())

	for i := 0; i < 5; i++ {
		_ = hub.PublishRunState("BR218", "run-1", fmt.Sprintf("state-%d", i), nil)
	}

	w, cancel, done := subscribe(t, hub, "/api/v1/telemetry?locomotive=BR218", "3")
	cancel()
	<-done

	out := w.String()
	for _, want := range []string{"id: 4\n", "id: 5\n", "state-3", "state-4"} {
		if !strings.Contains(out, want) {
			t.Errorf("replay missing %q: %s", want, out)
		}
	}
	if strings.Contains(out, "state-2") {
		t.Errorf("replayed an event at or before Last-Event-ID: %s", out)
	}
}

func TestMonotonicIDsPerLocomotive(t *testing.T) {
	hub := newTestHub(t, testTiming())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() { defer wg.Done(); _ = hub.PublishFault("A", "X", "") }()
		go func() { defer wg.Done(); _ = hub.PublishFault("B", "X", "") }()
	}
	wg.Wait()

	for _, loco := range []string{"A", "B"} {
		hub.mu.RLock()
		events := hub.buffers[loco].EventsAfter(0)
		hub.mu.RUnlock()

		seen := make(map[int64]bool)
		for _, e := range events {
			if e.ID < 1 || e.ID > 50 || seen[e.ID] {
				t.Fatalf("%s: unexpected ID %d", loco, e.ID)
			}
			seen[e.ID] = true
		}
		if len(seen) != 50 {
			t.Fatalf("%s: got %d distinct IDs, want 50", loco, len(seen))
		}
	}
}

func TestEventBufferBounds(t *testing.T) {
	b := NewEventBuffer(3)
	for i := int64(1); i <= 5; i++ {
		b.Add(Event{ID: i})
	}
	if b.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", b.Len())
	}
	events := b.EventsAfter(0)
	if events[0].ID != 3 || events[2].ID != 5 {
		t.Fatalf("unexpected events %+v", events)
	}
	if got := len(b.EventsAfter(4)); got != 1 {
		t.Fatalf("EventsAfter(4) = %d events, want 1", got)
	}
}

func TestHeartbeat(t *testing.T) {
	cfg := testTiming()
	cfg.HeartbeatInterval = 20 * time.Millisecond
	cfg.HeartbeatJitter = 2 * time.Millisecond
	hub := newTestHub(t, cfg)

	w, cancel, done := subscribe(t, hub, "/api/v1/telemetry", "")
	defer func() { cancel(); <-done }()

	waitFor(t, func() bool { return strings.Contains(w.String(), "event: heartbeat") })
}

func TestStopDisconnectsClients(t *testing.T) {
	hub := NewHub(testTiming(), nil)
	_, cancel, done := subscribe(t, hub, "/api/v1/telemetry", "")
	defer cancel()

	hub.Stop()
	hub.Stop()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Subscribe() returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("client not released by Stop")
	}
	if err := hub.Publish(Event{Type: "late"}); err != nil {
		t.Fatalf("Publish after Stop: %v", err)
	}
}
