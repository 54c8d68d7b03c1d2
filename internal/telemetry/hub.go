package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/MickyRosa/VisTrain2.0/internal/config"
	"github.com/MickyRosa/VisTrain2.0/internal/logging"
	"github.com/MickyRosa/VisTrain2.0/internal/motion"
)

// Event types.
const (
	EventReady        = "ready"
	EventNotchChanged = "notchChanged"
	EventRunState     = "runState"
	EventFault        = "fault"
	EventConnection   = "connection"
	EventHeartbeat    = "heartbeat"
)

const globalStream = "global"

// Event is one SSE message.
type Event struct {
	ID         int64          `json:"id,omitempty"`
	Type       string         `json:"type"`
	Data       map[string]any `json:"data"`
	Locomotive string         `json:"locomotive,omitempty"`
}

// SnapshotFunc supplies the payload of the ready event sent on subscribe.
type SnapshotFunc func() map[string]any

// Client is a connected SSE subscriber.
type Client struct {
	ID         string
	Writer     http.ResponseWriter
	Context    context.Context
	Cancel     context.CancelFunc
	LastID     int64
	Locomotive string
	Events     chan Event
	once       sync.Once
	mu         sync.Mutex
}

// Hub fans events out to subscribers.
//
// Lock order: h.mu before EventBuffer.mu. Buffers are never removed from
// h.buffers, so a buffer reference stays valid after h.mu is released.
type Hub struct {
	mu       sync.RWMutex
	clients  map[string]*Client
	streamID map[string]*int64
	buffers  map[string]*EventBuffer
	snapshot SnapshotFunc

	config *config.TimingConfig
	log    logging.Logger

	heartbeatTicker *time.Ticker
	stopHeartbeat   chan struct{}

	done    chan struct{}
	stopped atomic.Bool
	wg      sync.WaitGroup
}

// EventBuffer is a bounded ring of recent events for one locomotive.
type EventBuffer struct {
	mu       sync.RWMutex
	events   []Event
	capacity int
}

// NewHub creates a hub.
func NewHub(timing *config.TimingConfig, log logging.Logger) *Hub {
	if log == nil {
		log = logging.Noop()
	}
	return &Hub{
		clients:  make(map[string]*Client),
		streamID: make(map[string]*int64),
		buffers:  make(map[string]*EventBuffer),
		config:   timing,
		log:      log,
		done:     make(chan struct{}),
	}
}

// SetSnapshot installs the ready-event payload provider.
func (h *Hub) SetSnapshot(fn SnapshotFunc) {
	h.mu.Lock()
	h.snapshot = fn
	h.mu.Unlock()
}

// Subscribe serves one SSE client until it disconnects or the hub stops.
// The optional query parameter "locomotive" restricts the stream to that
// locomotive plus station-wide events.
func (h *Hub) Subscribe(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	clientCtx, cancel := context.WithCancel(ctx)

	lastEventID := int64(0)
	if raw := r.Header.Get("Last-Event-ID"); raw != "" {
		if id, err := strconv.ParseInt(raw, 10, 64); err == nil {
			lastEventID = id
		}
	}

	client := &Client{
		ID:         uuid.NewString(),
		Writer:     w,
		Context:    clientCtx,
		Cancel:     cancel,
		LastID:     lastEventID,
		Locomotive: r.URL.Query().Get("locomotive"),
		Events:     make(chan Event, 100),
	}

	h.mu.Lock()
	h.clients[client.ID] = client
	h.mu.Unlock()

	if err := h.sendReadyEvent(client); err != nil {
		h.unregisterClient(client.ID)
		return fmt.Errorf("failed to send ready event: %w", err)
	}

	if lastEventID > 0 && client.Locomotive != "" {
		if err := h.replayEvents(client, lastEventID); err != nil {
			h.unregisterClient(client.ID)
			return fmt.Errorf("failed to replay events: %w", err)
		}
	}

	h.mu.Lock()
	if len(h.clients) == 1 && h.heartbeatTicker == nil && !h.stopped.Load() {
		h.startHeartbeat()
	}
	h.mu.Unlock()

	h.log.Debug(ctx, "telemetry client subscribed",
		logging.String("client", client.ID),
		logging.String("locomotive", client.Locomotive))

	h.handleClient(client)
	return nil
}

// Publish assigns an ID, buffers locomotive-scoped events and delivers the
// event to every interested client. Slow clients drop events.
func (h *Hub) Publish(event Event) error {
	if h.stopped.Load() {
		return nil
	}
	if event.ID == 0 {
		event.ID = h.nextEventID(event.Locomotive)
	}
	if event.Locomotive != "" {
		h.bufferEvent(event)
	}

	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		if c.Locomotive == "" || event.Locomotive == "" || c.Locomotive == event.Locomotive {
			clients = append(clients, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range clients {
		select {
		case <-c.Context.Done():
			continue
		case <-h.done:
			return nil
		case c.Events <- event:
		case <-time.After(100 * time.Millisecond):
		}
	}
	return nil
}

// PublishNotch publishes a notchChanged event.
func (h *Hub) PublishNotch(locomotive string, change motion.NotchChange) error {
	return h.Publish(Event{
		Type:       EventNotchChanged,
		Locomotive: locomotive,
		Data: map[string]any{
			"notch":    change.Notch,
			"previous": change.Previous,
			"ts":       change.At.UTC().Format(time.RFC3339Nano),
		},
	})
}

// PublishRunState publishes a runState event.
func (h *Hub) PublishRunState(locomotive, runID, state string, extra map[string]any) error {
	data := map[string]any{
		"runId": runID,
		"state": state,
	}
	for k, v := range extra {
		data[k] = v
	}
	return h.Publish(Event{Type: EventRunState, Locomotive: locomotive, Data: data})
}

// PublishFault publishes a fault event.
func (h *Hub) PublishFault(locomotive, code, message string) error {
	return h.Publish(Event{
		Type:       EventFault,
		Locomotive: locomotive,
		Data: map[string]any{
			"code":    code,
			"message": message,
		},
	})
}

// PublishConnection publishes a station-wide connection event.
func (h *Hub) PublishConnection(status string) error {
	return h.Publish(Event{
		Type: EventConnection,
		Data: map[string]any{"status": status},
	})
}

func (h *Hub) sendReadyEvent(client *Client) error {
	h.mu.RLock()
	snapshot := h.snapshot
	h.mu.RUnlock()

	data := map[string]any{}
	if snapshot != nil {
		data = snapshot()
	}
	return h.sendEventToClient(client, Event{
		ID:         h.nextEventID(client.Locomotive),
		Type:       EventReady,
		Locomotive: client.Locomotive,
		Data:       map[string]any{"snapshot": data},
	})
}

func (h *Hub) replayEvents(client *Client, lastEventID int64) error {
	h.mu.RLock()
	buffer, ok := h.buffers[client.Locomotive]
	h.mu.RUnlock()
	if !ok {
		return nil
	}

	for _, event := range buffer.EventsAfter(lastEventID) {
		if err := h.sendEventToClient(client, event); err != nil {
			return err
		}
	}
	return nil
}

func (h *Hub) sendEventToClient(client *Client, event Event) error {
	client.mu.Lock()
	defer client.mu.Unlock()

	if event.ID > 0 {
		if _, err := fmt.Fprintf(client.Writer, "id: %d\n", event.ID); err != nil {
			return fmt.Errorf("failed to write event ID: %w", err)
		}
	}
	if _, err := fmt.Fprintf(client.Writer, "event: %s\n", event.Type); err != nil {
		return fmt.Errorf("failed to write event type: %w", err)
	}

	data, err := json.Marshal(event.Data)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}
	if _, err := fmt.Fprintf(client.Writer, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("failed to write event data: %w", err)
	}

	if flusher, ok := client.Writer.(http.Flusher); ok {
		flusher.Flush()
	}
	return nil
}

func (h *Hub) handleClient(client *Client) {
	defer func() {
		client.once.Do(func() { close(client.Events) })
		h.unregisterClient(client.ID)
	}()

	for {
		select {
		case <-client.Context.Done():
			return
		case event, ok := <-client.Events:
			if !ok {
				return
			}
			if err := h.sendEventToClient(client, event); err != nil {
				return
			}
		}
	}
}

func (h *Hub) unregisterClient(clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	client, ok := h.clients[clientID]
	if !ok {
		return
	}
	client.Cancel()
	delete(h.clients, clientID)

	if len(h.clients) == 0 && h.heartbeatTicker != nil {
		h.heartbeatTicker.Stop()
		h.heartbeatTicker = nil
		if h.stopHeartbeat != nil {
			close(h.stopHeartbeat)
			h.stopHeartbeat = nil
		}
	}
}

// ClientCount returns the number of connected subscribers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) nextEventID(stream string) int64 {
	if stream == "" {
		stream = globalStream
	}

	h.mu.RLock()
	counter, ok := h.streamID[stream]
	h.mu.RUnlock()
	if ok {
		return atomic.AddInt64(counter, 1)
	}

	h.mu.Lock()
	counter, ok = h.streamID[stream]
	if !ok {
		counter = new(int64)
		h.streamID[stream] = counter
	}
	h.mu.Unlock()
	return atomic.AddInt64(counter, 1)
}

func (h *Hub) bufferEvent(event Event) {
	h.mu.Lock()
	buffer, ok := h.buffers[event.Locomotive]
	if !ok {
		buffer = NewEventBuffer(h.config.EventBufferSize)
		h.buffers[event.Locomotive] = buffer
	}
	h.mu.Unlock()

	buffer.Add(event)
}

// startHeartbeat requires h.mu held and no running ticker.
func (h *Hub) startHeartbeat() {
	interval := h.config.HeartbeatInterval + h.config.HeartbeatJitter/2
	h.heartbeatTicker = time.NewTicker(interval)
	h.stopHeartbeat = make(chan struct{})

	ticker := h.heartbeatTicker
	stop := h.stopHeartbeat

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		for {
			select {
			case <-ticker.C:
				_ = h.Publish(Event{
					Type: EventHeartbeat,
					Data: map[string]any{"ts": time.Now().UTC().Format(time.RFC3339)},
				})
			case <-stop:
				return
			case <-h.done:
				return
			}
		}
	}()
}

// Stop disconnects every client and stops the heartbeat.
func (h *Hub) Stop() {
	if !h.stopped.CompareAndSwap(false, true) {
		return
	}
	close(h.done)

	h.mu.Lock()
	for _, c := range h.clients {
		c.Cancel()
	}
	if h.heartbeatTicker != nil {
		h.heartbeatTicker.Stop()
		h.heartbeatTicker = nil
	}
	if h.stopHeartbeat != nil {
		close(h.stopHeartbeat)
		h.stopHeartbeat = nil
	}
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		h.log.Warn(context.Background(), "telemetry heartbeat did not stop in time")
	}
}

// NewEventBuffer creates a buffer holding at most capacity events.
func NewEventBuffer(capacity int) *EventBuffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &EventBuffer{
		events:   make([]Event, 0, capacity),
		capacity: capacity,
	}
}

// Add appends an event, evicting the oldest when full.
func (b *EventBuffer) Add(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.events = append(b.events, event)
	if len(b.events) > b.capacity {
		b.events = b.events[1:]
	}
}

// EventsAfter returns buffered events with an ID greater than lastID.
func (b *EventBuffer) EventsAfter(lastID int64) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []Event
	for _, e := range b.events {
		if e.ID > lastID {
			out = append(out, e)
		}
	}
	return out
}

// Len returns the number of buffered events.
func (b *EventBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.events)
}
