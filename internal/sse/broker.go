// Package sse implements a Server-Sent Events broker that tells clients when
// records change.
package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

// Record actions understood by PublishRecordEvent.
const (
	ActionCreated = "created"
	ActionUpdated = "updated"
	ActionDeleted = "deleted"
)

// Event represents an SSE event to broadcast. Kind scopes the event to
// clients watching that kind; an empty Kind reaches every client.
type Event struct {
	Type string `json:"type"`
	Kind string `json:"-"`
	Data any    `json:"data"`
}

// client is one subscriber. A nil kinds set means all kinds.
type client struct {
	ch    chan []byte
	kinds map[string]struct{}
}

func (c *client) wants(kind string) bool {
	if c.kinds == nil || kind == "" {
		return true
	}
	_, ok := c.kinds[kind]
	return ok
}

// CacheEvent builds the cache.<state> event for an optimistic update of one
// record: pending, committed or reverted.
func CacheEvent(kind, id, state string) Event {
	return Event{
		Type: "cache." + state,
		Kind: kind,
		Data: map[string]string{"kind": kind, "id": id},
	}
}

type recordEvent struct {
	action string
	kind   string
	id     string
}

// Broker fans record events out to SSE clients.
//
// The run goroutine owns the client set and the per-kind invalidation
// clock; exported methods reach it over channels.
type Broker struct {
	listThrottle time.Duration
	heartbeat    time.Duration

	subscribe   chan *client
	unsubscribe chan chan []byte
	events      chan Event
	records     chan recordEvent
	count       chan chan int

	stop    chan struct{}
	stopped chan struct{}
	closed  atomic.Bool
}

// NewBroker creates a broker that emits at most one list.invalidated event
// per kind every listThrottle.
func NewBroker(listThrottle time.Duration) *Broker {
	if listThrottle <= 0 {
		listThrottle = 2 * time.Second
	}

	b := &Broker{
		listThrottle: listThrottle,
		heartbeat:    25 * time.Second,
		subscribe:    make(chan *client),
		unsubscribe:  make(chan chan []byte),
		events:       make(chan Event, 256),
		records:      make(chan recordEvent, 256),
		count:        make(chan chan int),
		stop:         make(chan struct{}),
		stopped:      make(chan struct{}),
	}

	go b.run()
	return b
}

func (b *Broker) run() {
	defer close(b.stopped)

	clients := make(map[chan []byte]*client)
	invalidated := make(map[string]time.Time)

	broadcast := func(event Event) {
		payload, err := json.Marshal(event.Data)
		if err != nil {
			return
		}
		frame := []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", event.Type, payload))

		for _, c := range clients {
			if !c.wants(event.Kind) {
				continue
			}
			select {
			case c.ch <- frame:
			default:
				// Slow client; drop rather than stall the loop.
			}
		}
	}

	for {
		select {
		case <-b.stop:
			for ch := range clients {
				close(ch)
			}
			return

		case c := <-b.subscribe:
			clients[c.ch] = c

		case ch := <-b.unsubscribe:
			if _, ok := clients[ch]; ok {
				delete(clients, ch)
				close(ch)
			}

		case event := <-b.events:
			broadcast(event)

		case ev := <-b.records:
			switch ev.action {
			case ActionCreated, ActionUpdated, ActionDeleted:
			default:
				continue
			}
			broadcast(Event{
				Type: "record." + ev.action,
				Kind: ev.kind,
				Data: map[string]string{"kind": ev.kind, "id": ev.id},
			})

			now := time.Now()
			if last, ok := invalidated[ev.kind]; !ok || now.Sub(last) >= b.listThrottle {
				invalidated[ev.kind] = now
				broadcast(Event{
					Type: "list.invalidated",
					Kind: ev.kind,
					Data: map[string]string{"kind": ev.kind},
				})
			}

		case resp := <-b.count:
			resp <- len(clients)
		}
	}
}

// Close stops the broker and closes every client channel.
func (b *Broker) Close() {
	if b.closed.CompareAndSwap(false, true) {
		close(b.stop)
	}
	<-b.stopped
}

// Subscribe adds a client and returns its channel. With no kinds the
// client receives events for every kind.
func (b *Broker) Subscribe(kinds ...string) chan []byte {
	c := &client{ch: make(chan []byte, 64)}
	if len(kinds) > 0 {
		c.kinds = make(map[string]struct{}, len(kinds))
		for _, k := range kinds {
			c.kinds[k] = struct{}{}
		}
	}
	if b.closed.Load() {
		close(c.ch)
		return c.ch
	}

	select {
	case b.subscribe <- c:
	case <-b.stopped:
		close(c.ch)
	}
	return c.ch
}

// Unsubscribe removes a client and closes its channel.
func (b *Broker) Unsubscribe(ch chan []byte) {
	if b.closed.Load() {
		return
	}
	select {
	case b.unsubscribe <- ch:
	case <-b.stopped:
	}
}

// ClientCount returns the number of connected clients.
func (b *Broker) ClientCount() int {
	if b.closed.Load() {
		return 0
	}

	resp := make(chan int, 1)
	select {
	case b.count <- resp:
	case <-b.stopped:
		return 0
	}

	select {
	case n := <-resp:
		return n
	case <-b.stopped:
		return 0
	}
}

// Publish sends an event to the clients that want it.
func (b *Broker) Publish(event Event) {
	if b.closed.Load() {
		return
	}
	select {
	case b.events <- event:
	case <-b.stopped:
	}
}

// PublishRecordEvent publishes record.<action> for one record and a
// throttled list.invalidated for its kind. Unknown actions are ignored.
func (b *Broker) PublishRecordEvent(action, kind, id string) {
	if b.closed.Load() {
		return
	}
	select {
	case b.records <- recordEvent{action: action, kind: kind, id: id}:
	case <-b.stopped:
	}
}

// kindsParam reads ?kind=plant&kind=fertilizer or ?kind=plant,fertilizer.
func kindsParam(r *http.Request) []string {
	var kinds []string
	for _, v := range r.URL.Query()["kind"] {
		for _, k := range strings.Split(v, ",") {
			if k = strings.TrimSpace(k); k != "" {
				kinds = append(kinds, k)
			}
		}
	}
	return kinds
}

// ServeHTTP is the SSE endpoint handler (GET /api/events).
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := b.Subscribe(kindsParam(r)...)
	defer b.Unsubscribe(ch)

	ping := time.NewTicker(b.heartbeat)
	defer ping.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			_, _ = w.Write([]byte(": ping\n\n"))
			flusher.Flush()
		case msg, ok := <-ch:
			if !ok {
				return
			}
			_, _ = w.Write(msg)
			flusher.Flush()
		}
	}
}
