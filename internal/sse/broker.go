// Package sse streams index changes to browsers as Server-Sent Events.
package sse

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/starford/chatshelf/internal/models"
)

// Event types written to the stream.
const (
	EventSessionIndexed = "session.indexed"
	EventSessionRemoved = "session.removed"
	EventIndexUpdated   = "index.updated"
)

const clientBuffer = 64

type sessionIndexed struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type sessionRemoved struct {
	ID string `json:"id"`
}

// indexSummary counts the changes folded into one index.updated event.
type indexSummary struct {
	Upserted int `json:"upserted"`
	Removed  int `json:"removed"`
}

func (s indexSummary) empty() bool { return s.Upserted == 0 && s.Removed == 0 }

// Broker fans index change sets out to connected clients.
//
// One goroutine owns the client set and the index.updated throttle state;
// everything else talks to it over channels.
type Broker struct {
	throttle time.Duration

	joinCh   chan chan []byte
	leaveCh  chan chan []byte
	changeCh chan models.ChangeSet
	countCh  chan chan int

	stopCh  chan struct{}
	stopped chan struct{}
	closed  atomic.Bool
}

// NewBroker starts a broker. index.updated is written at most once per
// throttle; changes arriving inside the window are summed into a trailing
// event so the last state is never lost.
func NewBroker(throttle time.Duration) *Broker {
	if throttle <= 0 {
		throttle = 2 * time.Second
	}
	b := &Broker{
		throttle: throttle,
		joinCh:   make(chan chan []byte),
		leaveCh:  make(chan chan []byte),
		changeCh: make(chan models.ChangeSet, 64),
		countCh:  make(chan chan int),
		stopCh:   make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	go b.loop()
	return b
}

func frame(event string, data any) []byte {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil
	}
	var buf bytes.Buffer
	buf.WriteString("event: ")
	buf.WriteString(event)
	buf.WriteString("\ndata: ")
	buf.Write(payload)
	buf.WriteString("\n\n")
	return buf.Bytes()
}

func (b *Broker) loop() {
	defer close(b.stopped)

	clients := make(map[chan []byte]struct{})
	send := func(msg []byte) {
		if msg == nil {
			return
		}
		for ch := range clients {
			select {
			case ch <- msg:
			default:
				// slow client; drop rather than stall the loop
			}
		}
	}

	var (
		owed     indexSummary
		lastSent time.Time
		trailing *time.Timer
		fire     <-chan time.Time
	)
	emitSummary := func(now time.Time) {
		send(frame(EventIndexUpdated, owed))
		owed = indexSummary{}
		lastSent = now
	}

	for {
		select {
		case <-b.stopCh:
			if trailing != nil {
				trailing.Stop()
			}
			for ch := range clients {
				close(ch)
			}
			return

		case ch := <-b.joinCh:
			clients[ch] = struct{}{}

		case ch := <-b.leaveCh:
			if _, ok := clients[ch]; ok {
				delete(clients, ch)
				close(ch)
			}

		case resp := <-b.countCh:
			resp <- len(clients)

		case cs := <-b.changeCh:
			for _, e := range cs.Upserts {
				send(frame(EventSessionIndexed, sessionIndexed{ID: e.ID, Title: e.Title, UpdatedAt: e.UpdatedAt}))
			}
			for _, id := range cs.Removals {
				send(frame(EventSessionRemoved, sessionRemoved{ID: id}))
			}
			owed.Upserted += len(cs.Upserts)
			owed.Removed += len(cs.Removals)
			if owed.empty() || fire != nil {
				continue
			}
			now := time.Now()
			if wait := b.throttle - now.Sub(lastSent); wait > 0 {
				trailing = time.NewTimer(wait)
				fire = trailing.C
				continue
			}
			emitSummary(now)

		case now := <-fire:
			fire, trailing = nil, nil
			if !owed.empty() {
				emitSummary(now)
			}
		}
	}
}

// HandleIndexChange queues a committed change set for broadcast. It matches
// index.ChangeHook.
func (b *Broker) HandleIndexChange(_ context.Context, cs models.ChangeSet) {
	if b.closed.Load() || cs.Len() == 0 {
		return
	}
	select {
	case b.changeCh <- cs:
	case <-b.stopped:
	}
}

// Close stops the loop and closes every client channel.
func (b *Broker) Close() {
	if b.closed.CompareAndSwap(false, true) {
		close(b.stopCh)
	}
	<-b.stopped
}

// Subscribe registers a client. The channel is closed on Unsubscribe or Close.
func (b *Broker) Subscribe() chan []byte {
	ch := make(chan []byte, clientBuffer)
	if b.closed.Load() {
		close(ch)
		return ch
	}
	select {
	case b.joinCh <- ch:
	case <-b.stopped:
		close(ch)
	}
	return ch
}

// Unsubscribe removes a client and closes its channel.
func (b *Broker) Unsubscribe(ch chan []byte) {
	if b.closed.Load() {
		return
	}
	select {
	case b.leaveCh <- ch:
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
	case b.countCh <- resp:
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

// ServeHTTP streams events until the client goes away or the broker closes.
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rc := http.NewResponseController(w)

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		return
	}

	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	for {
		select {
		case <-r.Context().Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if _, err := w.Write(msg); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}
