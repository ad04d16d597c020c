// Package feed pushes a summary of every completed detection to websocket listeners
package feed

import (
	"encoding/json"
	"math/bits"
	"net/http"
	"sync"
	"time"

	"github.com/bmharper/ringbuffer"
	"github.com/cyclopcam/logs"
	"github.com/gorilla/websocket"
)

// Number of messages that we will buffer per listener, before dropping messages to that listener
const SendBufferSize = 32

// Event is a single completed detection request, as seen by feed listeners
type Event struct {
	Time       int64  `json:"time"` // Unix milliseconds
	UserID     string `json:"userId,omitempty"`
	RecordID   int64  `json:"recordId,omitempty"`
	PipeCount  int    `json:"pipeCount"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
	Tiles      int    `json:"tiles"`
	PoolSize   int    `json:"poolSize"`
	DurationMS int64  `json:"durationMs"`
}

type listener struct {
	send    chan []byte
	dropped int64
}

// Feed keeps a short backlog of recent events, and fans new events out to all listeners
type Feed struct {
	log      logs.Log
	upgrader websocket.Upgrader

	lock      sync.Mutex
	backlog   ringbuffer.RingP[[]byte]
	listeners map[*listener]bool
	closed    bool
}

func roundUpPowerOf2(n int) int {
	if n <= 1 {
		return 1
	}
	return 1 << bits.Len(uint(n-1))
}

// NewFeed creates a feed that replays at least the most recent backlogSize events to new listeners.
// The ring holds 2^N - 1 items, so capacity is rounded up to the next such number.
// A backlogSize below 1 keeps a single event.
func NewFeed(log logs.Log, backlogSize int) *Feed {
	return &Feed{
		log: log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		backlog:   ringbuffer.NewRingP[[]byte](roundUpPowerOf2(max(backlogSize, 1)+1)),
		listeners: map[*listener]bool{},
	}
}

// Publish sends the event to all listeners, and adds it to the backlog
func (f *Feed) Publish(ev *Event) {
	msg, err := json.Marshal(ev)
	if err != nil {
		f.log.Errorf("Failed to marshal feed event: %v", err)
		return
	}
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.closed {
		return
	}
	f.backlog.Add(msg)
	for l := range f.listeners {
		select {
		case l.send <- msg:
		default:
			l.dropped++
			if l.dropped == 1 || l.dropped%100 == 0 {
				f.log.Warnf("Feed listener is too slow. Dropped %v messages", l.dropped)
			}
		}
	}
}

// Backlog returns a copy of the recent events, oldest first
func (f *Feed) Backlog() [][]byte {
	f.lock.Lock()
	defer f.lock.Unlock()
	msgs := make([][]byte, 0, f.backlog.Len())
	for i := 0; i < f.backlog.Len(); i++ {
		msgs = append(msgs, f.backlog.Peek(i))
	}
	return msgs
}

func (f *Feed) NumListeners() int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return len(f.listeners)
}

// Register a new listener, which is primed with the backlog.
// Returns nil if the feed is closed.
func (f *Feed) register() *listener {
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.closed {
		return nil
	}
	l := &listener{
		send: make(chan []byte, SendBufferSize+f.backlog.Len()),
	}
	for i := 0; i < f.backlog.Len(); i++ {
		l.send <- f.backlog.Peek(i)
	}
	f.listeners[l] = true
	return l
}

func (f *Feed) unregister(l *listener) {
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.listeners[l] {
		delete(f.listeners, l)
		close(l.send)
	}
}

// Close disconnects all listeners
func (f *Feed) Close() {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.closed = true
	for l := range f.listeners {
		delete(f.listeners, l)
		close(l.send)
	}
}

// ServeWS upgrades the HTTP connection to a websocket, and streams events until either side closes
func (f *Feed) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.log.Errorf("Feed websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	l := f.register()
	if l == nil {
		return
	}
	f.log.Infof("Feed listener connected from %v", r.RemoteAddr)

	// We never expect anything from the client, but we must read in order to notice a close
	readerDone := make(chan bool)
	conn.SetReadLimit(512)
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				close(readerDone)
				return
			}
		}
	}()

	for {
		select {
		case msg, ok := <-l.send:
			if !ok {
				conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(time.Second))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				f.log.Infof("Feed listener write failed: %v", err)
				f.unregister(l)
				return
			}
		case <-readerDone:
			f.log.Infof("Feed listener disconnected")
			f.unregister(l)
			return
		}
	}
}

func (f *Feed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.ServeWS(w, r)
}
