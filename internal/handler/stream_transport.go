package handler

import (
	"bufio"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofiber/websocket/v2"
)

const defaultProbeInterval = 5 * time.Second

// sseTransport writes stream events in text/event-stream framing. fasthttp
// only reports a vanished client through failed writes, so Disconnected
// sends a comment line when the stream has been quiet for a while.
type sseTransport struct {
	w         *bufio.Writer
	probe     time.Duration
	now       func() time.Time
	lastWrite time.Time
	broken    bool
}

func newSSETransport(w *bufio.Writer, probe time.Duration) *sseTransport {
	if probe <= 0 {
		probe = defaultProbeInterval
	}
	return &sseTransport{w: w, probe: probe, now: time.Now, lastWrite: time.Now()}
}

func (t *sseTransport) writeRetry(retry time.Duration) error {
	if _, err := fmt.Fprintf(t.w, "retry: %d\n\n", retry.Milliseconds()); err != nil {
		t.broken = true
		return err
	}
	return t.flush()
}

func (t *sseTransport) Send(event string, id uint64, data interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if id > 0 {
		if _, err := fmt.Fprintf(t.w, "id: %d\n", id); err != nil {
			t.broken = true
			return err
		}
	}
	if _, err := fmt.Fprintf(t.w, "event: %s\n", event); err != nil {
		t.broken = true
		return err
	}
	if _, err := fmt.Fprintf(t.w, "data: %s\n\n", payload); err != nil {
		t.broken = true
		return err
	}
	return t.flush()
}

func (t *sseTransport) Disconnected() bool {
	if t.broken {
		return true
	}
	if t.now().Sub(t.lastWrite) < t.probe {
		return false
	}
	if _, err := t.w.WriteString(":\n\n"); err != nil {
		t.broken = true
		return true
	}
	return t.flush() != nil
}

func (t *sseTransport) flush() error {
	if err := t.w.Flush(); err != nil {
		t.broken = true
		return err
	}
	t.lastWrite = t.now()
	return nil
}

// socketFrame is the JSON envelope exchanged over the websocket endpoint.
type socketFrame struct {
	Event    string      `json:"event"`
	ID       uint64      `json:"id,omitempty"`
	Data     interface{} `json:"data,omitempty"`
	IsTyping *bool       `json:"is_typing,omitempty"`
}

// socketTransport adapts a websocket connection to the stream session. A
// reader goroutine marks the transport gone when the peer closes.
type socketTransport struct {
	conn *websocket.Conn
	mu   sync.Mutex
	gone atomic.Bool
}

func newSocketTransport(conn *websocket.Conn) *socketTransport {
	return &socketTransport{conn: conn}
}

func (t *socketTransport) Send(event string, id uint64, data interface{}) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.conn.WriteJSON(socketFrame{Event: event, ID: id, Data: data}); err != nil {
		t.gone.Store(true)
		return err
	}
	return nil
}

func (t *socketTransport) Disconnected() bool {
	return t.gone.Load()
}

// readLoop consumes client frames until the connection fails. Typing frames
// are handed to onTyping; anything else is ignored.
func (t *socketTransport) readLoop(onTyping func(bool)) {
	defer t.gone.Store(true)
	for {
		var frame socketFrame
		if err := t.conn.ReadJSON(&frame); err != nil {
			return
		}
		if frame.Event == "typing" && frame.IsTyping != nil && onTyping != nil {
			onTyping(*frame.IsTyping)
		}
	}
}
