package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/gorilla/websocket"

	"github.com/Norgate-AV/compilerd/internal/logging"
)

const (
	// DefaultReconnectDelay is the pause between event stream reconnect attempts
	DefaultReconnectDelay = 2 * time.Second

	// DefaultWriteTimeout bounds each control message write
	DefaultWriteTimeout = 5 * time.Second
)

// ErrNotConnected is returned by Subscribe while the stream is down
var ErrNotConnected = errors.New("event stream not connected")

// EventStream delivers completion events for subscribed job ids
type EventStream interface {
	Subscribe(ctx context.Context, jobID string) error
	Unsubscribe(jobID string)
}

// control is the client -> server message
type control struct {
	Subscribe   string `json:"subscribe,omitempty"`
	Unsubscribe string `json:"unsubscribe,omitempty"`
}

// WebSocketEvents keeps one persistent websocket connection to the events
// endpoint, re-subscribing outstanding ids after every reconnect
type WebSocketEvents struct {
	url            string
	dialer         *websocket.Dialer
	handler        func(Event)
	logger         logr.Logger
	reconnectDelay time.Duration
	writeTimeout   time.Duration

	mu   sync.Mutex // guards conn and subs, and serialises writes
	conn *websocket.Conn
	subs map[string]struct{}

	connected chan struct{}
}

// NewWebSocketEvents creates a stream; handler is called from the read loop
// for every event received
func NewWebSocketEvents(url string, handler func(Event), logger logr.Logger) *WebSocketEvents {
	return &WebSocketEvents{
		url:            url,
		dialer:         websocket.DefaultDialer,
		handler:        handler,
		logger:         logger.WithValues("events", url),
		reconnectDelay: DefaultReconnectDelay,
		writeTimeout:   DefaultWriteTimeout,
		subs:           make(map[string]struct{}),
		connected:      make(chan struct{}),
	}
}

// SetHandler replaces the event handler. Must be called before Run.
func (w *WebSocketEvents) SetHandler(handler func(Event)) {
	w.handler = handler
}

// SetReconnectDelay overrides DefaultReconnectDelay
func (w *WebSocketEvents) SetReconnectDelay(d time.Duration) {
	w.reconnectDelay = d
}

// SetWriteTimeout overrides DefaultWriteTimeout
func (w *WebSocketEvents) SetWriteTimeout(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.writeTimeout = d
}

// Connected is closed once the first connection is established
func (w *WebSocketEvents) Connected() <-chan struct{} {
	return w.connected
}

// Run maintains the connection until ctx ends
func (w *WebSocketEvents) Run(ctx context.Context) error {
	var once sync.Once

	for {
		conn, _, err := w.dialer.DialContext(ctx, w.url, http.Header{})
		if err != nil {
			w.logger.Error(err, "Failed to connect to event stream")
		} else {
			w.attach(conn)
			once.Do(func() { close(w.connected) })
			w.logger.V(logging.DEFAULT).Info("Connected to event stream")

			w.readLoop(ctx, conn)
			w.detach(conn)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(w.reconnectDelay):
		}
	}
}

// attach installs conn and replays every outstanding subscription on it
func (w *WebSocketEvents) attach(conn *websocket.Conn) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.conn = conn
	for id := range w.subs {
		if err := w.send(conn, control{Subscribe: id}); err != nil {
			w.logger.Error(err, "Failed to resubscribe", "job", id)
		}
	}
}

func (w *WebSocketEvents) detach(conn *websocket.Conn) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.conn == conn {
		w.conn = nil
	}

	conn.Close()
}

func (w *WebSocketEvents) readLoop(ctx context.Context, conn *websocket.Conn) {
	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})
	defer stop()

	for {
		var ev Event
		if err := conn.ReadJSON(&ev); err != nil {
			if ctx.Err() == nil {
				w.logger.Error(err, "Event stream read failed")
			}

			return
		}

		if ev.GUID == "" {
			w.logger.V(logging.DEBUG).Info("Ignoring event without guid")
			continue
		}

		if w.handler != nil {
			w.handler(ev)
		}
	}
}

// Subscribe registers interest in jobID. The id is remembered even when the
// write fails, so a reconnect replays it.
func (w *WebSocketEvents) Subscribe(_ context.Context, jobID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.subs[jobID] = struct{}{}
	if w.conn == nil {
		return ErrNotConnected
	}

	if err := w.send(w.conn, control{Subscribe: jobID}); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", jobID, err)
	}

	return nil
}

func (w *WebSocketEvents) Unsubscribe(jobID string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	delete(w.subs, jobID)
	if w.conn != nil {
		_ = w.send(w.conn, control{Unsubscribe: jobID})
	}
}

// send writes msg with a deadline so a stalled peer cannot hold w.mu forever.
// Callers hold w.mu.
func (w *WebSocketEvents) send(conn *websocket.Conn, msg control) error {
	if err := conn.SetWriteDeadline(time.Now().Add(w.writeTimeout)); err != nil {
		return err
	}

	return conn.WriteJSON(msg)
}

// Subscriptions returns the number of outstanding subscriptions
func (w *WebSocketEvents) Subscriptions() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	return len(w.subs)
}
