//////////////////////////////////////////////////////////////////////////////
//
// Websocket sinks
//
// A WebSocketSink writes each chunk to one connection as a binary
// message. A Hub fans chunks out to every connected client: each client
// has its own queue, and once a queue reaches capacity the oldest chunk is
// dropped for each new one written.
//
// Copyright 2019 Lanikai Labs. All rights reserved.
//
//////////////////////////////////////////////////////////////////////////////

package encoder

import (
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

var errClosed = errors.New("sink closed")

const writeWait = 5 * time.Second

// WebSocketSink sends every chunk it is given as one binary message.
type WebSocketSink struct {
	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

func NewWebSocketSink(conn *websocket.Conn) *WebSocketSink {
	return &WebSocketSink{conn: conn}
}

func (s *WebSocketSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, errClosed
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s *WebSocketSink) Name() string {
	return "ws://" + s.conn.RemoteAddr().String()
}

// Close sends a close frame and closes the connection.
func (s *WebSocketSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	return s.conn.Close()
}

// Hub is an io.Writer fanning chunks out to websocket clients. It serves
// clients as an http.Handler.
type Hub struct {
	// Chunks queued per client before the oldest is dropped.
	Depth int

	upgrader websocket.Upgrader

	mu          sync.Mutex
	subscribers []chan []byte
	closed      bool
}

func NewHub(depth int) *Hub {
	if depth < 1 {
		depth = 64
	}
	return &Hub{
		Depth: depth,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 64 << 10,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

var _ io.WriteCloser = (*Hub)(nil)

// Subscribe adds a queue holding up to n chunks.
func (h *Hub) Subscribe(n int) <-chan []byte {
	if n < 1 {
		panic("encoder.Hub: subscriber capacity must be nonzero")
	}
	ch := make(chan []byte, n)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return ch
	}
	h.subscribers = append(h.subscribers, ch)
	return ch
}

// Unsubscribe removes and closes a queue returned by Subscribe.
func (h *Hub) Unsubscribe(s <-chan []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, sub := range h.subscribers {
		if s == sub {
			subs := h.subscribers
			close(subs[i])
			subs[len(subs)-1], subs[i] = subs[i], subs[len(subs)-1]
			h.subscribers = subs[:len(subs)-1]
			return nil
		}
	}
	return errors.New("encoder.Hub: not subscribed")
}

// Subscribers is the number of attached queues.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

// Write queues a copy of p for every subscriber. Buffer memory is reused by
// the encoder so p cannot be retained.
func (h *Hub) Write(p []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return 0, errClosed
	}
	if len(h.subscribers) == 0 {
		return len(p), nil
	}

	chunk := append([]byte(nil), p...)
	for _, sub := range h.subscribers {
		select {
		case sub <- chunk:
		default:
			// Backlogged. Drop the oldest chunk and add the newest.
			select {
			case <-sub:
			default:
			}
			select {
			case sub <- chunk:
			default:
			}
			log.Trace(2, "hub: subscriber missed a chunk")
		}
	}
	return len(p), nil
}

// Close detaches every subscriber. Later writes fail.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	for _, sub := range h.subscribers {
		close(sub)
	}
	h.subscribers = nil
	return nil
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("hub: upgrade from %v: %v", r.RemoteAddr, err)
		return
	}
	id := uuid.New().String()[:8]
	log.Info("hub: client %s connected from %v", id, conn.RemoteAddr())

	sink := NewWebSocketSink(conn)
	defer sink.Close()

	ch := h.Subscribe(h.Depth)

	// Reads only detect the client going away.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				h.Unsubscribe(ch)
				return
			}
		}
	}()

	for chunk := range ch {
		if _, err := sink.Write(chunk); err != nil {
			log.Debug("hub: client %s: %v", id, err)
			h.Unsubscribe(ch)
			break
		}
	}
	log.Info("hub: client %s disconnected", id)
}
