package monitor

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	clientQueue  = 32
	writeTimeout = 5 * time.Second
	pingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Event is one live update pushed to websocket subscribers.
type Event struct {
	Type  string       `json:"type"` // snapshot, state, peer or statistics
	Time  time.Time    `json:"time"`
	Link  *LinkStatus  `json:"link,omitempty"`
	Links []LinkStatus `json:"links,omitempty"`
}

// Hub fans events out to every connected websocket. A subscriber that
// cannot keep up is disconnected rather than slowing the others.
type Hub struct {
	mu      sync.Mutex
	clients map[*subscriber]struct{}
	closed  bool
}

type subscriber struct {
	conn *websocket.Conn
	send chan []byte
}

func newHub() *Hub {
	return &Hub{clients: make(map[*subscriber]struct{})}
}

// Broadcast queues ev for every subscriber.
func (h *Hub) Broadcast(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.clients {
		select {
		case s.send <- data:
		default:
			h.remove(s)
		}
	}
}

// Len returns the number of connected subscribers.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every subscriber and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for s := range h.clients {
		h.remove(s)
	}
}

// remove must be called with mu held.
func (h *Hub) remove(s *subscriber) {
	if _, ok := h.clients[s]; ok {
		delete(h.clients, s)
		close(s.send)
	}
}

// serve upgrades the request and streams events until the peer goes away.
// first is queued ahead of any broadcast.
func (h *Hub) serve(w http.ResponseWriter, r *http.Request, first Event) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	s := &subscriber{conn: conn, send: make(chan []byte, clientQueue)}
	if data, err := json.Marshal(first); err == nil {
		s.send <- data
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
		conn.Close()
		return
	}
	h.clients[s] = struct{}{}
	h.mu.Unlock()

	go h.readLoop(s)
	h.writeLoop(s)
}

// readLoop discards anything the subscriber sends and notices when it leaves.
func (h *Hub) readLoop(s *subscriber) {
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			h.mu.Lock()
			h.remove(s)
			h.mu.Unlock()
			return
		}
	}
}

func (h *Hub) writeLoop(s *subscriber) {
	ping := time.NewTicker(pingInterval)
	defer func() {
		ping.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case data, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.mu.Lock()
				h.remove(s)
				h.mu.Unlock()
				return
			}
		case <-ping.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.mu.Lock()
				h.remove(s)
				h.mu.Unlock()
				return
			}
		}
	}
}
