package ws

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/marcopiovanello/engine-dispatch/server/internal"
	middlewares "github.com/marcopiovanello/engine-dispatch/server/middleware"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 256
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type Source interface {
	Snapshot() []internal.DownloadState
	Subscribe(fn func(internal.DownloadState)) error
	Unsubscribe(fn func(internal.DownloadState)) error
}

type Message struct {
	Type   string                   `json:"type"`
	State  *internal.DownloadState  `json:"state,omitempty"`
	States []internal.DownloadState `json:"states,omitempty"`
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub pushes every DownloadState change to the connected clients. A
// client that can't keep up is disconnected and has to reconnect to get a
// fresh snapshot.
type Hub struct {
	src     Source
	mu      sync.Mutex
	clients map[*client]struct{}
	notify  func(internal.DownloadState)
}

func NewHub(src Source) (*Hub, error) {
	h := &Hub{
		src:     src,
		clients: make(map[*client]struct{}),
	}
	h.notify = h.broadcast

	if err := src.Subscribe(h.notify); err != nil {
		return nil, err
	}

	return h, nil
}

func (h *Hub) broadcast(st internal.DownloadState) {
	msg, err := json.Marshal(Message{Type: "state", State: &st})
	if err != nil {
		slog.Error("failed to encode state", slog.String("id", st.Id), slog.Any("err", err))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			slog.Warn("dropping slow websocket client", slog.String("remote", c.conn.RemoteAddr().String()))
			h.remove(c)
		}
	}
}

// must hold h.mu
func (h *Hub) remove(c *client) {
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", slog.Any("err", err))
		return
	}

	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}

	// snapshot and registration happen under the lock so no change is
	// lost in between, the snapshot is always the first message
	h.mu.Lock()
	snapshot, err := json.Marshal(Message{Type: "snapshot", States: h.src.Snapshot()})
	if err != nil {
		h.mu.Unlock()
		conn.Close()
		return
	}
	c.send <- snapshot
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go h.writer(c)
	h.reader(c)
}

// reader discards incoming messages, it only notices the disconnection
func (h *Hub) reader(c *client) {
	defer func() {
		h.mu.Lock()
		h.remove(c)
		h.mu.Unlock()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writer(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Close disconnects every client and stops listening to the source.
func (h *Hub) Close() error {
	err := h.src.Unsubscribe(h.notify)

	h.mu.Lock()
	for c := range h.clients {
		h.remove(c)
	}
	h.mu.Unlock()

	return err
}

func ApplyRouter(h *Hub) func(chi.Router) {
	return func(r chi.Router) {
		r.Use(middlewares.ApplyAuthenticationByConfig)
		r.Get("/", h.ServeHTTP)
	}
}
