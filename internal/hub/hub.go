// Package hub manages WebSocket observer connections, grouped into rooms by
// session id. It implements the broadcast transport.
package hub

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// sendQueueSize bounds the per-client outbound queue. A client that cannot
// drain this many events is disconnected rather than allowed to stall the
// bus.
const sendQueueSize = 256

const writeTimeout = 10 * time.Second

// Client is one observer connection inside a room.
type Client struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

// Send queues data for the client. Returns false when the queue is full or
// the client is closing; the caller should drop the client.
func (c *Client) Send(data []byte) bool {
	select {
	case <-c.done:
		return false
	case c.send <- data:
		return true
	default:
		return false
	}
}

// Close terminates the connection. Idempotent.
func (c *Client) Close(code websocket.StatusCode, reason string) {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close(code, reason)
	})
}

// Wait blocks until the client is closed.
func (c *Client) Wait() {
	<-c.done
}

func (c *Client) writePump() {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			err := c.conn.Write(ctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				c.Close(websocket.StatusAbnormalClosure, "write failed")
				return
			}
		}
	}
}

// Hub tracks observer rooms. One room per session.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[*Client]struct{}
}

// New creates an empty hub.
func New() *Hub {
	return &Hub{rooms: make(map[string]map[*Client]struct{})}
}

// Join wraps an accepted connection into a Client and registers it with the
// room, starting its writer.
func (h *Hub) Join(room string, conn *websocket.Conn) *Client {
	c := &Client{
		conn: conn,
		send: make(chan []byte, sendQueueSize),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	clients, ok := h.rooms[room]
	if !ok {
		clients = make(map[*Client]struct{})
		h.rooms[room] = clients
	}
	clients[c] = struct{}{}
	h.mu.Unlock()

	go c.writePump()
	slog.Debug("Observer joined", "room", room, "clients", h.ClientCount(room))
	return c
}

// Leave removes the client from the room and closes it.
func (h *Hub) Leave(room string, c *Client) {
	h.mu.Lock()
	if clients, ok := h.rooms[room]; ok {
		delete(clients, c)
		if len(clients) == 0 {
			delete(h.rooms, room)
		}
	}
	h.mu.Unlock()

	c.Close(websocket.StatusNormalClosure, "session ended")
}

// Broadcast delivers data to every client in the room. Clients whose queues
// are full are disconnected.
func (h *Hub) Broadcast(room string, data []byte) {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.rooms[room]))
	for c := range h.rooms[room] {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		if !c.Send(data) {
			slog.Warn("Dropping slow observer", "room", room)
			h.Leave(room, c)
		}
	}
}

// ClientCount returns the number of observers in the room.
func (h *Hub) ClientCount(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// CloseRoom disconnects every observer of the room.
func (h *Hub) CloseRoom(room string) {
	h.mu.Lock()
	clients := h.rooms[room]
	delete(h.rooms, room)
	h.mu.Unlock()

	for c := range clients {
		c.Close(websocket.StatusGoingAway, "session unloaded")
	}
}
