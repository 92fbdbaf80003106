package server

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"

	"crashengine/internal/engine"
)

type Client struct {
	conn   *websocket.Conn
	userID string
	mu     sync.Mutex
}

// Hub fans engine events out to connected WebSocket clients. It implements
// engine.Publisher; publishing never blocks the tick, slow consumers drop
// messages instead.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan wsEnvelope
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
}

type wsEnvelope struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan wsEnvelope, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
	}
}

func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			log.Printf("[WS] Client connected: %s (Total: %d)", client.userID, h.GetClientCount())

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.conn.Close()
				log.Printf("[WS] Client disconnected: %s (Total: %d)", client.userID, len(h.clients))
			}
			h.mu.Unlock()

		case envelope := <-h.broadcast:
			data, err := json.Marshal(envelope)
			if err != nil {
				log.Printf("[WS] Marshal error: %v", err)
				continue
			}

			h.mu.RLock()
			for client := range h.clients {
				go client.send(data)
			}
			h.mu.RUnlock()
		}
	}
}

// PublishState implements engine.Publisher.
func (h *Hub) PublishState(msg engine.StateMessage) {
	h.publish("game_state", msg)
}

func (h *Hub) PublishHistory(msg engine.HistoryMessage) {
	h.publish("game_history", msg)
}

func (h *Hub) PublishBetResult(msg engine.BetResult) {
	h.publish("bet_result", msg)
}

func (h *Hub) PublishCashoutResult(msg engine.CashoutResult) {
	h.publish("cashout_result", msg)
}

func (h *Hub) publish(msgType string, data interface{}) {
	select {
	case h.broadcast <- wsEnvelope{Type: msgType, Data: data}:
	default:
		log.Println("[WS] Broadcast channel full, dropping message")
	}
}

func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) RegisterClient(conn *websocket.Conn, userID string) {
	h.register <- &Client{conn: conn, userID: userID}
}

func (h *Hub) UnregisterClient(conn *websocket.Conn) {
	h.mu.RLock()
	for client := range h.clients {
		if client.conn == conn {
			h.mu.RUnlock()
			h.unregister <- client
			return
		}
	}
	h.mu.RUnlock()
}

func (c *Client) send(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		log.Printf("[WS] Write error for user %s: %v", c.userID, err)
	}
}
