// Package ws pushes sync and audit completion events to connected clients.
package ws

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const broadcastBuffer = 64

// Envelope is the JSON frame written to clients.
type Envelope struct {
	Type      string    `json:"type"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type broadcastMessage struct {
	topic   string
	payload []byte
}

// Hub manages active clients and topic-scoped broadcasts.
type Hub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan broadcastMessage
	done       chan struct{}
	stopOnce   sync.Once
	now        func() time.Time
}

// NewHub builds a new Hub.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan broadcastMessage, broadcastBuffer),
		done:       make(chan struct{}),
		now:        time.Now,
	}
}

// Run starts the hub loop and returns after Stop.
func (h *Hub) Run() {
	for {
		select {
		case <-h.done:
			for client := range h.clients {
				delete(h.clients, client)
				close(client.Send)
			}
			return
		case client := <-h.register:
			h.clients[client] = true
		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.Send)
			}
		case message := <-h.broadcast:
			for client := range h.clients {
				if !client.Wants(message.topic) {
					continue
				}
				select {
				case client.Send <- message.payload:
				default:
					delete(h.clients, client)
					close(client.Send)
				}
			}
		}
	}
}

// Stop ends Run and closes every client.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// Publish wraps payload in an Envelope and broadcasts it on the eventType
// topic. Messages are dropped when the hub is saturated.
func (h *Hub) Publish(eventType string, payload any) {
	frame, err := json.Marshal(Envelope{Type: eventType, Data: payload, Timestamp: h.now().UTC()})
	if err != nil {
		log.Printf("ws: encode %s: %v", eventType, err)
		return
	}
	select {
	case h.broadcast <- broadcastMessage{topic: eventType, payload: frame}:
	default:
		log.Printf("ws: broadcast queue full, dropping %s", eventType)
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
	}
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// Client represents a websocket connection. A client without subscriptions
// receives every topic.
type Client struct {
	Conn   *websocket.Conn
	Hub    *Hub
	Send   chan []byte
	mu     sync.RWMutex
	topics map[string]bool
}

// NewClient returns a client ready for registration.
func NewClient(hub *Hub, conn *websocket.Conn) *Client {
	return &Client{
		Conn:   conn,
		Hub:    hub,
		Send:   make(chan []byte, 256),
		topics: make(map[string]bool),
	}
}

func (c *Client) SubscribeTopic(topic string) {
	c.mu.Lock()
	c.topics[topic] = true
	c.mu.Unlock()
}

func (c *Client) UnsubscribeTopic(topic string) {
	c.mu.Lock()
	delete(c.topics, topic)
	c.mu.Unlock()
}

func (c *Client) IsSubscribedToTopic(topic string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.topics[topic]
}

// Wants reports whether topic should be delivered to c.
func (c *Client) Wants(topic string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.topics) == 0 || c.topics[topic]
}
