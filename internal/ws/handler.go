package ws

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	maxTopicLength = 64
)

// Handler upgrades HTTP connections to websocket clients of Hub.
type Handler struct {
	Hub *Hub
	// AllowedOrigins lists cross-origin pages allowed to connect, as exact
	// origins such as "https://board.example.com" or "*" for any. Pages
	// served from the same host are always allowed.
	AllowedOrigins []string
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return originAllowed(r, h.AllowedOrigins)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	client := NewClient(h.Hub, conn)
	h.Hub.Register(client)

	go client.WritePump()
	client.ReadPump()
}

// subscription is the only frame clients send:
// {"type":"subscribe","topic":"SyncCompleted"}.
type subscription struct {
	Type  string `json:"type"`
	Topic string `json:"topic"`
}

// ReadPump applies subscription frames until the connection drops.
func (c *Client) ReadPump() {
	defer func() {
		c.Hub.Unregister(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	_ = c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		return c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			return
		}
		var frame subscription
		if json.Unmarshal(message, &frame) == nil {
			c.apply(frame)
		}
	}
}

// WritePump forwards hub frames and keeps the connection alive with pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.Send:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) apply(frame subscription) {
	if c == nil {
		return
	}
	topic := strings.TrimSpace(frame.Topic)
	if !validTopic(topic) {
		return
	}
	switch strings.ToLower(strings.TrimSpace(frame.Type)) {
	case "subscribe":
		c.SubscribeTopic(topic)
	case "unsubscribe":
		c.UnsubscribeTopic(topic)
	}
}

// validTopic accepts event type names such as "SyncCompleted".
func validTopic(topic string) bool {
	if topic == "" || len(topic) > maxTopicLength {
		return false
	}
	return strings.IndexFunc(topic, func(r rune) bool {
		return r > unicode.MaxASCII || !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '-' || r == ':')
	}) < 0
}

// originAllowed accepts requests without an Origin header, pages from the
// same host and origins listed in allowed.
func originAllowed(r *http.Request, allowed []string) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	if strings.EqualFold(u.Host, r.Host) {
		return true
	}
	origin = strings.ToLower(u.Scheme + "://" + u.Host)
	for _, candidate := range allowed {
		candidate = strings.ToLower(strings.TrimRight(strings.TrimSpace(candidate), "/"))
		if candidate == "*" || candidate == origin {
			return true
		}
	}
	return false
}
