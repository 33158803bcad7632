package socket

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"courtsync/pkg/logger"
	"courtsync/protocol"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// CheckOrigin allows connections from the dev frontend
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Client is one connected session, over websocket (Conn set) or over the
// polling fallback (Conn nil, drained via the poll endpoints). The SID is
// minted per connection and changes across reconnects.
type Client struct {
	Hub  *Hub
	Conn *websocket.Conn
	SID  string
	Send chan []byte

	room     string    // guarded by Hub.mu
	lastPoll time.Time // poll sessions only, guarded by Hub.mu
}

// ServeWs upgrades the HTTP request and registers the session with the hub.
func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Sugar.Error(err)
		return
	}

	client := &Client{
		Hub:  hub,
		Conn: conn,
		SID:  uuid.NewString(),
		Send: make(chan []byte, 256),
	}
	client.Hub.Register <- client

	// Reading and writing run in separate goroutines, the standard pattern
	// for websockets in Go.
	go client.writePump()
	go client.readPump()
}

func (c *Client) readPump() {
	defer func() {
		c.Hub.Unregister <- c
		c.Conn.Close()
	}()

	for {
		_, rawMessage, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Sugar.Errorf("error: %v", err)
			}
			break
		}

		var env protocol.Envelope
		if err := json.Unmarshal(rawMessage, &env); err != nil {
			logger.Sugar.Errorf("error unmarshalling envelope from %s: %v", c.SID, err)
			continue
		}

		c.Hub.Inbound <- inbound{client: c, env: env}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second) // Send ping every 30s
	defer ticker.Stop()

	for {
		select {
		case message, ok := <-c.Send:
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			c.Conn.WriteMessage(websocket.TextMessage, message)
		// A ping every 30 seconds keeps the connection alive and detects
		// dropped peers.
		case <-ticker.C:
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return // Connection is dead
			}
		}
	}
}
