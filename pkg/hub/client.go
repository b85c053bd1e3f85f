package hub

import (
	"time"

	"github.com/gofiber/websocket/v2"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 * 1024

	// sendBuffer is how many events a client may fall behind.
	sendBuffer = 256
)

// Conn is the part of a websocket connection a Client uses.
// *websocket.Conn satisfies it.
type Conn interface {
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Client is one websocket connection.
type Client struct {
	hub  *Hub
	conn Conn
	send chan []byte
}

// NewClient registers conn with the hub. initial messages are queued ahead
// of any broadcast. It returns nil if the hub has stopped.
func NewClient(h *Hub, conn Conn, initial ...[]byte) *Client {
	c := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBuffer+len(initial)),
	}
	for _, msg := range initial {
		c.send <- msg
	}
	select {
	case h.register <- c:
		return c
	case <-h.done:
		return nil
	}
}

// Run pumps the connection until it closes.
func (c *Client) Run() {
	go c.writePump()
	c.readPump()
}

// readPump only detects disconnection and keeps pongs flowing; clients
// send nothing the server acts on.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump is the only writer on the connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
