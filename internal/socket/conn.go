// Package socket hosts the three namespaced real-time socket handlers
// (C6 Runner, C7 Relay/TUI, C8 Viewer) plus the auxiliary /terminal and
// /hub endpoints, all sharing one gorilla/websocket transport.
package socket

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pizzapi/relay/internal/wire"
)

const (
	writeTimeout  = 10 * time.Second
	pongWait      = 60 * time.Second
	pingInterval  = 30 * time.Second
	readLimitByte = 2 << 20 // 2 MiB, generous for agent events and attachments metadata
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true }, // origin is checked by the Auth Gate, not the upgrader
}

// conn wraps a *websocket.Conn with a write mutex (gorilla/websocket
// forbids concurrent writers) and implements registry.Sender.
type conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
}

func newConn(ws *websocket.Conn) *conn {
	ws.SetReadLimit(readLimitByte)
	return &conn{ws: ws}
}

// Send implements registry.Sender.
func (c *conn) Send(msg wire.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteJSON(msg)
}

// sendTyped is a convenience wrapper around wire.New + Send.
func (c *conn) sendTyped(typ string, payload any) error {
	msg, err := wire.New(typ, payload)
	if err != nil {
		return err
	}
	return c.Send(msg)
}

func (c *conn) close() error {
	return c.ws.Close()
}

// readLoop runs until the connection closes, decoding one wire.Message
// per frame and invoking handle. It installs the ping/pong keepalive
// used across all four namespaces.
func (c *conn) readLoop(handle func(wire.Message) error) error {
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))

	stopPing := make(chan struct{})
	defer close(stopPing)
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.writeMu.Lock()
				_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
				err := c.ws.WriteMessage(websocket.PingMessage, nil)
				c.writeMu.Unlock()
				if err != nil {
					return
				}
			case <-stopPing:
				return
			}
		}
	}()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return err
		}
		var msg wire.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			// Malformed event payload: drop it silently (§7).
			continue
		}
		if err := handle(msg); err != nil {
			return err
		}
	}
}
