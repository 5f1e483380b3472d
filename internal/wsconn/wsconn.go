// Package wsconn is the client-side WebSocket transport used by the
// Session: dial, write the subscription frame, and read the notification
// stream, wrapping github.com/gorilla/websocket the way the teacher
// simulator uses it on the server side.
package wsconn

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is a thin wrapper around a client-side *websocket.Conn.
type Conn struct {
	ws *websocket.Conn
}

var dialer = websocket.Dialer{
	HandshakeTimeout: 10 * time.Second,
}

// Dial upgrades url to a WebSocket connection, per spec.md §4.5's
// connecting -> upgrading -> initializing transitions.
func Dial(ctx context.Context, url string, header http.Header) (*Conn, *http.Response, error) {
	ws, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, resp, err
	}
	return &Conn{ws: ws}, resp, nil
}

// WriteJSON marshals and sends v as a single text frame, used for the
// initial subscription message (spec.md §4.2).
func (c *Conn) WriteJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// ReadMessage blocks for the next text frame: a status frame or a raw
// notification.
func (c *Conn) ReadMessage() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	return data, err
}

// SetReadDeadline forwards to the underlying connection, letting a caller
// bound how long it waits for the next frame. The Session's Conn interface
// does not include it.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.ws.SetReadDeadline(t)
}

// Close closes the underlying socket.
func (c *Conn) Close() error {
	return c.ws.Close()
}
