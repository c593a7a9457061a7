//go:build js

package internal

import "github.com/coder/websocket"

// CloseNow closes the browser socket; the browser owns the handshake.
func (c *Conn) CloseNow() error {
	return c.ws.Close(websocket.StatusGoingAway, "")
}
