//go:build !js

package internal

// CloseNow tears the connection down without the close handshake.
func (c *Conn) CloseNow() error {
	return c.ws.CloseNow()
}
