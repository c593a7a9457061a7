//go:build js

package chatline

import "github.com/coder/websocket"

// The browser sets Origin itself.
func dialOptions(Config) *websocket.DialOptions { return nil }
