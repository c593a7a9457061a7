//go:build !js

package chatline

import (
	"net/http"

	"github.com/coder/websocket"
)

// dialOptions sends the page origin the way a browser would.
func dialOptions(cfg Config) *websocket.DialOptions {
	if cfg.Origin == "" {
		return nil
	}
	return &websocket.DialOptions{HTTPHeader: http.Header{"Origin": []string{cfg.Origin}}}
}
