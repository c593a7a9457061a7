package chatline

import (
	"encoding/json"
	"fmt"
)

const (
	frameUserList = "userlist"
	frameMessage  = "message"
)

// envelope is the server -> client frame. Client -> server frames are raw
// text and have no envelope.
type envelope struct {
	Type    string          `json:"type"`
	Users   json.RawMessage `json:"users,omitempty"`
	User    *string         `json:"user,omitempty"`
	Message *string         `json:"message,omitempty"`
}

// DecodeFrame parses one inbound frame. Unparsable payloads, unknown types
// and missing or mistyped fields are reported as protocol errors.
func DecodeFrame(payload []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, WrapError(ErrorMalformedFrame, "decode envelope", err)
	}

	switch env.Type {
	case frameUserList:
		if len(env.Users) == 0 || string(env.Users) == "null" {
			return nil, NewError(ErrorMalformedFrame, "userlist frame without users")
		}
		var users []string
		if err := json.Unmarshal(env.Users, &users); err != nil {
			return nil, WrapError(ErrorMalformedFrame, "decode users", err)
		}
		if users == nil {
			users = []string{}
		}
		return UserList{Users: users}, nil
	case frameMessage:
		if env.User == nil || env.Message == nil {
			return nil, NewError(ErrorMalformedFrame, "message frame without user or message")
		}
		return ChatMessage{User: *env.User, Message: *env.Message}, nil
	case "":
		return nil, NewError(ErrorMalformedFrame, "frame without type")
	default:
		return nil, NewError(ErrorUnknownFrameType, fmt.Sprintf("unknown frame type %q", env.Type))
	}
}
