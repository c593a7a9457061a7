package chatline

// SystemUser is the reserved sender of server notices such as joins and leaves.
const SystemUser = "system"

// Event is one decoded inbound frame: either UserList or ChatMessage.
type Event interface {
	frameType() string
}

// UserList is a full snapshot of the users currently in the chat.
type UserList struct {
	Users []string
}

// ChatMessage is one chat line.
type ChatMessage struct {
	User    string
	Message string
}

func (UserList) frameType() string    { return frameUserList }
func (ChatMessage) frameType() string { return frameMessage }

// TranscriptEntry is one line of the transcript.
type TranscriptEntry struct {
	User    string `json:"user"`
	Message string `json:"message"`
}

// IsSystem reports whether the entry is a system notice rather than user chat.
func (e TranscriptEntry) IsSystem() bool { return e.User == SystemUser }
