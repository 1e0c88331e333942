package model

import "time"

// FileMeta describes an uploaded file attached to a message.
type FileMeta struct {
	Name string `json:"name"`
	URL  string `json:"url"`
	Type string `json:"type,omitempty"`
	Size int64  `json:"size,omitempty"`
}

// Reaction is a single reaction left on a message.
type Reaction struct {
	Reaction  string    `json:"reaction"`
	User      string    `json:"user"`
	Timestamp time.Time `json:"timestamp"`
}

// Message represents a chat message. The timestamp is assigned by the store
// at persistence time and is monotonically non-decreasing per insertion.
// ClientID is a client-generated correlation token used only for echo
// matching, never as a durable identity.
type Message struct {
	ID        string     `json:"id"`
	Room      string     `json:"room"`
	Sender    string     `json:"sender"`
	Avatar    string     `json:"avatar,omitempty"`
	Body      string     `json:"message"`
	Image     string     `json:"image,omitempty"`
	Voice     string     `json:"voice,omitempty"`
	File      *FileMeta  `json:"file,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
	Private   bool       `json:"private"`
	Recipient string     `json:"recipient,omitempty"`
	ReadBy    []string   `json:"readBy"`
	Reactions []Reaction `json:"reactions"`
	ClientID  string     `json:"clientId,omitempty"`
	Edited    bool       `json:"edited,omitempty"`
	EditedAt  *time.Time `json:"editedAt,omitempty"`
}

// HasContent reports whether the message carries anything deliverable:
// body text or at least one attachment.
func (m *Message) HasContent() bool {
	return m.Body != "" || m.Image != "" || m.Voice != "" || m.File != nil
}

// ReadByContains reports whether reader already appears in ReadBy.
func (m *Message) ReadByContains(reader string) bool {
	for _, r := range m.ReadBy {
		if r == reader {
			return true
		}
	}
	return false
}

// User is a registered account. PasswordHash is never serialized.
type User struct {
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Avatar       string    `json:"avatar,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Member is one entry in a room's active user list.
type Member struct {
	Name     string    `json:"name"`
	Avatar   string    `json:"avatar,omitempty"`
	JoinedAt time.Time `json:"joinedAt"`
}
