// Package event defines the closed set of inbound client events and the
// names of outbound server events. Inbound frames decode into one typed
// variant each; the transport layer dispatches them through a single
// exhaustive switch instead of a string-keyed handler table.
package event

import (
	"encoding/json"
	"fmt"

	"parley/internal/model"
)

// Outbound event names.
const (
	ActiveUsers      = "active_users"
	UserEvent        = "user_event"
	ReceiveMessage   = "receive_message"
	MessageAck       = "message_ack"
	MessageError     = "message_error"
	TypingEvent      = "typing"
	MessageReacted   = "message_reaction"
	PushNotification = "push_notification"
)

// Envelope is the wire framing of every client-to-server event.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Inbound is one decoded client event. The variant set is closed: Decode
// only ever returns the types below.
type Inbound interface {
	isInbound()
}

// UserJoin declares the connection's identity and room.
type UserJoin struct {
	Name   string `json:"name"`
	Room   string `json:"room"`
	Avatar string `json:"avatar,omitempty"`
}

// SendMessage submits a public room message.
type SendMessage struct {
	Room     string          `json:"room,omitempty"`
	Body     string          `json:"message"`
	Image    string          `json:"image,omitempty"`
	Voice    string          `json:"voice,omitempty"`
	File     *model.FileMeta `json:"file,omitempty"`
	ClientID string          `json:"clientId,omitempty"`
}

// PrivateMessage submits a 1:1 message to a named recipient.
type PrivateMessage struct {
	Recipient string          `json:"recipient"`
	Body      string          `json:"message"`
	Image     string          `json:"image,omitempty"`
	Voice     string          `json:"voice,omitempty"`
	File      *model.FileMeta `json:"file,omitempty"`
	ClientID  string          `json:"clientId,omitempty"`
}

// Typing toggles the ephemeral typing indicator.
type Typing struct {
	Username string `json:"username"`
	Room     string `json:"room"`
	IsTyping bool   `json:"isTyping"`
}

// Reaction adds a reaction to a stored message.
type Reaction struct {
	MsgID    string `json:"msgId"`
	Reaction string `json:"reaction"`
	User     string `json:"user"`
	Room     string `json:"room"`
}

func (UserJoin) isInbound()       {}
func (SendMessage) isInbound()    {}
func (PrivateMessage) isInbound() {}
func (Typing) isInbound()         {}
func (Reaction) isInbound()       {}

// Decode parses one raw frame into its typed variant. Unknown event names
// and malformed payloads are errors; the transport reports them to the
// offending client only.
func Decode(raw []byte) (Inbound, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}

	switch env.Event {
	case "user_join":
		var ev UserJoin
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			return nil, fmt.Errorf("malformed user_join payload: %w", err)
		}
		return ev, nil
	case "send_message":
		var ev SendMessage
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			return nil, fmt.Errorf("malformed send_message payload: %w", err)
		}
		return ev, nil
	case "private_message":
		var ev PrivateMessage
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			return nil, fmt.Errorf("malformed private_message payload: %w", err)
		}
		return ev, nil
	case "typing":
		var ev Typing
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			return nil, fmt.Errorf("malformed typing payload: %w", err)
		}
		return ev, nil
	case "message_reaction":
		var ev Reaction
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			return nil, fmt.Errorf("malformed message_reaction payload: %w", err)
		}
		return ev, nil
	default:
		return nil, fmt.Errorf("unknown event %q", env.Event)
	}
}
