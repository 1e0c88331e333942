// Package pipeline implements the server-side path of one outbound client
// action: validate, persist, distribute, acknowledge. Nothing is ever
// broadcast before it is persisted, and a failed submission is reported to
// the sender only.
package pipeline

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"parley/internal/event"
	"parley/internal/metrics"
	"parley/internal/model"
	"parley/internal/presence"
	"parley/internal/router"
	"parley/internal/store"
)

// MaxBodyLen bounds message text length in runes.
const MaxBodyLen = 1000

var (
	// ErrEmptyMessage rejects a submission with neither text nor attachment.
	ErrEmptyMessage = errors.New("message text or attachment required")
	// ErrNoRoom rejects a public submission whose room cannot be resolved.
	ErrNoRoom = errors.New("room is required")
	// ErrNoRecipient rejects a private submission without a recipient.
	ErrNoRecipient = errors.New("recipient is required")
	// ErrBodyTooLong rejects oversized message text.
	ErrBodyTooLong = errors.New("message exceeds maximum length")
	// ErrNotAuthor rejects an edit or delete by anyone but the sender.
	ErrNotAuthor = errors.New("only the author may modify this message")
)

// Ack correlates a client's optimistic message with its persisted identity.
type Ack struct {
	ClientID  string    `json:"clientId"`
	MessageID string    `json:"messageId"`
	Timestamp time.Time `json:"timestamp"`
}

// TypingPayload is the ephemeral typing broadcast.
type TypingPayload struct {
	Username  string    `json:"username"`
	IsTyping  bool      `json:"isTyping"`
	Timestamp time.Time `json:"timestamp"`
}

// ReactionDelta is the broadcast sent when a reaction lands; receivers patch
// the one message rather than refetching it.
type ReactionDelta struct {
	MsgID    string `json:"msgId"`
	Reaction string `json:"reaction"`
	User     string `json:"user"`
}

// Notification is the push_notification payload.
type Notification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// Pipeline wires the store, the presence registry, and the room router into
// the submit path. Persistence calls are the only suspension points; the
// registry and router calls are synchronous in-memory operations.
type Pipeline struct {
	store    store.Store
	registry *presence.Registry
	router   *router.Router

	// seen maps room\x00clientId to the persisted message id so a resent
	// clientId re-acks instead of duplicating the message.
	mu        sync.Mutex
	seen      map[string]string
	seenOrder []string
}

const seenLimit = 4096

// New returns a pipeline backed by st, resolving senders through reg and
// distributing through rt.
func New(st store.Store, reg *presence.Registry, rt *router.Router) *Pipeline {
	return &Pipeline{
		store:    st,
		registry: reg,
		router:   rt,
		seen:     make(map[string]string),
	}
}

// SubmitPublicMessage validates, persists, and distributes a room message.
// On success the persisted copy (store identity, server timestamp) is
// broadcast to the room, echoed to the sender's connection, and acknowledged
// with the clientId→id mapping. Validation or store failure reaches the
// sender only.
func (p *Pipeline) SubmitPublicMessage(ctx context.Context, senderConnID string, in event.SendMessage) (*model.Message, error) {
	sender, ok := p.registry.Lookup(senderConnID)
	room := in.Room
	if ok && sender.Room != "" {
		room = sender.Room
	}
	name := "Anonymous"
	avatar := ""
	if ok {
		name = sender.Name
		avatar = sender.Avatar
	}

	body, err := sanitizeBody(in.Body)
	if err != nil {
		metrics.RejectedTotal.Inc()
		return nil, err
	}
	msg := &model.Message{
		Room:      room,
		Sender:    name,
		Avatar:    avatar,
		Body:      body,
		Image:     in.Image,
		Voice:     in.Voice,
		File:      in.File,
		Private:   false,
		ReadBy:    []string{name},
		Reactions: []model.Reaction{},
		ClientID:  in.ClientID,
	}
	if room == "" {
		metrics.RejectedTotal.Inc()
		return nil, ErrNoRoom
	}
	if !msg.HasContent() {
		metrics.RejectedTotal.Inc()
		return nil, ErrEmptyMessage
	}

	if dup := p.replayed(ctx, room, in.ClientID, senderConnID); dup != nil {
		return dup, nil
	}

	if err := p.store.Append(ctx, msg); err != nil {
		metrics.RejectedTotal.Inc()
		log.Printf("[pipeline] ❌ Persist failed for %s in %s: %v", name, room, err)
		return nil, err
	}
	p.remember(room, in.ClientID, msg.ID)
	metrics.MessagesTotal.WithLabelValues("public").Inc()

	p.router.BroadcastToRoom(room, event.ReceiveMessage, msg, senderConnID)
	p.router.DeliverTo(senderConnID, event.ReceiveMessage, msg)
	p.router.BroadcastToRoom(room, event.PushNotification, Notification{
		Title: "New message from " + name,
		Body:  notificationBody(msg),
	}, senderConnID)

	if in.ClientID != "" {
		p.router.DeliverTo(senderConnID, event.MessageAck, Ack{
			ClientID:  in.ClientID,
			MessageID: msg.ID,
			Timestamp: msg.Timestamp,
		})
	}
	return msg, nil
}

// SubmitPrivateMessage persists a 1:1 message and delivers it to every
// connection of the sender and of the recipient; no room broadcast.
func (p *Pipeline) SubmitPrivateMessage(ctx context.Context, senderConnID string, in event.PrivateMessage) (*model.Message, error) {
	if in.Recipient == "" {
		metrics.RejectedTotal.Inc()
		return nil, ErrNoRecipient
	}
	sender, ok := p.registry.Lookup(senderConnID)
	name := "Anonymous"
	avatar := ""
	room := ""
	if ok {
		name = sender.Name
		avatar = sender.Avatar
		room = sender.Room
	}

	body, err := sanitizeBody(in.Body)
	if err != nil {
		metrics.RejectedTotal.Inc()
		return nil, err
	}
	msg := &model.Message{
		Room:      room,
		Sender:    name,
		Avatar:    avatar,
		Body:      body,
		Image:     in.Image,
		Voice:     in.Voice,
		File:      in.File,
		Private:   true,
		Recipient: in.Recipient,
		ReadBy:    []string{name},
		Reactions: []model.Reaction{},
		ClientID:  in.ClientID,
	}
	if !msg.HasContent() {
		metrics.RejectedTotal.Inc()
		return nil, ErrEmptyMessage
	}

	if dup := p.replayed(ctx, room, in.ClientID, senderConnID); dup != nil {
		return dup, nil
	}

	if err := p.store.Append(ctx, msg); err != nil {
		metrics.RejectedTotal.Inc()
		log.Printf("[pipeline] ❌ Persist failed for private %s→%s: %v", name, in.Recipient, err)
		return nil, err
	}
	p.remember(room, in.ClientID, msg.ID)
	metrics.MessagesTotal.WithLabelValues("private").Inc()

	p.router.DeliverToName(in.Recipient, event.ReceiveMessage, msg)
	p.router.DeliverToName(in.Recipient, event.PushNotification, Notification{
		Title: "New private message from " + name,
		Body:  notificationBody(msg),
	})
	if in.Recipient != name {
		p.router.DeliverToName(name, event.ReceiveMessage, msg)
	}

	if in.ClientID != "" {
		p.router.DeliverTo(senderConnID, event.MessageAck, Ack{
			ClientID:  in.ClientID,
			MessageID: msg.ID,
			Timestamp: msg.Timestamp,
		})
	}
	return msg, nil
}

// React appends a reaction to a stored message and broadcasts the delta to
// the room. A missing message is reported to the actor only.
func (p *Pipeline) React(ctx context.Context, in event.Reaction) error {
	r := model.Reaction{
		Reaction:  in.Reaction,
		User:      in.User,
		Timestamp: time.Now().UTC(),
	}
	if err := p.store.AddReaction(ctx, in.MsgID, r); err != nil {
		return err
	}
	p.router.BroadcastToRoom(in.Room, event.MessageReacted, ReactionDelta{
		MsgID:    in.MsgID,
		Reaction: in.Reaction,
		User:     in.User,
	})
	return nil
}

// EditMessage updates a message body. Only the original sender may edit.
func (p *Pipeline) EditMessage(ctx context.Context, id, newBody, actor string) (*model.Message, error) {
	msg, err := p.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if msg.Sender != actor {
		return nil, ErrNotAuthor
	}
	body, err := sanitizeBody(newBody)
	if err != nil {
		return nil, err
	}
	if body == "" {
		return nil, ErrEmptyMessage
	}

	editedAt := time.Now().UTC()
	if err := p.store.UpdateBody(ctx, id, body, editedAt); err != nil {
		return nil, err
	}
	msg.Body = body
	msg.Edited = true
	msg.EditedAt = &editedAt
	return msg, nil
}

// DeleteMessage removes a message permanently. Only the sender may delete.
func (p *Pipeline) DeleteMessage(ctx context.Context, id, actor string) error {
	msg, err := p.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if msg.Sender != actor {
		return ErrNotAuthor
	}
	return p.store.Delete(ctx, id)
}

// MarkRead adds reader to every unread non-private message of room.
func (p *Pipeline) MarkRead(ctx context.Context, room, reader string) (int, error) {
	return p.store.MarkRead(ctx, room, reader)
}

// SetTyping broadcasts the typing indicator to the room. Nothing is
// persisted; debouncing is the client's concern.
func (p *Pipeline) SetTyping(in event.Typing) {
	p.router.BroadcastToRoom(in.Room, event.TypingEvent, TypingPayload{
		Username:  in.Username,
		IsTyping:  in.IsTyping,
		Timestamp: time.Now().UTC(),
	})
}

// replayed re-acknowledges a clientId that already produced a durable
// message and returns that message, or nil for a fresh clientId.
func (p *Pipeline) replayed(ctx context.Context, room, clientID, senderConnID string) *model.Message {
	if clientID == "" {
		return nil
	}
	p.mu.Lock()
	id, ok := p.seen[room+"\x00"+clientID]
	p.mu.Unlock()
	if !ok {
		return nil
	}

	msg, err := p.store.Get(ctx, id)
	if err != nil {
		return nil
	}
	p.router.DeliverTo(senderConnID, event.MessageAck, Ack{
		ClientID:  clientID,
		MessageID: msg.ID,
		Timestamp: msg.Timestamp,
	})
	return msg
}

func (p *Pipeline) remember(room, clientID, msgID string) {
	if clientID == "" {
		return
	}
	key := room + "\x00" + clientID
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.seen[key]; !ok {
		p.seenOrder = append(p.seenOrder, key)
	}
	p.seen[key] = msgID
	if len(p.seenOrder) > seenLimit {
		drop := p.seenOrder[:len(p.seenOrder)-seenLimit/2]
		p.seenOrder = append([]string(nil), p.seenOrder[len(p.seenOrder)-seenLimit/2:]...)
		for _, k := range drop {
			delete(p.seen, k)
		}
	}
}

// sanitizeBody trims text and strips control characters that would break
// the transport or display layer, keeping newlines and tabs.
func sanitizeBody(s string) (string, error) {
	s = strings.TrimSpace(s)
	s = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
	if utf8.RuneCountInString(s) > MaxBodyLen {
		return "", ErrBodyTooLong
	}
	return s, nil
}

func notificationBody(msg *model.Message) string {
	if msg.Body != "" {
		return msg.Body
	}
	if msg.File != nil && msg.File.Name != "" {
		return msg.File.Name
	}
	return "Media message"
}
