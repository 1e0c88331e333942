// Package client implements the chat client's view of a conversation: the
// optimistic send/ack/dedup state machine that merges locally queued
// messages with server echoes and fetched history into one duplicate-free,
// chronologically ordered list.
package client

import (
	"sync"
	"time"

	"parley/internal/model"
)

// Status is the lifecycle state of one timeline entry.
type Status int

const (
	// StatusConfirmed means the server's authoritative copy is displayed.
	StatusConfirmed Status = iota
	// StatusPending means the entry is an optimistic local send awaiting
	// its ack or broadcast echo.
	StatusPending
	// StatusFailed means the pending deadline passed with no ack; the
	// entry stays visible so the user can retry deliberately.
	StatusFailed
)

// DefaultPendingTTL is how long an optimistic send waits for its ack
// before being marked failed.
const DefaultPendingTTL = 10 * time.Second

// Entry is one message in the merged view.
type Entry struct {
	Message model.Message
	Status  Status

	deadline time.Time
}

// Timeline merges three concurrent sources — history fetches, optimistic
// local sends, and live pushed events — keyed by durable id once known and
// by clientId before that. Safe for concurrent use.
type Timeline struct {
	mu         sync.Mutex
	entries    []*Entry
	byID       map[string]*Entry
	byClientID map[string]*Entry

	self       string
	pageSize   int
	hasMore    bool
	focused    bool
	unread     int
	pendingTTL time.Duration
}

// NewTimeline returns an empty timeline for the user named self. pageSize
// is the history fetch size used to detect the end of history.
func NewTimeline(self string, pageSize int) *Timeline {
	if pageSize <= 0 {
		pageSize = 20
	}
	return &Timeline{
		byID:       make(map[string]*Entry),
		byClientID: make(map[string]*Entry),
		self:       self,
		pageSize:   pageSize,
		hasMore:    true,
		focused:    true,
		pendingTTL: DefaultPendingTTL,
	}
}

// AppendPending records an optimistic local send. The message must carry a
// clientId; a clientId already present is a no-op.
func (t *Timeline) AppendPending(msg model.Message) {
	if msg.ClientID == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.byClientID[msg.ClientID]; ok {
		return
	}
	e := &Entry{
		Message:  msg,
		Status:   StatusPending,
		deadline: time.Now().Add(t.pendingTTL),
	}
	t.entries = append(t.entries, e)
	t.byClientID[msg.ClientID] = e
}

// ApplyAck resolves the pending entry for clientID with its durable
// identity. Arriving after the broadcast echo, or twice, it is a no-op.
func (t *Timeline) ApplyAck(clientID, messageID string, ts time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.byClientID[clientID]
	if !ok || e.Status == StatusConfirmed {
		return
	}
	e.Status = StatusConfirmed
	e.Message.ID = messageID
	if !ts.IsZero() {
		e.Message.Timestamp = ts
	}
	if messageID != "" {
		t.byID[messageID] = e
	}
}

// ApplyMessage merges a live pushed message: a matching pending entry is
// replaced by the authoritative copy exactly once, a known durable id is
// updated in place, anything else is appended. Returns true when the
// message was new to the view.
func (t *Timeline) ApplyMessage(msg model.Message) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if msg.ClientID != "" {
		if e, ok := t.byClientID[msg.ClientID]; ok {
			wasPending := e.Status != StatusConfirmed
			e.Message = msg
			e.Status = StatusConfirmed
			if msg.ID != "" {
				t.byID[msg.ID] = e
			}
			if wasPending {
				t.moveToEndLocked(e)
			}
			return false
		}
	}
	if msg.ID != "" {
		if e, ok := t.byID[msg.ID]; ok {
			e.Message = msg
			return false
		}
	}

	e := &Entry{Message: msg, Status: StatusConfirmed}
	t.entries = append(t.entries, e)
	if msg.ID != "" {
		t.byID[msg.ID] = e
	}
	if msg.ClientID != "" {
		t.byClientID[msg.ClientID] = e
	}
	if !t.focused && msg.Sender != t.self {
		t.unread++
	}
	return true
}

// ApplyReaction patches a reaction delta onto the identified message.
// Unknown ids are ignored; the full copy arrives on the next fetch.
func (t *Timeline) ApplyReaction(msgID string, r model.Reaction) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.byID[msgID]; ok {
		e.Message.Reactions = append(e.Message.Reactions, r)
	}
}

// MergeHistory prepends an older batch fetched with the oldest displayed
// timestamp as the exclusive bound. A batch shorter than the page size
// latches the no-more-history signal. Messages already present — including
// pending entries matched by clientId — are not duplicated.
func (t *Timeline) MergeHistory(batch []model.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(batch) < t.pageSize {
		t.hasMore = false
	}

	var fresh []*Entry
	for i := range batch {
		msg := batch[i]
		if msg.ID != "" {
			if _, ok := t.byID[msg.ID]; ok {
				continue
			}
		}
		if msg.ClientID != "" {
			if e, ok := t.byClientID[msg.ClientID]; ok {
				// A pending send that was persisted before we fetched:
				// promote in place instead of prepending a duplicate.
				e.Message = msg
				e.Status = StatusConfirmed
				if msg.ID != "" {
					t.byID[msg.ID] = e
				}
				continue
			}
		}

		e := &Entry{Message: msg, Status: StatusConfirmed}
		fresh = append(fresh, e)
		if msg.ID != "" {
			t.byID[msg.ID] = e
		}
		if msg.ClientID != "" {
			t.byClientID[msg.ClientID] = e
		}
	}
	t.entries = append(fresh, t.entries...)
}

// Expire marks pending entries whose deadline has passed as failed and
// returns their clientIds. The caller decides whether to resend.
func (t *Timeline) Expire(now time.Time) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var failed []string
	for _, e := range t.entries {
		if e.Status == StatusPending && now.After(e.deadline) {
			e.Status = StatusFailed
			failed = append(failed, e.Message.ClientID)
		}
	}
	return failed
}

// Messages returns the merged view in display order.
func (t *Timeline) Messages() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Entry, len(t.entries))
	for i, e := range t.entries {
		out[i] = *e
	}
	return out
}

// Oldest returns the timestamp of the oldest confirmed entry, used as the
// exclusive upper bound for the next history fetch.
func (t *Timeline) Oldest() (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, e := range t.entries {
		if e.Status == StatusConfirmed && !e.Message.Timestamp.IsZero() {
			return e.Message.Timestamp, true
		}
	}
	return time.Time{}, false
}

// HasMore reports whether another history page may exist.
func (t *Timeline) HasMore() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.hasMore
}

// Unread returns the current unread count.
func (t *Timeline) Unread() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.unread
}

// Blur marks the consuming surface unfocused; subsequent incoming messages
// count as unread.
func (t *Timeline) Blur() {
	t.mu.Lock()
	t.focused = false
	t.mu.Unlock()
}

// Focus marks the surface visible again, resets the unread counter, and
// reports whether a read receipt should be issued.
func (t *Timeline) Focus() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.focused = true
	hadUnread := t.unread > 0
	t.unread = 0
	return hadUnread
}

// moveToEndLocked shifts e to the end of the display order, where the
// server-confirmed copy of a just-sent message belongs.
func (t *Timeline) moveToEndLocked(target *Entry) {
	for i, e := range t.entries {
		if e == target {
			t.entries = append(append(t.entries[:i:i], t.entries[i+1:]...), target)
			return
		}
	}
}
