package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"parley/internal/model"
)

// Handlers are optional callbacks for events the timeline does not absorb.
// Nil callbacks are skipped. All callbacks run on the session's read
// goroutine; do not block in them.
type Handlers struct {
	OnActiveUsers  func(users []model.Member)
	OnUserEvent    func(eventType, user string)
	OnTyping       func(username string, isTyping bool)
	OnNotification func(title, body string)
	OnError        func(msg string)
}

// Session is one live connection to a chat room. It owns the websocket,
// feeds every server event into its Timeline, and exposes the send
// operations. A dropped connection is redialed with backoff and the room
// re-joined; the Timeline's clientId matching keeps replayed traffic from
// duplicating entries. Safe for concurrent use.
type Session struct {
	Timeline *Timeline

	wsURL    string
	apiBase  string
	httpc    *http.Client
	token    string
	name     string
	room     string
	avatar   string
	handlers Handlers

	redials     int
	redialDelay time.Duration

	// writeMu guards ws, which is swapped out on reconnect.
	writeMu sync.Mutex
	ws      *websocket.Conn

	closed    atomic.Bool
	closeOnce sync.Once
	quit      chan struct{}
	done      chan struct{}
}

type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type outFrame struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// Options configures a Session beyond the required fields.
type Options struct {
	// Avatar is sent with the join event.
	Avatar string
	// Token authorizes REST history fetches. Optional for the socket.
	Token string
	// PageSize is the history fetch size. Defaults to 20.
	PageSize int
	// HTTPClient overrides the client used for REST calls.
	HTTPClient *http.Client
	// Handlers receive events outside the message timeline.
	Handlers Handlers
	// ReconnectAttempts caps the redials after a lost connection.
	// Zero means 10; negative disables reconnection.
	ReconnectAttempts int
	// ReconnectDelay is the base backoff between redials, growing
	// linearly per attempt up to five times the base. Defaults to 1s.
	ReconnectDelay time.Duration
}

// Dial connects to the chat socket at wsURL (e.g. ws://host/ws/chat),
// joins the given room, and starts reading. apiBase is the REST origin
// (e.g. http://host) used for history fetches.
func Dial(ctx context.Context, wsURL, apiBase, name, room string, opts Options) (*Session, error) {
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", wsURL, err)
	}
	if resp != nil {
		resp.Body.Close()
	}

	httpc := opts.HTTPClient
	if httpc == nil {
		httpc = &http.Client{Timeout: 10 * time.Second}
	}
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = 20
	}
	redials := opts.ReconnectAttempts
	if redials == 0 {
		redials = 10
	}
	redialDelay := opts.ReconnectDelay
	if redialDelay <= 0 {
		redialDelay = time.Second
	}

	s := &Session{
		Timeline:    NewTimeline(name, pageSize),
		wsURL:       wsURL,
		apiBase:     apiBase,
		httpc:       httpc,
		token:       opts.Token,
		name:        name,
		room:        room,
		avatar:      opts.Avatar,
		handlers:    opts.Handlers,
		redials:     redials,
		redialDelay: redialDelay,
		ws:          ws,
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
	}

	if err := s.joinOn(ws); err != nil {
		ws.Close()
		return nil, err
	}

	go s.readLoop()
	go s.expireLoop()
	return s, nil
}

func (s *Session) joinOn(ws *websocket.Conn) error {
	return ws.WriteJSON(outFrame{Event: "user_join", Data: map[string]string{
		"name":   s.name,
		"room":   s.room,
		"avatar": s.avatar,
	}})
}

// Send queues body as an optimistic public message and returns the
// clientId identifying it until the server ack arrives.
func (s *Session) Send(body string) (string, error) {
	clientID := uuid.NewString()
	s.Timeline.AppendPending(model.Message{
		Room:      s.room,
		Sender:    s.name,
		Body:      body,
		Timestamp: time.Now(),
		ClientID:  clientID,
	})
	err := s.write("send_message", map[string]any{
		"room":     s.room,
		"message":  body,
		"clientId": clientID,
	})
	return clientID, err
}

// SendPrivate queues body as an optimistic private message to recipient.
func (s *Session) SendPrivate(recipient, body string) (string, error) {
	clientID := uuid.NewString()
	s.Timeline.AppendPending(model.Message{
		Room:      s.room,
		Sender:    s.name,
		Body:      body,
		Timestamp: time.Now(),
		Private:   true,
		Recipient: recipient,
		ClientID:  clientID,
	})
	err := s.write("private_message", map[string]any{
		"recipient": recipient,
		"message":   body,
		"clientId":  clientID,
	})
	return clientID, err
}

// SetTyping publishes the typing indicator state.
func (s *Session) SetTyping(isTyping bool) error {
	return s.write("typing", map[string]any{
		"username": s.name,
		"room":     s.room,
		"isTyping": isTyping,
	})
}

// React adds a reaction to the identified message.
func (s *Session) React(msgID, reaction string) error {
	return s.write("message_reaction", map[string]any{
		"msgId":    msgID,
		"reaction": reaction,
		"user":     s.name,
		"room":     s.room,
	})
}

// LoadOlder fetches and merges the next page of history, using the oldest
// displayed timestamp as the exclusive bound. Returns the number of
// messages merged; zero once history is exhausted.
func (s *Session) LoadOlder(ctx context.Context) (int, error) {
	if !s.Timeline.HasMore() {
		return 0, nil
	}

	q := url.Values{}
	q.Set("room", s.room)
	q.Set("limit", fmt.Sprint(s.Timeline.pageSize))
	if oldest, ok := s.Timeline.Oldest(); ok {
		q.Set("before", oldest.Format(time.RFC3339Nano))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.apiBase+"/api/messages?"+q.Encode(), nil)
	if err != nil {
		return 0, err
	}
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.httpc.Do(req)
	if err != nil {
		return 0, fmt.Errorf("fetch messages: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("fetch messages: status %d", resp.StatusCode)
	}

	var page struct {
		Messages []model.Message `json:"messages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return 0, fmt.Errorf("decode messages: %w", err)
	}
	s.Timeline.MergeHistory(page.Messages)
	return len(page.Messages), nil
}

// MarkRead records this user as having read every message in the room,
// clearing the server-side unread state. Call it when Focus reports a
// receipt is due. Returns the number of messages updated.
func (s *Session) MarkRead(ctx context.Context) (int, error) {
	body, err := json.Marshal(map[string]string{"room": s.room})
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		s.apiBase+"/api/messages/read", bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.httpc.Do(req)
	if err != nil {
		return 0, fmt.Errorf("mark read: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("mark read: status %d", resp.StatusCode)
	}

	var out struct {
		Updated int `json:"updated"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("decode mark read: %w", err)
	}
	return out.Updated, nil
}

// Done is closed when the session's read loop exits.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Close sends a close frame and tears down the connection. Reconnection
// stops; Done() is closed once the read loop drains.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.quit)
		s.writeMu.Lock()
		s.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = s.ws.Close()
		s.writeMu.Unlock()
	})
	return err
}

func (s *Session) write(eventName string, data any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.ws.WriteJSON(outFrame{Event: eventName, Data: data})
}

func (s *Session) conn() *websocket.Conn {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.ws
}

func (s *Session) readLoop() {
	defer func() {
		s.conn().Close()
		close(s.done)
	}()

	for {
		_, raw, err := s.conn().ReadMessage()
		if err != nil {
			if s.closed.Load() {
				return
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("[client] ❌ Connection lost: %v", err)
			}
			if !s.reconnect() {
				return
			}
			continue
		}

		var f frame
		if err := json.Unmarshal(raw, &f); err != nil {
			log.Printf("[client] Bad frame: %v", err)
			continue
		}
		s.handle(f)
	}
}

// reconnect redials the socket with linear backoff and re-joins the room,
// mirroring the retry policy of the browser client. Returns false once the
// attempts are exhausted or the session is closed.
func (s *Session) reconnect() bool {
	maxDelay := 5 * s.redialDelay
	for attempt := 1; attempt <= s.redials; attempt++ {
		delay := time.Duration(attempt) * s.redialDelay
		if delay > maxDelay {
			delay = maxDelay
		}
		select {
		case <-time.After(delay):
		case <-s.quit:
			return false
		}

		ws, resp, err := websocket.DefaultDialer.Dial(s.wsURL, nil)
		if resp != nil {
			resp.Body.Close()
		}
		if err != nil {
			log.Printf("[client] 🔄 Reconnect attempt %d failed: %v", attempt, err)
			continue
		}

		// Join on the fresh socket before exposing it to senders, so no
		// frame can reach the server ahead of the room membership.
		if err := s.joinOn(ws); err != nil {
			ws.Close()
			log.Printf("[client] 🔄 Rejoin failed: %v", err)
			continue
		}

		s.writeMu.Lock()
		s.ws = ws
		s.writeMu.Unlock()
		if s.closed.Load() {
			ws.Close()
			return false
		}
		log.Printf("[client] ✅ Reconnected after %d attempt(s)", attempt)
		return true
	}
	log.Printf("[client] ❌ Giving up after %d reconnect attempts", s.redials)
	return false
}

func (s *Session) handle(f frame) {
	switch f.Event {
	case "receive_message":
		var msg model.Message
		if json.Unmarshal(f.Data, &msg) == nil {
			s.Timeline.ApplyMessage(msg)
		}

	case "message_ack":
		var ack struct {
			ClientID  string    `json:"clientId"`
			MessageID string    `json:"messageId"`
			Timestamp time.Time `json:"timestamp"`
		}
		if json.Unmarshal(f.Data, &ack) == nil {
			s.Timeline.ApplyAck(ack.ClientID, ack.MessageID, ack.Timestamp)
		}

	case "message_reaction":
		var delta struct {
			MsgID    string `json:"msgId"`
			Reaction string `json:"reaction"`
			User     string `json:"user"`
		}
		if json.Unmarshal(f.Data, &delta) == nil {
			s.Timeline.ApplyReaction(delta.MsgID, model.Reaction{
				Reaction:  delta.Reaction,
				User:      delta.User,
				Timestamp: time.Now(),
			})
		}

	case "active_users":
		if s.handlers.OnActiveUsers == nil {
			return
		}
		var users []model.Member
		if json.Unmarshal(f.Data, &users) == nil {
			s.handlers.OnActiveUsers(users)
		}

	case "user_event":
		if s.handlers.OnUserEvent == nil {
			return
		}
		var ev struct {
			Type string `json:"type"`
			User string `json:"user"`
		}
		if json.Unmarshal(f.Data, &ev) == nil {
			s.handlers.OnUserEvent(ev.Type, ev.User)
		}

	case "typing":
		if s.handlers.OnTyping == nil {
			return
		}
		var t struct {
			Username string `json:"username"`
			IsTyping bool   `json:"isTyping"`
		}
		if json.Unmarshal(f.Data, &t) == nil {
			s.handlers.OnTyping(t.Username, t.IsTyping)
		}

	case "push_notification":
		if s.handlers.OnNotification == nil {
			return
		}
		var n struct {
			Title string `json:"title"`
			Body  string `json:"body"`
		}
		if json.Unmarshal(f.Data, &n) == nil {
			s.handlers.OnNotification(n.Title, n.Body)
		}

	case "message_error":
		if s.handlers.OnError == nil {
			return
		}
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(f.Data, &e) == nil {
			s.handlers.OnError(e.Error)
		}
	}
}

// expireLoop periodically fails pending sends whose deadline has passed.
func (s *Session) expireLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case now := <-ticker.C:
			s.Timeline.Expire(now)
		}
	}
}
