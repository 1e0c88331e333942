package store

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"parley/internal/model"
)

// Memory is an in-process Store used for development and tests. It keeps
// messages in insertion order, which by construction matches timestamp order.
type Memory struct {
	mu       sync.RWMutex
	messages []*model.Message
	byID     map[string]*model.Message
	users    map[string]model.User
	clock    monoClock
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		byID:  make(map[string]*model.Message),
		users: make(map[string]model.User),
	}
}

func (s *Memory) Append(_ context.Context, msg *model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.Timestamp = s.clock.Now()

	stored := *msg
	s.messages = append(s.messages, &stored)
	s.byID[stored.ID] = &stored
	return nil
}

func (s *Memory) Get(_ context.Context, id string) (*model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msg, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *msg
	return &copied, nil
}

func (s *Memory) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[id]; !ok {
		return ErrNotFound
	}
	delete(s.byID, id)
	for i, m := range s.messages {
		if m.ID == id {
			s.messages = append(s.messages[:i], s.messages[i+1:]...)
			break
		}
	}
	return nil
}

func (s *Memory) UpdateBody(_ context.Context, id, body string, editedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	msg.Body = body
	msg.Edited = true
	msg.EditedAt = &editedAt
	return nil
}

func (s *Memory) AddReaction(_ context.Context, id string, r model.Reaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	msg.Reactions = append(msg.Reactions, r)
	return nil
}

func (s *Memory) MarkRead(_ context.Context, room, reader string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	updated := 0
	for _, msg := range s.messages {
		if msg.Room != room || msg.Private || msg.ReadByContains(reader) {
			continue
		}
		msg.ReadBy = append(msg.ReadBy, reader)
		updated++
	}
	return updated, nil
}

func (s *Memory) ListByRoom(_ context.Context, room string, before time.Time, limit int) ([]model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []model.Message
	for _, msg := range s.messages {
		if msg.Room != room || msg.Private {
			continue
		}
		if !before.IsZero() && !msg.Timestamp.Before(before) {
			continue
		}
		matched = append(matched, *msg)
	}
	if limit > 0 && len(matched) > limit {
		matched = matched[len(matched)-limit:]
	}
	return matched, nil
}

func (s *Memory) Search(_ context.Context, room, query string, limit int) ([]model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	needle := strings.ToLower(query)
	var matched []model.Message
	for _, msg := range s.messages {
		if msg.Room != room || msg.Private {
			continue
		}
		if !strings.Contains(strings.ToLower(msg.Body), needle) {
			continue
		}
		matched = append(matched, *msg)
		if limit > 0 && len(matched) >= limit {
			break
		}
	}
	return matched, nil
}

func (s *Memory) PurgeBefore(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.messages[:0]
	purged := 0
	for _, msg := range s.messages {
		if msg.Timestamp.Before(cutoff) {
			delete(s.byID, msg.ID)
			purged++
			continue
		}
		kept = append(kept, msg)
	}
	s.messages = kept
	return purged, nil
}

func (s *Memory) CreateUser(_ context.Context, u model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[u.Email]; ok {
		return ErrUserExists
	}
	s.users[u.Email] = u
	return nil
}

func (s *Memory) GetUser(_ context.Context, email string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[email]
	if !ok {
		return nil, ErrNotFound
	}
	return &u, nil
}

func (s *Memory) Close() error { return nil }
