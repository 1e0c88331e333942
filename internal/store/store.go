// Package store defines the durable message store boundary and its backends.
// Messages are append-only records queryable by room and time; the store
// assigns every message its identity and a monotonically non-decreasing
// server timestamp at persistence time.
package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"parley/internal/model"
)

var (
	// ErrNotFound is returned when the target message does not exist.
	ErrNotFound = errors.New("message not found")
	// ErrUserExists is returned when registering an already-known email.
	ErrUserExists = errors.New("email already registered")
	// ErrUnavailable is returned when the persistence layer is unreachable.
	ErrUnavailable = errors.New("store unavailable")
)

// Store is the persistence boundary used by the message pipeline and the
// REST handlers. Implementations must be safe for concurrent use.
type Store interface {
	// Append persists msg, assigning its ID and server timestamp.
	Append(ctx context.Context, msg *model.Message) error
	Get(ctx context.Context, id string) (*model.Message, error)
	Delete(ctx context.Context, id string) error
	UpdateBody(ctx context.Context, id, body string, editedAt time.Time) error
	AddReaction(ctx context.Context, id string, r model.Reaction) error

	// MarkRead appends reader to every non-private message in room that
	// does not already list them. Idempotent; returns the number updated.
	MarkRead(ctx context.Context, room, reader string) (int, error)

	// ListByRoom returns the most recent non-private messages of room in
	// chronological order, at most limit of them. A non-zero before bounds
	// the result to messages strictly older than it.
	ListByRoom(ctx context.Context, room string, before time.Time, limit int) ([]model.Message, error)

	// Search returns non-private messages of room whose body contains
	// query (case-insensitive), in chronological order.
	Search(ctx context.Context, room, query string, limit int) ([]model.Message, error)

	// PurgeBefore hard-deletes messages older than cutoff across all rooms.
	PurgeBefore(ctx context.Context, cutoff time.Time) (int, error)

	CreateUser(ctx context.Context, u model.User) error
	GetUser(ctx context.Context, email string) (*model.User, error)

	Close() error
}

// monoClock hands out UTC timestamps that never go backwards, so that two
// appends landing in the same wall-clock instant still order consistently.
// A non-zero res quantizes every timestamp to that resolution and advances
// by at least one unit per call, for backends whose column type stores less
// than nanosecond precision.
type monoClock struct {
	mu   sync.Mutex
	res  time.Duration
	last time.Time
}

func (c *monoClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	step := c.res
	if step <= 0 {
		step = time.Nanosecond
	}
	now := time.Now().UTC().Truncate(step)
	if !now.After(c.last) {
		now = c.last.Add(step)
	}
	c.last = now
	return now
}
