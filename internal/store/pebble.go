package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"

	"parley/internal/model"
)

// Pebble is the default embedded Store. Messages live under sortable
// room/time keys so a room's history is one ordered key range:
//
//	room:<room>:msg:<unix_nano_padded>-<seq>  -> message JSON
//	msg:<id>                                  -> data key (lookup index)
//	user:<email>                              -> user JSON
//
// The seq suffix keeps keys unique when two appends share a nanosecond.
type Pebble struct {
	db    *pebble.DB
	clock monoClock
	seq   uint64

	// wmu serializes read-modify-write cycles on message records; without
	// it two concurrent mutations of one record would overwrite each other.
	wmu sync.Mutex
}

// OpenPebble opens (or creates) a Pebble database at the given path.
func OpenPebble(path string) (*Pebble, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db at %s: %w", path, err)
	}
	log.Printf("✅ Pebble store opened at %s", path)
	return &Pebble{db: db}, nil
}

func (s *Pebble) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func roomPrefix(room string) string {
	return "room:" + room + ":msg:"
}

func (s *Pebble) dataKey(room string, ts time.Time) string {
	n := atomic.AddUint64(&s.seq, 1)
	return fmt.Sprintf("%s%020d-%06d", roomPrefix(room), ts.UnixNano(), n)
}

func indexKey(id string) []byte {
	return []byte("msg:" + id)
}

func (s *Pebble) Append(_ context.Context, msg *model.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.Timestamp = s.clock.Now()

	key := s.dataKey(msg.Room, msg.Timestamp)
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	batch := s.db.NewBatch()
	defer batch.Close()
	if err := batch.Set([]byte(key), data, nil); err != nil {
		return err
	}
	if err := batch.Set(indexKey(msg.ID), []byte(key), nil); err != nil {
		return err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// lookup resolves a message ID to its data key and current record.
func (s *Pebble) lookup(id string) (string, *model.Message, error) {
	keyBytes, closer, err := s.db.Get(indexKey(id))
	if err == pebble.ErrNotFound {
		return "", nil, ErrNotFound
	}
	if err != nil {
		return "", nil, err
	}
	dataKey := string(keyBytes)
	closer.Close()

	data, closer, err := s.db.Get([]byte(dataKey))
	if err == pebble.ErrNotFound {
		return "", nil, ErrNotFound
	}
	if err != nil {
		return "", nil, err
	}
	defer closer.Close()

	var msg model.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return "", nil, fmt.Errorf("corrupt message record %s: %w", id, err)
	}
	return dataKey, &msg, nil
}

func (s *Pebble) writeBack(dataKey string, msg *model.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	return s.db.Set([]byte(dataKey), data, pebble.Sync)
}

func (s *Pebble) Get(_ context.Context, id string) (*model.Message, error) {
	_, msg, err := s.lookup(id)
	return msg, err
}

func (s *Pebble) Delete(_ context.Context, id string) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	dataKey, _, err := s.lookup(id)
	if err != nil {
		return err
	}
	batch := s.db.NewBatch()
	defer batch.Close()
	if err := batch.Delete([]byte(dataKey), nil); err != nil {
		return err
	}
	if err := batch.Delete(indexKey(id), nil); err != nil {
		return err
	}
	return batch.Commit(pebble.Sync)
}

func (s *Pebble) UpdateBody(_ context.Context, id, body string, editedAt time.Time) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	dataKey, msg, err := s.lookup(id)
	if err != nil {
		return err
	}
	msg.Body = body
	msg.Edited = true
	msg.EditedAt = &editedAt
	return s.writeBack(dataKey, msg)
}

func (s *Pebble) AddReaction(_ context.Context, id string, r model.Reaction) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	dataKey, msg, err := s.lookup(id)
	if err != nil {
		return err
	}
	msg.Reactions = append(msg.Reactions, r)
	return s.writeBack(dataKey, msg)
}

func (s *Pebble) MarkRead(_ context.Context, room, reader string) (int, error) {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	type pending struct {
		key string
		msg model.Message
	}
	var updates []pending

	prefix := roomPrefix(room)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: upperBound(prefix),
	})
	if err != nil {
		return 0, err
	}
	for iter.First(); iter.Valid(); iter.Next() {
		var msg model.Message
		if err := json.Unmarshal(iter.Value(), &msg); err != nil {
			continue
		}
		if msg.Private || msg.ReadByContains(reader) {
			continue
		}
		msg.ReadBy = append(msg.ReadBy, reader)
		updates = append(updates, pending{key: string(iter.Key()), msg: msg})
	}
	if err := iter.Close(); err != nil {
		return 0, err
	}

	for _, u := range updates {
		if err := s.writeBack(u.key, &u.msg); err != nil {
			return 0, err
		}
	}
	return len(updates), nil
}

func (s *Pebble) ListByRoom(_ context.Context, room string, before time.Time, limit int) ([]model.Message, error) {
	prefix := roomPrefix(room)
	upper := upperBound(prefix)
	if !before.IsZero() {
		// Keys carrying timestamp == before sort at or above this bound,
		// which makes the cutoff exclusive.
		upper = []byte(fmt.Sprintf("%s%020d", prefix, before.UTC().UnixNano()))
	}

	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: upper,
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	// Walk backwards so only the most recent window is decoded.
	var reversed []model.Message
	for ok := iter.Last(); ok; ok = iter.Prev() {
		var msg model.Message
		if err := json.Unmarshal(iter.Value(), &msg); err != nil {
			continue
		}
		if msg.Private {
			continue
		}
		reversed = append(reversed, msg)
		if limit > 0 && len(reversed) >= limit {
			break
		}
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}

	out := make([]model.Message, 0, len(reversed))
	for i := len(reversed) - 1; i >= 0; i-- {
		out = append(out, reversed[i])
	}
	return out, nil
}

func (s *Pebble) Search(_ context.Context, room, query string, limit int) ([]model.Message, error) {
	needle := strings.ToLower(query)
	prefix := roomPrefix(room)

	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: upperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []model.Message
	for iter.First(); iter.Valid(); iter.Next() {
		var msg model.Message
		if err := json.Unmarshal(iter.Value(), &msg); err != nil {
			continue
		}
		if msg.Private || !strings.Contains(strings.ToLower(msg.Body), needle) {
			continue
		}
		out = append(out, msg)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, iter.Error()
}

func (s *Pebble) PurgeBefore(_ context.Context, cutoff time.Time) (int, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte("room:"),
		UpperBound: upperBound("room:"),
	})
	if err != nil {
		return 0, err
	}

	type doomed struct {
		dataKey string
		id      string
	}
	var victims []doomed
	for iter.First(); iter.Valid(); iter.Next() {
		var msg model.Message
		if err := json.Unmarshal(iter.Value(), &msg); err != nil {
			continue
		}
		if msg.Timestamp.Before(cutoff) {
			victims = append(victims, doomed{dataKey: string(iter.Key()), id: msg.ID})
		}
	}
	if err := iter.Close(); err != nil {
		return 0, err
	}

	for _, v := range victims {
		batch := s.db.NewBatch()
		_ = batch.Delete([]byte(v.dataKey), nil)
		_ = batch.Delete(indexKey(v.id), nil)
		if err := batch.Commit(pebble.Sync); err != nil {
			batch.Close()
			return 0, err
		}
		batch.Close()
	}
	return len(victims), nil
}

func (s *Pebble) CreateUser(_ context.Context, u model.User) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	key := []byte("user:" + u.Email)
	_, closer, err := s.db.Get(key)
	if err == nil {
		closer.Close()
		return ErrUserExists
	}
	if err != pebble.ErrNotFound {
		return err
	}

	data, err := json.Marshal(struct {
		Email        string    `json:"email"`
		PasswordHash string    `json:"password_hash"`
		Avatar       string    `json:"avatar,omitempty"`
		CreatedAt    time.Time `json:"created_at"`
	}{u.Email, u.PasswordHash, u.Avatar, u.CreatedAt})
	if err != nil {
		return err
	}
	return s.db.Set(key, data, pebble.Sync)
}

func (s *Pebble) GetUser(_ context.Context, email string) (*model.User, error) {
	data, closer, err := s.db.Get([]byte("user:" + email))
	if err == pebble.ErrNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	var rec struct {
		Email        string    `json:"email"`
		PasswordHash string    `json:"password_hash"`
		Avatar       string    `json:"avatar,omitempty"`
		CreatedAt    time.Time `json:"created_at"`
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("corrupt user record %s: %w", email, err)
	}
	return &model.User{
		Email:        rec.Email,
		PasswordHash: rec.PasswordHash,
		Avatar:       rec.Avatar,
		CreatedAt:    rec.CreatedAt,
	}, nil
}

// upperBound returns the smallest key greater than every key with prefix.
func upperBound(prefix string) []byte {
	b := []byte(prefix)
	b[len(b)-1]++
	return b
}
