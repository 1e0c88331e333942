package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"

	"parley/internal/model"
)

// MySQL is the relational Store backend. ReadBy and Reactions are stored as
// JSON text columns; everything else maps to plain columns.
type MySQL struct {
	db    *sql.DB
	clock monoClock

	// wmu serializes read-modify-write updates of the JSON columns within
	// this process; concurrent mutations would otherwise lose writes.
	wmu sync.Mutex
}

const mysqlSchema = `
CREATE TABLE IF NOT EXISTS messages (
	seq        BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
	id         VARCHAR(36) PRIMARY KEY,
	room       VARCHAR(255) NOT NULL,
	sender     VARCHAR(255) NOT NULL,
	avatar     TEXT,
	body       TEXT,
	image      MEDIUMTEXT,
	voice      MEDIUMTEXT,
	file_meta  TEXT,
	timestamp  DATETIME(6) NOT NULL,
	private    TINYINT(1) NOT NULL DEFAULT 0,
	recipient  VARCHAR(255),
	read_by    TEXT,
	reactions  TEXT,
	client_id  VARCHAR(255),
	edited     TINYINT(1) NOT NULL DEFAULT 0,
	edited_at  DATETIME(6) NULL,
	UNIQUE KEY idx_seq (seq),
	INDEX idx_room_time (room, timestamp, seq),
	INDEX idx_time (timestamp)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci;

CREATE TABLE IF NOT EXISTS users (
	email         VARCHAR(255) PRIMARY KEY,
	password_hash VARCHAR(255) NOT NULL,
	avatar        TEXT,
	created_at    DATETIME(6) NOT NULL
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci;
`

// OpenMySQL connects to MariaDB/MySQL and ensures the schema exists.
func OpenMySQL(user, password, host, port, name string) (*MySQL, error) {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?parseTime=true&multiStatements=true",
		user, password, host, port, name)

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.Exec(mysqlSchema); err != nil {
		return nil, fmt.Errorf("failed to ensure schema: %w", err)
	}

	log.Println("✅ Database connection established")
	// DATETIME(6) keeps microseconds only, so the clock must advance in
	// whole microseconds or two appends could collapse onto one stored
	// timestamp and break ordering and the exclusive pagination bound.
	return &MySQL{db: db, clock: monoClock{res: time.Microsecond}}, nil
}

func (s *MySQL) Close() error { return s.db.Close() }

func marshalJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(b)
}

func (s *MySQL) Append(ctx context.Context, msg *model.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.Timestamp = s.clock.Now()

	var fileMeta any
	if msg.File != nil {
		fileMeta = marshalJSON(msg.File)
	}
	var editedAt any
	if msg.EditedAt != nil {
		editedAt = *msg.EditedAt
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages
			(id, room, sender, avatar, body, image, voice, file_meta, timestamp,
			 private, recipient, read_by, reactions, client_id, edited, edited_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.Room, msg.Sender, msg.Avatar, msg.Body, msg.Image, msg.Voice,
		fileMeta, msg.Timestamp, msg.Private, msg.Recipient,
		marshalJSON(msg.ReadBy), marshalJSON(msg.Reactions), msg.ClientID,
		msg.Edited, editedAt)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

const messageColumns = `id, room, sender, avatar, body, image, voice, file_meta,
	timestamp, private, recipient, read_by, reactions, client_id, edited, edited_at`

func scanMessage(scan func(dest ...any) error) (*model.Message, error) {
	var (
		msg       model.Message
		avatar    sql.NullString
		body      sql.NullString
		image     sql.NullString
		voice     sql.NullString
		fileMeta  sql.NullString
		recipient sql.NullString
		readBy    sql.NullString
		reactions sql.NullString
		clientID  sql.NullString
		editedAt  sql.NullTime
	)
	err := scan(&msg.ID, &msg.Room, &msg.Sender, &avatar, &body, &image, &voice,
		&fileMeta, &msg.Timestamp, &msg.Private, &recipient, &readBy,
		&reactions, &clientID, &msg.Edited, &editedAt)
	if err != nil {
		return nil, err
	}

	msg.Avatar = avatar.String
	msg.Body = body.String
	msg.Image = image.String
	msg.Voice = voice.String
	msg.Recipient = recipient.String
	msg.ClientID = clientID.String
	if fileMeta.Valid && fileMeta.String != "" {
		var f model.FileMeta
		if json.Unmarshal([]byte(fileMeta.String), &f) == nil {
			msg.File = &f
		}
	}
	if readBy.Valid {
		_ = json.Unmarshal([]byte(readBy.String), &msg.ReadBy)
	}
	if reactions.Valid {
		_ = json.Unmarshal([]byte(reactions.String), &msg.Reactions)
	}
	if editedAt.Valid {
		t := editedAt.Time
		msg.EditedAt = &t
	}
	if msg.ReadBy == nil {
		msg.ReadBy = []string{}
	}
	if msg.Reactions == nil {
		msg.Reactions = []model.Reaction{}
	}
	return &msg, nil
}

func (s *MySQL) Get(ctx context.Context, id string) (*model.Message, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+messageColumns+" FROM messages WHERE id = ?", id)
	msg, err := scanMessage(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return msg, err
}

func (s *MySQL) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM messages WHERE id = ?", id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MySQL) UpdateBody(ctx context.Context, id, body string, editedAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE messages SET body = ?, edited = 1, edited_at = ? WHERE id = ?",
		body, editedAt, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MySQL) AddReaction(ctx context.Context, id string, r model.Reaction) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	msg, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	msg.Reactions = append(msg.Reactions, r)
	_, err = s.db.ExecContext(ctx,
		"UPDATE messages SET reactions = ? WHERE id = ?",
		marshalJSON(msg.Reactions), id)
	return err
}

func (s *MySQL) MarkRead(ctx context.Context, room, reader string) (int, error) {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, read_by FROM messages WHERE room = ? AND private = 0", room)
	if err != nil {
		return 0, err
	}

	type pending struct {
		id     string
		readBy []string
	}
	var updates []pending
	for rows.Next() {
		var (
			id     string
			readBy sql.NullString
		)
		if err := rows.Scan(&id, &readBy); err != nil {
			rows.Close()
			return 0, err
		}
		var current []string
		if readBy.Valid {
			_ = json.Unmarshal([]byte(readBy.String), &current)
		}
		seen := false
		for _, r := range current {
			if r == reader {
				seen = true
				break
			}
		}
		if seen {
			continue
		}
		updates = append(updates, pending{id: id, readBy: append(current, reader)})
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, err
	}
	rows.Close()

	for _, u := range updates {
		if _, err := s.db.ExecContext(ctx,
			"UPDATE messages SET read_by = ? WHERE id = ?",
			marshalJSON(u.readBy), u.id); err != nil {
			return 0, err
		}
	}
	return len(updates), nil
}

func (s *MySQL) ListByRoom(ctx context.Context, room string, before time.Time, limit int) ([]model.Message, error) {
	query := "SELECT " + messageColumns + " FROM messages WHERE room = ? AND private = 0"
	args := []any{room}
	if !before.IsZero() {
		query += " AND timestamp < ?"
		args = append(args, before)
	}
	query += " ORDER BY timestamp DESC, seq DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reversed []model.Message
	for rows.Next() {
		msg, err := scanMessage(rows.Scan)
		if err != nil {
			return nil, err
		}
		reversed = append(reversed, *msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]model.Message, 0, len(reversed))
	for i := len(reversed) - 1; i >= 0; i-- {
		out = append(out, reversed[i])
	}
	return out, nil
}

func (s *MySQL) Search(ctx context.Context, room, query string, limit int) ([]model.Message, error) {
	// Escape LIKE wildcards so the query is a literal substring match.
	escaped := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(strings.ToLower(query))

	sqlQuery := "SELECT " + messageColumns + ` FROM messages
		WHERE room = ? AND private = 0 AND LOWER(body) LIKE ?
		ORDER BY timestamp ASC, seq ASC`
	args := []any{room, "%" + escaped + "%"}
	if limit > 0 {
		sqlQuery += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Message
	for rows.Next() {
		msg, err := scanMessage(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *msg)
	}
	return out, rows.Err()
}

func (s *MySQL) PurgeBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM messages WHERE timestamp < ?", cutoff)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

func (s *MySQL) CreateUser(ctx context.Context, u model.User) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO users (email, password_hash, avatar, created_at) VALUES (?, ?, ?, ?)",
		u.Email, u.PasswordHash, u.Avatar, u.CreatedAt)
	if err != nil {
		if strings.Contains(err.Error(), "Duplicate entry") {
			return ErrUserExists
		}
		return err
	}
	return nil
}

func (s *MySQL) GetUser(ctx context.Context, email string) (*model.User, error) {
	var (
		u      model.User
		avatar sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT email, password_hash, avatar, created_at FROM users WHERE email = ?",
		email).Scan(&u.Email, &u.PasswordHash, &avatar, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	u.Avatar = avatar.String
	return &u, nil
}
