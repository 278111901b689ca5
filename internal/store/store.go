package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"vox/internal/protocol"
)

// DefaultPageSize caps how many messages one page returns.
const DefaultPageSize = 50

// ErrMessageNotFound is returned when no message exists for an ID.
var ErrMessageNotFound = errors.New("message not found")

// ErrNotMessageAuthor is returned when a mutation is attempted by someone
// other than the message's author.
var ErrNotMessageAuthor = errors.New("not the message author")

// Message is a persisted chat message row. Author identity is
// denormalized so pages render without an accounts lookup.
type Message struct {
	ID           string
	ServerID     string
	AuthorID     string
	AuthorName   string
	AuthorAvatar string
	Content      string
	Attachment   *protocol.Attachment
	Kind         string
	ReplyToID    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Payload converts a row to its wire DTO.
func (m Message) Payload() protocol.MessagePayload {
	return protocol.MessagePayload{
		ID:         m.ID,
		ServerID:   m.ServerID,
		AuthorID:   m.AuthorID,
		Author:     protocol.Member{UserID: m.AuthorID, Username: m.AuthorName, Avatar: m.AuthorAvatar},
		Content:    m.Content,
		Attachment: m.Attachment,
		Kind:       m.Kind,
		ReplyToID:  m.ReplyToID,
		CreatedAt:  m.CreatedAt,
		UpdatedAt:  m.UpdatedAt,
	}
}

// Store persists server state in SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database and runs migrations.
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	st := &Store{db: db}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	slog.Info("sqlite store opened", "path", path)
	return st, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `PRAGMA foreign_keys = ON`); err != nil {
		return fmt.Errorf("enable foreign keys: %w", err)
	}

	const schema = `
CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	server_id TEXT NOT NULL,
	author_id TEXT NOT NULL,
	author_name TEXT NOT NULL,
	author_avatar TEXT NOT NULL DEFAULT '',
	content TEXT NOT NULL,
	attachment_url TEXT NOT NULL DEFAULT '',
	attachment_name TEXT NOT NULL DEFAULT '',
	attachment_size INTEGER NOT NULL DEFAULT 0,
	attachment_content_type TEXT NOT NULL DEFAULT '',
	kind TEXT NOT NULL DEFAULT '',
	reply_to_id TEXT NOT NULL DEFAULT '',
	created_at_unix_ms INTEGER NOT NULL,
	updated_at_unix_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_server_created ON messages(server_id, created_at_unix_ms, id);

CREATE TABLE IF NOT EXISTS server_members (
	server_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	added_at_unix_ms INTEGER NOT NULL,
	PRIMARY KEY (server_id, user_id)
);

CREATE TABLE IF NOT EXISTS voice_states (
	user_id TEXT PRIMARY KEY,
	server_id TEXT NOT NULL,
	muted INTEGER NOT NULL DEFAULT 0,
	deafened INTEGER NOT NULL DEFAULT 0,
	connected_at_unix_ms INTEGER NOT NULL
);
`

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("run sqlite migrations: %w", err)
	}

	slog.Debug("sqlite migrations applied")
	return nil
}

// CreateMessage persists a new message and returns the stored row with
// assigned ID and timestamps.
func (s *Store) CreateMessage(ctx context.Context, msg Message) (Message, error) {
	if strings.TrimSpace(msg.ServerID) == "" {
		return Message{}, fmt.Errorf("server id is required")
	}
	if strings.TrimSpace(msg.AuthorID) == "" {
		return Message{}, fmt.Errorf("author id is required")
	}
	if strings.TrimSpace(msg.Content) == "" && msg.Attachment == nil {
		return Message{}, fmt.Errorf("message content or attachment is required")
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	msg.UpdatedAt = msg.CreatedAt

	const q = `
INSERT INTO messages (
	id, server_id, author_id, author_name, author_avatar, content,
	attachment_url, attachment_name, attachment_size, attachment_content_type,
	kind, reply_to_id, created_at_unix_ms, updated_at_unix_ms
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`
	var attURL, attName, attCT string
	var attSize int64
	if msg.Attachment != nil {
		attURL = msg.Attachment.URL
		attName = msg.Attachment.Name
		attSize = msg.Attachment.SizeBytes
		attCT = msg.Attachment.ContentType
	}
	_, err := s.db.ExecContext(
		ctx,
		q,
		msg.ID,
		msg.ServerID,
		msg.AuthorID,
		msg.AuthorName,
		msg.AuthorAvatar,
		msg.Content,
		attURL,
		attName,
		attSize,
		attCT,
		msg.Kind,
		msg.ReplyToID,
		msg.CreatedAt.UnixMilli(),
		msg.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}
	slog.Debug("message persisted", "msg_id", msg.ID, "server_id", msg.ServerID, "author_id", msg.AuthorID)
	return msg, nil
}

// GetMessage loads one message by ID.
func (s *Store) GetMessage(ctx context.Context, id string) (Message, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Message{}, fmt.Errorf("message id is required")
	}

	const q = selectMessageColumns + ` WHERE id = ?`
	row := s.db.QueryRowContext(ctx, q, id)
	msg, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Message{}, ErrMessageNotFound
		}
		return Message{}, fmt.Errorf("query message: %w", err)
	}
	return msg, nil
}

// EditMessage replaces a message's content. Only the author may edit.
func (s *Store) EditMessage(ctx context.Context, id, authorID, content string) (Message, error) {
	if strings.TrimSpace(content) == "" {
		return Message{}, fmt.Errorf("message content is required")
	}
	msg, err := s.GetMessage(ctx, id)
	if err != nil {
		return Message{}, err
	}
	if msg.AuthorID != authorID {
		return Message{}, ErrNotMessageAuthor
	}

	msg.Content = content
	msg.UpdatedAt = time.Now().UTC()
	const q = `UPDATE messages SET content = ?, updated_at_unix_ms = ? WHERE id = ?`
	if _, err := s.db.ExecContext(ctx, q, msg.Content, msg.UpdatedAt.UnixMilli(), msg.ID); err != nil {
		return Message{}, fmt.Errorf("update message: %w", err)
	}
	slog.Debug("message edited", "msg_id", msg.ID, "server_id", msg.ServerID)
	return msg, nil
}

// DeleteMessage removes a message. Only the author may delete. The
// deleted row is returned so the caller can address its room.
func (s *Store) DeleteMessage(ctx context.Context, id, authorID string) (Message, error) {
	msg, err := s.GetMessage(ctx, id)
	if err != nil {
		return Message{}, err
	}
	if msg.AuthorID != authorID {
		return Message{}, ErrNotMessageAuthor
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id); err != nil {
		return Message{}, fmt.Errorf("delete message: %w", err)
	}
	slog.Debug("message deleted", "msg_id", id, "server_id", msg.ServerID)
	return msg, nil
}

// ListMessages returns up to limit messages for a server in ascending
// creation order. A non-nil before cursor is an exclusive upper bound:
// only messages strictly older are returned.
func (s *Store) ListMessages(ctx context.Context, serverID string, before *time.Time, limit int) ([]Message, error) {
	if limit <= 0 || limit > DefaultPageSize {
		limit = DefaultPageSize
	}

	q := selectMessageColumns + ` WHERE server_id = ?`
	args := []any{serverID}
	if before != nil {
		q += ` AND created_at_unix_ms < ?`
		args = append(args, before.UnixMilli())
	}
	q += ` ORDER BY created_at_unix_ms DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, msg)
	}
	// Reverse to oldest-first order.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	slog.Debug("messages loaded", "server_id", serverID, "count", len(msgs), "cursor", before != nil)
	return msgs, rows.Err()
}

// AddMember records membership of a user in a server.
func (s *Store) AddMember(ctx context.Context, userID, serverID string) error {
	if strings.TrimSpace(serverID) == "" || strings.TrimSpace(userID) == "" {
		return fmt.Errorf("server id and user id are required")
	}
	const q = `INSERT OR IGNORE INTO server_members (server_id, user_id, added_at_unix_ms) VALUES (?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, q, serverID, userID, time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("insert membership: %w", err)
	}
	return nil
}

// RemoveMember removes a membership record.
func (s *Store) RemoveMember(ctx context.Context, userID, serverID string) error {
	const q = `DELETE FROM server_members WHERE server_id = ? AND user_id = ?`
	if _, err := s.db.ExecContext(ctx, q, serverID, userID); err != nil {
		return fmt.Errorf("delete membership: %w", err)
	}
	return nil
}

// IsMember reports whether a user belongs to a server. Gates both REST
// writes and room joins.
func (s *Store) IsMember(ctx context.Context, userID, serverID string) (bool, error) {
	const q = `SELECT 1 FROM server_members WHERE server_id = ? AND user_id = ?`
	var one int
	err := s.db.QueryRowContext(ctx, q, serverID, userID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query membership: %w", err)
	}
	return true, nil
}

// SaveVoiceState upserts the durable copy of a voice state. Speaking is
// ephemeral and not stored.
func (s *Store) SaveVoiceState(ctx context.Context, state protocol.VoiceState) error {
	const q = `
INSERT INTO voice_states (user_id, server_id, muted, deafened, connected_at_unix_ms)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(user_id) DO UPDATE SET
	server_id = excluded.server_id,
	muted = excluded.muted,
	deafened = excluded.deafened,
	connected_at_unix_ms = excluded.connected_at_unix_ms
`
	_, err := s.db.ExecContext(ctx, q, state.UserID, state.ServerID, boolToInt(state.IsMuted), boolToInt(state.IsDeafened), state.ConnectedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert voice state: %w", err)
	}
	return nil
}

// ClearVoiceState removes the durable copy of a user's voice state.
func (s *Store) ClearVoiceState(ctx context.Context, userID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM voice_states WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("delete voice state: %w", err)
	}
	return nil
}

// VoiceStateCount returns the number of persisted voice states.
func (s *Store) VoiceStateCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM voice_states`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count voice states: %w", err)
	}
	return n, nil
}

const selectMessageColumns = `
SELECT id, server_id, author_id, author_name, author_avatar, content,
	attachment_url, attachment_name, attachment_size, attachment_content_type,
	kind, reply_to_id, created_at_unix_ms, updated_at_unix_ms
FROM messages`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (Message, error) {
	var (
		msg                  Message
		attURL, attName      string
		attCT                string
		attSize              int64
		createdMS, updatedMS int64
	)
	err := row.Scan(
		&msg.ID,
		&msg.ServerID,
		&msg.AuthorID,
		&msg.AuthorName,
		&msg.AuthorAvatar,
		&msg.Content,
		&attURL,
		&attName,
		&attSize,
		&attCT,
		&msg.Kind,
		&msg.ReplyToID,
		&createdMS,
		&updatedMS,
	)
	if err != nil {
		return Message{}, err
	}
	if attURL != "" || attName != "" {
		msg.Attachment = &protocol.Attachment{URL: attURL, Name: attName, SizeBytes: attSize, ContentType: attCT}
	}
	msg.CreatedAt = time.UnixMilli(createdMS).UTC()
	msg.UpdatedAt = time.UnixMilli(updatedMS).UTC()
	return msg, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
