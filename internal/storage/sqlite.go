package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/math12studio/assistant/internal/model/chat"

	_ "modernc.org/sqlite"
)

// SQLite persists key-value records and chat history in a single database file.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (and migrates) the database at path. Use ":memory:" for tests.
func OpenSQLite(path string) (*SQLite, error) {
	dsn := path
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
		}
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// A single connection keeps ":memory:" databases alive and writes serialized.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLite{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	return store, nil
}

func (s *SQLite) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS kv (
		key        TEXT PRIMARY KEY,
		value      BLOB NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS conversations (
		seq        INTEGER PRIMARY KEY AUTOINCREMENT,
		id         TEXT NOT NULL UNIQUE,
		identity   TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_conversations_identity ON conversations(identity, seq);

	CREATE TABLE IF NOT EXISTS messages (
		seq             INTEGER PRIMARY KEY AUTOINCREMENT,
		id              TEXT NOT NULL,
		conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		role            TEXT NOT NULL CHECK (role IN ('user', 'assistant')),
		content         TEXT NOT NULL,
		created_at      INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conv ON messages(conversation_id, seq);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close releases the database handle.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return value, nil
}

func (s *SQLite) Put(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

func (s *SQLite) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key)
	return err
}

// CurrentConversation returns the most recently created conversation for identity.
func (s *SQLite) CurrentConversation(ctx context.Context, identity string) (chat.Conversation, error) {
	var (
		conv    chat.Conversation
		created int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, identity, created_at FROM conversations WHERE identity = ? ORDER BY seq DESC LIMIT 1`,
		identity,
	).Scan(&conv.ID, &conv.Identity, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Conversation{}, ErrNotFound
	}
	if err != nil {
		return chat.Conversation{}, err
	}
	conv.CreatedAt = time.UnixMilli(created).UTC()
	return conv, nil
}

// CreateConversation stores a new conversation; it becomes the identity's current one.
func (s *SQLite) CreateConversation(ctx context.Context, conv chat.Conversation) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, identity, created_at) VALUES (?, ?, ?)`,
		conv.ID, conv.Identity, conv.CreatedAt.UnixMilli(),
	)
	return err
}

// AppendMessages adds messages to the end of a conversation in one
// transaction: either all of them are stored or none is.
func (s *SQLite) AppendMessages(ctx context.Context, conversationID string, messages ...chat.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	for _, msg := range messages {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO messages (id, conversation_id, role, content, created_at) VALUES (?, ?, ?, ?, ?)`,
			msg.ID, conversationID, string(msg.Role), msg.Content, msg.CreatedAt.UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("append message %s: %w", msg.ID, err)
		}
	}
	return tx.Commit()
}

// ListMessages returns a conversation's messages in insertion order.
func (s *SQLite) ListMessages(ctx context.Context, conversationID string) ([]chat.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, role, content, created_at FROM messages WHERE conversation_id = ? ORDER BY seq`,
		conversationID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []chat.Message
	for rows.Next() {
		var (
			msg     chat.Message
			role    string
			created int64
		)
		if err := rows.Scan(&msg.ID, &role, &msg.Content, &created); err != nil {
			return nil, err
		}
		msg.Role = chat.Role(role)
		msg.CreatedAt = time.UnixMilli(created).UTC()
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}
