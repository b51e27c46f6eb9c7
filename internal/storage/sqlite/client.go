package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/portfolio-rag/backend/pkg/logger"
)

var (
	ErrNotFound     = errors.New("sqlite: not found")
	ErrDuplicateKey = errors.New("sqlite: duplicate key")
)

type Client struct {
	db *sql.DB

	// ftsAvailable is false when the driver was built without FTS5; lexical
	// search then falls back to LIKE.
	ftsAvailable bool

	clockMu sync.Mutex
	lastTS  int64
}

func NewClient(dbPath string) (*Client, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	logger.Info("SQLite client initialized", zap.String("path", dbPath))

	return &Client{db: db}, nil
}

// NewClientFromDB wraps an existing handle. The caller owns schema setup.
func NewClientFromDB(db *sql.DB) *Client {
	return &Client{db: db}
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

func (c *Client) FTSAvailable() bool {
	return c.ftsAvailable
}

func (c *Client) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		session_key TEXT NOT NULL UNIQUE,
		title TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		role TEXT NOT NULL CHECK (role IN ('user', 'assistant')),
		content TEXT NOT NULL CHECK (length(content) > 0),
		created_at INTEGER NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session_created ON messages(session_id, created_at);

	CREATE TABLE IF NOT EXISTS chat_analytics (
		id TEXT PRIMARY KEY,
		session_id TEXT,
		user_id TEXT,
		query TEXT NOT NULL,
		response TEXT,
		search_results TEXT,
		metadata TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_analytics_session ON chat_analytics(session_id);
	CREATE INDEX IF NOT EXISTS idx_analytics_created ON chat_analytics(created_at);

	CREATE TABLE IF NOT EXISTS content_items (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		content_id TEXT NOT NULL,
		content_type TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL,
		summary TEXT NOT NULL DEFAULT '',
		metadata TEXT,
		embedding TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		UNIQUE (content_id, content_type)
	);
	`

	if _, err := c.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	// Lexical scoring compares whole lowercased words, so the index must not
	// stem or fold diacritics either.
	ftsSchema := `
	CREATE VIRTUAL TABLE IF NOT EXISTS content_fts USING fts5(
		title,
		summary,
		content,
		content='content_items',
		content_rowid='seq',
		tokenize='unicode61 remove_diacritics 0'
	);

	CREATE TRIGGER IF NOT EXISTS content_items_ai AFTER INSERT ON content_items BEGIN
		INSERT INTO content_fts(rowid, title, summary, content) VALUES (new.seq, new.title, new.summary, new.content);
	END;

	CREATE TRIGGER IF NOT EXISTS content_items_ad AFTER DELETE ON content_items BEGIN
		INSERT INTO content_fts(content_fts, rowid, title, summary, content) VALUES ('delete', old.seq, old.title, old.summary, old.content);
	END;

	CREATE TRIGGER IF NOT EXISTS content_items_au AFTER UPDATE ON content_items BEGIN
		INSERT INTO content_fts(content_fts, rowid, title, summary, content) VALUES ('delete', old.seq, old.title, old.summary, old.content);
		INSERT INTO content_fts(rowid, title, summary, content) VALUES (new.seq, new.title, new.summary, new.content);
	END;
	`
	if _, err := c.db.Exec(ftsSchema); err != nil {
		c.ftsAvailable = false
		logger.Warn("FTS5 not available, lexical search falls back to LIKE", zap.Error(err))
	} else {
		c.ftsAvailable = true
	}

	logger.Info("SQLite schema initialized", zap.Bool("fts5", c.ftsAvailable))
	return nil
}

// now returns a strictly increasing unix-nano timestamp so messages written
// by this process in the same instant still have a defined order.
func (c *Client) now() time.Time {
	c.clockMu.Lock()
	defer c.clockMu.Unlock()

	ts := time.Now().UnixNano()
	if ts <= c.lastTS {
		ts = c.lastTS + 1
	}
	c.lastTS = ts
	return time.Unix(0, ts).UTC()
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func marshalJSON(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}
