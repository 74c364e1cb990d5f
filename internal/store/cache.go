package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"parkdog.im/internal/config"
	"parkdog.im/internal/protocol"
	imErrors "parkdog.im/pkg/errors"
)

// HistoryCache 会话历史的持久化缓存
type HistoryCache interface {
	Load(ctx context.Context, conversationID string) ([]protocol.Message, error)
	// Save 只保存已被服务端确认的消息
	Save(ctx context.Context, messages []protocol.Message) error
	Close() error
}

// NewHistoryCache 按配置创建历史缓存
func NewHistoryCache(cfg config.CacheConfig) (HistoryCache, error) {
	switch cfg.Driver {
	case "", "memory":
		return NopCache{}, nil
	case "sqlite":
		return OpenSQLite(cfg.DSN)
	default:
		return nil, imErrors.ErrInvalidParams.WithMessage(fmt.Sprintf("unknown cache driver %q", cfg.Driver))
	}
}

// NopCache 不持久化
type NopCache struct{}

func (NopCache) Load(context.Context, string) ([]protocol.Message, error) { return nil, nil }
func (NopCache) Save(context.Context, []protocol.Message) error           { return nil }
func (NopCache) Close() error                                             { return nil }

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	id              TEXT PRIMARY KEY,
	temp_id         TEXT NOT NULL DEFAULT '',
	conversation_id TEXT NOT NULL,
	sender_id       TEXT NOT NULL,
	text            TEXT NOT NULL,
	created_at      INTEGER NOT NULL,
	status          TEXT NOT NULL,
	read            INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at);
`

// SQLiteCache 基于 SQLite 的历史缓存
type SQLiteCache struct {
	db *sql.DB
}

// OpenSQLite 打开（必要时创建）缓存数据库
func OpenSQLite(path string) (*SQLiteCache, error) {
	if path == "" {
		return nil, imErrors.ErrInvalidParams.WithMessage("sqlite cache requires a dsn")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create cache directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open cache database: %w", err)
	}

	// SQLite 只有一个写入者
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma: %w", err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init cache schema: %w", err)
	}

	return &SQLiteCache{db: db}, nil
}

// Load 读取会话历史，按创建时间排序
func (c *SQLiteCache) Load(ctx context.Context, conversationID string) ([]protocol.Message, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, temp_id, conversation_id, sender_id, text, created_at, status, read
		FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at, id`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []protocol.Message
	for rows.Next() {
		var (
			m       protocol.Message
			created int64
			status  string
			read    int
		)
		if err := rows.Scan(&m.ID, &m.TempID, &m.ConversationID, &m.SenderID, &m.Text, &created, &status, &read); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		m.CreatedAt = time.Unix(0, created).UTC()
		m.Status = protocol.Status(status)
		m.Read = read != 0
		out = append(out, m)
	}
	return out, rows.Err()
}

// Save 批量写入，已存在的消息被覆盖
func (c *SQLiteCache) Save(ctx context.Context, messages []protocol.Message) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO messages (id, temp_id, conversation_id, sender_id, text, created_at, status, read)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			read = MAX(messages.read, excluded.read)`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, m := range messages {
		if m.ID == "" || !m.Status.Settled() {
			continue
		}
		read := 0
		if m.Read {
			read = 1
		}
		if _, err := stmt.ExecContext(ctx, m.ID, m.TempID, m.ConversationID, m.SenderID, m.Text,
			m.CreatedAt.UnixNano(), string(m.Status), read); err != nil {
			return fmt.Errorf("save message %s: %w", m.ID, err)
		}
	}

	return tx.Commit()
}

// Close 关闭数据库
func (c *SQLiteCache) Close() error {
	return c.db.Close()
}
