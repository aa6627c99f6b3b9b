// Package postgres 基于 pgx 的存储实现。
// 会话与消息以 jsonb 文档保存，version 列用于乐观并发控制。
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"sudooom.im.chat/internal/store"
)

// maxUpdateAttempts 读改写冲突时的最大重试次数
const maxUpdateAttempts = 10

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id            BIGINT PRIMARY KEY,
	email         TEXT NOT NULL,
	username      TEXT NOT NULL,
	display_name  TEXT NOT NULL DEFAULT '',
	avatar        TEXT NOT NULL DEFAULT '',
	password_hash TEXT NOT NULL,
	status        TEXT NOT NULL DEFAULT 'offline',
	is_online     BOOLEAN NOT NULL DEFAULT FALSE,
	last_seen     TIMESTAMPTZ NOT NULL DEFAULT now(),
	blocked_users BIGINT[] NOT NULL DEFAULT '{}',
	blocked_by    BIGINT[] NOT NULL DEFAULT '{}',
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_users_email ON users (lower(email));
CREATE INDEX IF NOT EXISTS idx_users_online ON users (is_online) WHERE is_online;

CREATE TABLE IF NOT EXISTS conversations (
	id              BIGINT PRIMARY KEY,
	kind            TEXT NOT NULL,
	doc             JSONB NOT NULL,
	last_message_at TIMESTAMPTZ,
	version         BIGINT NOT NULL DEFAULT 0,
	created_at      TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_conversations_participants
	ON conversations USING GIN ((doc->'participants') jsonb_path_ops);

CREATE TABLE IF NOT EXISTS messages (
	id              BIGINT PRIMARY KEY,
	conversation_id BIGINT NOT NULL REFERENCES conversations (id) ON DELETE CASCADE,
	sender_id       BIGINT NOT NULL,
	doc             JSONB NOT NULL,
	search_text     TEXT NOT NULL DEFAULT '',
	is_deleted      BOOLEAN NOT NULL DEFAULT FALSE,
	version         BIGINT NOT NULL DEFAULT 0,
	created_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation_time
	ON messages (conversation_id, created_at DESC, id DESC);
`

// Store PostgreSQL 存储
type Store struct {
	db     *pgxpool.Pool
	logger *slog.Logger
}

var _ store.Store = (*Store)(nil)

// New 创建 PostgreSQL 存储
func New(db *pgxpool.Pool) *Store {
	return &Store{
		db:     db,
		logger: slog.Default(),
	}
}

// EnsureSchema 创建表结构（幂等）
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// translate 将驱动错误映射为存储层错误
func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return fmt.Errorf("%w: %s", store.ErrDuplicate, pgErr.ConstraintName)
		case "23503":
			return fmt.Errorf("%w: %s", store.ErrNotFound, pgErr.ConstraintName)
		}
	}
	return err
}
