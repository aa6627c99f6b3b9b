package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"

	"sudooom.im.chat/internal/model"
	"sudooom.im.chat/internal/store"
)

func decodeConversation(data []byte) (*model.Conversation, error) {
	var c model.Conversation
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decode conversation: %w", err)
	}
	return &c, nil
}

func collectConversations(rows pgx.Rows) ([]*model.Conversation, error) {
	docs, err := pgx.CollectRows(rows, pgx.RowTo[[]byte])
	if err != nil {
		return nil, translate(err)
	}
	convs := make([]*model.Conversation, 0, len(docs))
	for _, doc := range docs {
		c, err := decodeConversation(doc)
		if err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	return convs, nil
}

// activeMemberFilter 生成 jsonb 包含查询条件
func activeMemberFilter(userID int64) string {
	return fmt.Sprintf(`[{"userId":%d,"isActive":true}]`, userID)
}

func memberFilter(userID int64) string {
	return fmt.Sprintf(`[{"userId":%d}]`, userID)
}

// CreateConversation 创建会话
func (s *Store) CreateConversation(ctx context.Context, c *model.Conversation) error {
	doc, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode conversation: %w", err)
	}
	query := `
		INSERT INTO conversations (id, kind, doc, last_message_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err = s.db.Exec(ctx, query, c.Id, string(c.Kind), doc, c.LastMessageAt, c.CreatedAt, c.UpdatedAt)
	return translate(err)
}

// FindConversation 根据 ID 查找会话
func (s *Store) FindConversation(ctx context.Context, id int64) (*model.Conversation, error) {
	var doc []byte
	if err := s.db.QueryRow(ctx, `SELECT doc FROM conversations WHERE id = $1`, id).Scan(&doc); err != nil {
		return nil, translate(err)
	}
	return decodeConversation(doc)
}

// ListConversationsForUser 返回用户活跃且未删除的会话
func (s *Store) ListConversationsForUser(ctx context.Context, userID int64) ([]*model.Conversation, error) {
	query := `
		SELECT doc FROM conversations
		WHERE doc->'participants' @> $1::jsonb
		  AND NOT coalesce(doc->'deletedBy' ? $2, false)
		ORDER BY coalesce(last_message_at, created_at) DESC, id DESC
	`
	rows, err := s.db.Query(ctx, query, activeMemberFilter(userID), strconv.FormatInt(userID, 10))
	if err != nil {
		return nil, translate(err)
	}
	return collectConversations(rows)
}

// FindDirectConversation 查找两人之间的单聊（不区分成员是否活跃）
func (s *Store) FindDirectConversation(ctx context.Context, userA, userB int64) (*model.Conversation, error) {
	query := `
		SELECT doc FROM conversations
		WHERE kind = $1
		  AND doc->'participants' @> $2::jsonb
		  AND doc->'participants' @> $3::jsonb
		ORDER BY created_at
		LIMIT 1
	`
	var doc []byte
	err := s.db.QueryRow(ctx, query, string(model.ConversationDirect), memberFilter(userA), memberFilter(userB)).Scan(&doc)
	if err != nil {
		return nil, translate(err)
	}
	return decodeConversation(doc)
}

// UpdateConversation 乐观锁读改写，版本冲突时重新读取并重放 fn
func (s *Store) UpdateConversation(ctx context.Context, id int64, fn store.ConversationMutator) (*model.Conversation, error) {
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		var doc []byte
		var version int64
		err := s.db.QueryRow(ctx, `SELECT doc, version FROM conversations WHERE id = $1`, id).Scan(&doc, &version)
		if err != nil {
			return nil, translate(err)
		}
		c, err := decodeConversation(doc)
		if err != nil {
			return nil, err
		}
		if err := fn(c); err != nil {
			return nil, err
		}
		c.UpdatedAt = time.Now()

		next, err := json.Marshal(c)
		if err != nil {
			return nil, fmt.Errorf("encode conversation: %w", err)
		}
		tag, err := s.db.Exec(ctx, `
			UPDATE conversations
			SET doc = $1, last_message_at = $2, updated_at = now(), version = version + 1
			WHERE id = $3 AND version = $4
		`, next, c.LastMessageAt, id, version)
		if err != nil {
			return nil, translate(err)
		}
		if tag.RowsAffected() == 1 {
			return c, nil
		}
		s.logger.Debug("Conversation version conflict, retrying",
			"conversationId", id,
			"attempt", attempt+1)
	}
	return nil, store.ErrConflict
}

// DeleteConversation 删除会话，消息通过外键级联删除
func (s *Store) DeleteConversation(ctx context.Context, id int64) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM conversations WHERE id = $1`, id)
	if err != nil {
		return translate(err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}
