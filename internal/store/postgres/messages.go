package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"sudooom.im.chat/internal/model"
	"sudooom.im.chat/internal/store"
)

const insertMessage = `
	INSERT INTO messages (id, conversation_id, sender_id, doc, search_text, is_deleted, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
`

func decodeMessage(data []byte) (*model.Message, error) {
	var m model.Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	return &m, nil
}

func collectMessages(rows pgx.Rows) ([]*model.Message, error) {
	docs, err := pgx.CollectRows(rows, pgx.RowTo[[]byte])
	if err != nil {
		return nil, translate(err)
	}
	msgs := make([]*model.Message, 0, len(docs))
	for _, doc := range docs {
		m, err := decodeMessage(doc)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

func searchText(m *model.Message) string {
	return strings.ToLower(m.Content.SearchText())
}

// CreateMessage 创建消息
func (s *Store) CreateMessage(ctx context.Context, m *model.Message) error {
	doc, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	_, err = s.db.Exec(ctx, insertMessage,
		m.Id, m.ConversationId, m.SenderId, doc, searchText(m), m.IsDeleted, m.CreatedAt)
	return translate(err)
}

// CreateMessages 在一个事务中批量写入
func (s *Store) CreateMessages(ctx context.Context, msgs []*model.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, m := range msgs {
		doc, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("encode message: %w", err)
		}
		batch.Queue(insertMessage,
			m.Id, m.ConversationId, m.SenderId, doc, searchText(m), m.IsDeleted, m.CreatedAt)
	}

	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		results := tx.SendBatch(ctx, batch)
		for range msgs {
			if _, err := results.Exec(); err != nil {
				results.Close()
				return translate(err)
			}
		}
		return translate(results.Close())
	})
}

// FindMessage 根据 ID 查找消息
func (s *Store) FindMessage(ctx context.Context, id int64) (*model.Message, error) {
	var doc []byte
	if err := s.db.QueryRow(ctx, `SELECT doc FROM messages WHERE id = $1`, id).Scan(&doc); err != nil {
		return nil, translate(err)
	}
	return decodeMessage(doc)
}

// ListMessages 按时间倒序分页
func (s *Store) ListMessages(ctx context.Context, conversationID int64, before time.Time, limit int) ([]*model.Message, error) {
	var rows pgx.Rows
	var err error
	if before.IsZero() {
		rows, err = s.db.Query(ctx, `
			SELECT doc FROM messages
			WHERE conversation_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2
		`, conversationID, limit)
	} else {
		rows, err = s.db.Query(ctx, `
			SELECT doc FROM messages
			WHERE conversation_id = $1 AND created_at < $2
			ORDER BY created_at DESC, id DESC
			LIMIT $3
		`, conversationID, before, limit)
	}
	if err != nil {
		return nil, translate(err)
	}
	return collectMessages(rows)
}

// escapeLike 转义 LIKE 通配符
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// SearchMessages 在会话内按文本检索未删除的消息
func (s *Store) SearchMessages(ctx context.Context, conversationID int64, query string, limit int) ([]*model.Message, error) {
	rows, err := s.db.Query(ctx, `
		SELECT doc FROM messages
		WHERE conversation_id = $1
		  AND NOT is_deleted
		  AND search_text LIKE '%' || $2 || '%'
		ORDER BY created_at DESC, id DESC
		LIMIT $3
	`, conversationID, escapeLike(strings.ToLower(query)), limit)
	if err != nil {
		return nil, translate(err)
	}
	return collectMessages(rows)
}

// UpdateMessage 乐观锁读改写
func (s *Store) UpdateMessage(ctx context.Context, id int64, fn store.MessageMutator) (*model.Message, error) {
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		var doc []byte
		var version int64
		err := s.db.QueryRow(ctx, `SELECT doc, version FROM messages WHERE id = $1`, id).Scan(&doc, &version)
		if err != nil {
			return nil, translate(err)
		}
		m, err := decodeMessage(doc)
		if err != nil {
			return nil, err
		}
		if err := fn(m); err != nil {
			return nil, err
		}

		next, err := json.Marshal(m)
		if err != nil {
			return nil, fmt.Errorf("encode message: %w", err)
		}
		tag, err := s.db.Exec(ctx, `
			UPDATE messages
			SET doc = $1, search_text = $2, is_deleted = $3, version = version + 1
			WHERE id = $4 AND version = $5
		`, next, searchText(m), m.IsDeleted, id, version)
		if err != nil {
			return nil, translate(err)
		}
		if tag.RowsAffected() == 1 {
			return m, nil
		}
		s.logger.Debug("Message version conflict, retrying",
			"messageId", id,
			"attempt", attempt+1)
	}
	return nil, store.ErrConflict
}
