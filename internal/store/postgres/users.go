package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"sudooom.im.chat/internal/model"
	"sudooom.im.chat/internal/store"
)

const userColumns = `id, email, username, display_name, avatar, password_hash, status,
	is_online, last_seen, blocked_users, blocked_by, created_at, updated_at`

func scanUser(row pgx.Row) (*model.User, error) {
	var u model.User
	var status string
	err := row.Scan(
		&u.Id,
		&u.Email,
		&u.Username,
		&u.DisplayName,
		&u.Avatar,
		&u.PasswordHash,
		&status,
		&u.IsOnline,
		&u.LastSeen,
		&u.BlockedUsers,
		&u.BlockedBy,
		&u.CreatedAt,
		&u.UpdatedAt,
	)
	if err != nil {
		return nil, translate(err)
	}
	u.Status = model.UserStatus(status)
	return &u, nil
}

// CreateUser 创建用户
func (s *Store) CreateUser(ctx context.Context, u *model.User) error {
	query := `
		INSERT INTO users (id, email, username, display_name, avatar, password_hash, status, last_seen, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
	`
	_, err := s.db.Exec(ctx, query,
		u.Id,
		u.Email,
		u.Username,
		u.DisplayName,
		u.Avatar,
		u.PasswordHash,
		string(u.Status),
		u.LastSeen,
		u.CreatedAt,
	)
	return translate(err)
}

// FindUser 根据 ID 查找用户
func (s *Store) FindUser(ctx context.Context, id int64) (*model.User, error) {
	return scanUser(s.db.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

// FindUserPublic 查找用户，不返回密码哈希
func (s *Store) FindUserPublic(ctx context.Context, id int64) (*model.User, error) {
	u, err := s.FindUser(ctx, id)
	if err != nil {
		return nil, err
	}
	u.PasswordHash = ""
	return u, nil
}

// FindUserByEmail 根据邮箱查找用户
func (s *Store) FindUserByEmail(ctx context.Context, email string) (*model.User, error) {
	return scanUser(s.db.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE lower(email) = lower($1)`, email))
}

func (s *Store) execUser(ctx context.Context, query string, args ...any) error {
	tag, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return translate(err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// UpdatePresence 更新在线状态投影
func (s *Store) UpdatePresence(ctx context.Context, id int64, online bool, lastSeen time.Time) error {
	return s.execUser(ctx,
		`UPDATE users SET is_online = $2, last_seen = $3, updated_at = now() WHERE id = $1`,
		id, online, lastSeen)
}

// UpdateStatus 更新用户自定义状态
func (s *Store) UpdateStatus(ctx context.Context, id int64, status model.UserStatus) error {
	return s.execUser(ctx,
		`UPDATE users SET status = $2, updated_at = now() WHERE id = $1`,
		id, string(status))
}

// UpdateProfile 更新资料
func (s *Store) UpdateProfile(ctx context.Context, id int64, displayName, avatar string) error {
	return s.execUser(ctx,
		`UPDATE users SET display_name = $2, avatar = $3, updated_at = now() WHERE id = $1`,
		id, displayName, avatar)
}

// SetBlocked 在一个事务中更新双方屏蔽记录
func (s *Store) SetBlocked(ctx context.Context, userID, targetID int64, blocked bool) error {
	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		var n int
		if err := tx.QueryRow(ctx,
			`SELECT count(*) FROM users WHERE id = ANY($1)`,
			[]int64{userID, targetID}).Scan(&n); err != nil {
			return translate(err)
		}
		if n != 2 {
			return store.ErrNotFound
		}

		var ownerQuery, targetQuery string
		if blocked {
			ownerQuery = `UPDATE users SET blocked_users = array_append(blocked_users, $2), updated_at = now()
				WHERE id = $1 AND NOT ($2 = ANY(blocked_users))`
			targetQuery = `UPDATE users SET blocked_by = array_append(blocked_by, $2), updated_at = now()
				WHERE id = $1 AND NOT ($2 = ANY(blocked_by))`
		} else {
			ownerQuery = `UPDATE users SET blocked_users = array_remove(blocked_users, $2), updated_at = now() WHERE id = $1`
			targetQuery = `UPDATE users SET blocked_by = array_remove(blocked_by, $2), updated_at = now() WHERE id = $1`
		}
		if _, err := tx.Exec(ctx, ownerQuery, userID, targetID); err != nil {
			return translate(err)
		}
		if _, err := tx.Exec(ctx, targetQuery, targetID, userID); err != nil {
			return translate(err)
		}
		return nil
	})
}

// ListOnlineUserIds 返回持久化层认为在线的用户
func (s *Store) ListOnlineUserIds(ctx context.Context) ([]int64, error) {
	rows, err := s.db.Query(ctx, `SELECT id FROM users WHERE is_online`)
	if err != nil {
		return nil, translate(err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	return ids, translate(err)
}
