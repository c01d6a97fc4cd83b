package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Devices

func (s *PostgresStore) GetDeviceByUUID(ctx context.Context, uuid string) (Device, error) {
	const query = `
		SELECT id, uuid, user_id, method, path, full_path,
		       COALESCE(remote_addr, ''), COALESCE(user_agent, ''),
		       COALESCE(referer, ''), COALESCE(accept_language, ''), created_at
		FROM devices WHERE uuid = $1
	`
	var device Device
	err := s.db.QueryRowContext(ctx, query, uuid).Scan(
		&device.ID, &device.UUID, &device.UserID, &device.Method, &device.Path,
		&device.FullPath, &device.RemoteAddr, &device.UserAgent, &device.Referer,
		&device.AcceptLanguage, &device.CreatedAt,
	)
	if err != nil {
		return Device{}, err
	}
	return device, nil
}

func (s *PostgresStore) InsertDevice(ctx context.Context, device Device) error {
	const insert = `
		INSERT INTO devices (id, uuid, user_id, method, path, full_path,
		                     remote_addr, user_agent, referer, accept_language)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), NULLIF($8, ''), NULLIF($9, ''), NULLIF($10, ''))
	`
	_, err := s.db.ExecContext(ctx, insert,
		device.ID, device.UUID, device.UserID, device.Method, device.Path,
		device.FullPath, device.RemoteAddr, device.UserAgent, device.Referer,
		device.AcceptLanguage,
	)
	if err != nil {
		return fmt.Errorf("insert device: %w", err)
	}
	return nil
}

func (s *PostgresStore) LinkDeviceToUser(ctx context.Context, deviceID, userID string) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE devices SET user_id = $2 WHERE id = $1`, deviceID, userID); err != nil {
		return fmt.Errorf("link device to user: %w", err)
	}
	return nil
}

// Users

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	const query = `SELECT id, email, username, receive_newsletter, created_at FROM users WHERE id = $1`
	var user User
	err := s.db.QueryRowContext(ctx, query, userID).Scan(
		&user.ID, &user.Email, &user.Username, &user.ReceiveNewsletter, &user.CreatedAt,
	)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

// EnsureUserByEmail returns the user with the given email, creating an
// account with a derived username on first contact. Passwordless signup
// means there is nothing else to collect.
func (s *PostgresStore) EnsureUserByEmail(ctx context.Context, email, id, username string) (User, error) {
	email = strings.ToLower(strings.TrimSpace(email))

	const find = `SELECT id, email, username, receive_newsletter, created_at FROM users WHERE email = $1`
	var user User
	err := s.db.QueryRowContext(ctx, find, email).Scan(
		&user.ID, &user.Email, &user.Username, &user.ReceiveNewsletter, &user.CreatedAt,
	)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("lookup user: %w", err)
	}

	const insert = `
		INSERT INTO users (id, email, username)
		VALUES ($1, $2, $3)
		RETURNING id, email, username, receive_newsletter, created_at
	`
	if err := s.db.QueryRowContext(ctx, insert, id, email, username).Scan(
		&user.ID, &user.Email, &user.Username, &user.ReceiveNewsletter, &user.CreatedAt,
	); err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) SetNewsletterOptIn(ctx context.Context, userID string, optIn bool) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE users SET receive_newsletter = $2 WHERE id = $1`, userID, optIn); err != nil {
		return fmt.Errorf("update newsletter opt-in: %w", err)
	}
	return nil
}

// Article reads and reactions

// EnsureArticleRead returns the per-(article, device) engagement row,
// creating it on first sight.
func (s *PostgresStore) EnsureArticleRead(ctx context.Context, id string, articleID int64, deviceID string) (ArticleRead, error) {
	const upsert = `
		INSERT INTO article_reads (id, article_id, device_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (article_id, device_id) DO UPDATE SET article_id = EXCLUDED.article_id
		RETURNING id, article_id, device_id, started_read, ended_read, liked, disliked
	`
	var read ArticleRead
	err := s.db.QueryRowContext(ctx, upsert, id, articleID, deviceID).Scan(
		&read.ID, &read.ArticleID, &read.DeviceID, &read.StartedRead,
		&read.EndedRead, &read.Liked, &read.Disliked,
	)
	if err != nil {
		return ArticleRead{}, fmt.Errorf("ensure article read: %w", err)
	}
	return read, nil
}

func (s *PostgresStore) GetArticleRead(ctx context.Context, articleID int64, deviceID string) (ArticleRead, error) {
	const query = `
		SELECT id, article_id, device_id, started_read, ended_read, liked, disliked
		FROM article_reads WHERE article_id = $1 AND device_id = $2
	`
	var read ArticleRead
	err := s.db.QueryRowContext(ctx, query, articleID, deviceID).Scan(
		&read.ID, &read.ArticleID, &read.DeviceID, &read.StartedRead,
		&read.EndedRead, &read.Liked, &read.Disliked,
	)
	if err != nil {
		return ArticleRead{}, err
	}
	return read, nil
}

func (s *PostgresStore) UpdateReaction(ctx context.Context, readID string, liked, disliked bool) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE article_reads SET liked = $2, disliked = $3 WHERE id = $1`,
		readID, liked, disliked,
	); err != nil {
		return fmt.Errorf("update reaction: %w", err)
	}
	return nil
}

// MarkArticleRead stamps ended_read once; later calls leave the first stamp.
func (s *PostgresStore) MarkArticleRead(ctx context.Context, articleID int64, deviceID string, endedAt time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE article_reads SET ended_read = COALESCE(ended_read, $3) WHERE article_id = $1 AND device_id = $2`,
		articleID, deviceID, endedAt,
	)
	if err != nil {
		return fmt.Errorf("mark article read: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark article read: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) CountReactions(ctx context.Context, articleID int64) (ReactionCounts, error) {
	const query = `
		SELECT COUNT(*) FILTER (WHERE liked), COUNT(*) FILTER (WHERE disliked)
		FROM article_reads WHERE article_id = $1
	`
	var counts ReactionCounts
	if err := s.db.QueryRowContext(ctx, query, articleID).Scan(&counts.Likes, &counts.Dislikes); err != nil {
		return ReactionCounts{}, fmt.Errorf("count reactions: %w", err)
	}
	return counts, nil
}

// Comments

// EnsureRootComment returns the article's hidden root comment, creating it
// on first access. Visible comments attach to it or to each other.
func (s *PostgresStore) EnsureRootComment(ctx context.Context, id string, articleID int64) (Comment, error) {
	const upsert = `
		INSERT INTO comments (id, article_id, content, is_root)
		VALUES ($1, $2, '', TRUE)
		ON CONFLICT (article_id) WHERE is_root DO UPDATE SET is_root = TRUE
		RETURNING id, article_id, device_id, parent_id, content, is_root, created_at, updated_at
	`
	var comment Comment
	err := s.db.QueryRowContext(ctx, upsert, id, articleID).Scan(
		&comment.ID, &comment.ArticleID, &comment.DeviceID, &comment.ParentID,
		&comment.Content, &comment.IsRoot, &comment.CreatedAt, &comment.UpdatedAt,
	)
	if err != nil {
		return Comment{}, fmt.Errorf("ensure root comment: %w", err)
	}
	return comment, nil
}

func (s *PostgresStore) GetComment(ctx context.Context, commentID string) (Comment, error) {
	const query = `
		SELECT id, article_id, device_id, parent_id, content, is_root, created_at, updated_at
		FROM comments WHERE id = $1
	`
	var comment Comment
	err := s.db.QueryRowContext(ctx, query, commentID).Scan(
		&comment.ID, &comment.ArticleID, &comment.DeviceID, &comment.ParentID,
		&comment.Content, &comment.IsRoot, &comment.CreatedAt, &comment.UpdatedAt,
	)
	if err != nil {
		return Comment{}, err
	}
	return comment, nil
}

func (s *PostgresStore) InsertComment(ctx context.Context, comment Comment) error {
	const insert = `
		INSERT INTO comments (id, article_id, device_id, parent_id, content)
		VALUES ($1, $2, $3, $4, $5)
	`
	if _, err := s.db.ExecContext(ctx, insert,
		comment.ID, comment.ArticleID, comment.DeviceID, comment.ParentID, comment.Content,
	); err != nil {
		return fmt.Errorf("insert comment: %w", err)
	}
	return nil
}

// ListComments returns the visible comments of an article, oldest first.
func (s *PostgresStore) ListComments(ctx context.Context, articleID int64) ([]Comment, error) {
	const query = `
		SELECT id, article_id, device_id, parent_id, content, is_root, created_at, updated_at
		FROM comments WHERE article_id = $1 AND NOT is_root
		ORDER BY created_at
	`
	rows, err := s.db.QueryContext(ctx, query, articleID)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()

	var comments []Comment
	for rows.Next() {
		var comment Comment
		if err := rows.Scan(
			&comment.ID, &comment.ArticleID, &comment.DeviceID, &comment.ParentID,
			&comment.Content, &comment.IsRoot, &comment.CreatedAt, &comment.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		comments = append(comments, comment)
	}
	return comments, rows.Err()
}

func (s *PostgresStore) CountComments(ctx context.Context, articleID int64) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM comments WHERE article_id = $1 AND NOT is_root`, articleID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count comments: %w", err)
	}
	return count, nil
}

// Temporary authentication codes

func (s *PostgresStore) InsertTempCode(ctx context.Context, code TempCode) error {
	const insert = `
		INSERT INTO temp_codes (id, email, code_hash, device_uuid)
		VALUES ($1, $2, $3, NULLIF($4, ''))
	`
	if _, err := s.db.ExecContext(ctx, insert, code.ID, code.Email, code.CodeHash, code.DeviceUUID); err != nil {
		return fmt.Errorf("insert temp code: %w", err)
	}
	return nil
}

// LookupTempCode finds the newest unused code row matching email and hash.
func (s *PostgresStore) LookupTempCode(ctx context.Context, email, codeHash string) (TempCode, error) {
	const query = `
		SELECT id, email, code_hash, COALESCE(device_uuid, ''), used, created_at
		FROM temp_codes
		WHERE email = $1 AND code_hash = $2 AND NOT used
		ORDER BY created_at DESC
		LIMIT 1
	`
	var code TempCode
	err := s.db.QueryRowContext(ctx, query, strings.ToLower(strings.TrimSpace(email)), codeHash).Scan(
		&code.ID, &code.Email, &code.CodeHash, &code.DeviceUUID, &code.Used, &code.CreatedAt,
	)
	if err != nil {
		return TempCode{}, err
	}
	return code, nil
}

func (s *PostgresStore) MarkTempCodeUsed(ctx context.Context, codeID string) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE temp_codes SET used = TRUE WHERE id = $1`, codeID); err != nil {
		return fmt.Errorf("mark temp code used: %w", err)
	}
	return nil
}

// DeleteExpiredTempCodes removes codes older than the cutoff.
func (s *PostgresStore) DeleteExpiredTempCodes(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM temp_codes WHERE created_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("delete expired temp codes: %w", err)
	}
	return result.RowsAffected()
}

// Refresh sessions

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id = EXCLUDED.user_id, expires_at = EXCLUDED.expires_at
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	const query = `
		SELECT u.id, u.email, u.username, u.receive_newsletter, u.created_at
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		WHERE rs.token_hash = $1 AND rs.expires_at > now()
	`
	var user User
	err := s.db.QueryRowContext(ctx, query, tokenHash).Scan(
		&user.ID, &user.Email, &user.Username, &user.ReceiveNewsletter, &user.CreatedAt,
	)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM refresh_sessions WHERE token_hash = $1`, tokenHash); err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}
