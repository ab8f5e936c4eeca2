package token

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"examhub/internal/model"
)

// SQLStore keeps tokens in the download_tokens table.
type SQLStore struct {
	db *sql.DB
	sb sq.StatementBuilderType
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, sb: sq.StatementBuilder.PlaceholderFormat(sq.Question)}
}

func (s *SQLStore) Upsert(ctx context.Context, t model.DownloadToken) (model.DownloadToken, error) {
	query, args, err := s.sb.Insert("download_tokens").
		Columns("id", "item_id", "token", "expires_at", "remaining_uses").
		Values(t.ID, t.ItemID, t.Token, t.ExpiresAt, t.RemainingUses).
		Suffix("ON DUPLICATE KEY UPDATE expires_at = VALUES(expires_at), remaining_uses = VALUES(remaining_uses)").
		ToSql()
	if err != nil {
		return model.DownloadToken{}, fmt.Errorf("build upsert: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return model.DownloadToken{}, fmt.Errorf("upsert token for item %s: %w", t.ItemID, err)
	}
	return s.getBy(ctx, sq.Eq{"item_id": t.ItemID})
}

func (s *SQLStore) Get(ctx context.Context, token string) (model.DownloadToken, error) {
	return s.getBy(ctx, sq.Eq{"token": token})
}

func (s *SQLStore) getBy(ctx context.Context, where sq.Eq) (model.DownloadToken, error) {
	query, args, err := s.sb.Select("id", "item_id", "token", "expires_at", "remaining_uses").
		From("download_tokens").
		Where(where).
		ToSql()
	if err != nil {
		return model.DownloadToken{}, fmt.Errorf("build select: %w", err)
	}
	var t model.DownloadToken
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&t.ID, &t.ItemID, &t.Token, &t.ExpiresAt, &t.RemainingUses)
	if errors.Is(err, sql.ErrNoRows) {
		return model.DownloadToken{}, ErrNotFound
	}
	if err != nil {
		return model.DownloadToken{}, fmt.Errorf("select token: %w", err)
	}
	return t, nil
}

func (s *SQLStore) Decrement(ctx context.Context, token string, now time.Time) (bool, error) {
	query, args, err := s.sb.Update("download_tokens").
		Set("remaining_uses", sq.Expr("remaining_uses - 1")).
		Where(sq.Eq{"token": token}).
		Where(sq.Gt{"remaining_uses": 0}).
		Where(sq.Gt{"expires_at": now.UTC()}).
		ToSql()
	if err != nil {
		return false, fmt.Errorf("build decrement: %w", err)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("decrement token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("decrement token: %w", err)
	}
	return n == 1, nil
}
