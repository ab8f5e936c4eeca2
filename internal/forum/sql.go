package forum

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"examhub/internal/model"
)

// SQLStore keeps the forum in MySQL.
type SQLStore struct {
	db *sql.DB
	sb sq.StatementBuilderType
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, sb: sq.StatementBuilder.PlaceholderFormat(sq.Question)}
}

var messageColumns = []string{
	"id", "author_id", "author_name", "author_staff", "content", "created_at",
	"reply_to", "reply_to_attachment", "deleted", "deleted_by", "deleted_at",
	"edited", "edited_at",
}

var attachmentColumns = []string{
	"id", "message_id", "uploaded_by", "path", "name", "size", "digest", "kind", "uploaded_at",
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*model.Message, error) {
	var (
		m                                     model.Message
		content, replyTo, replyToAtt, deleted sql.NullString
		deletedAt, editedAt                   sql.NullTime
	)
	err := row.Scan(&m.ID, &m.AuthorID, &m.AuthorName, &m.AuthorStaff, &content, &m.CreatedAt,
		&replyTo, &replyToAtt, &m.Deleted, &deleted, &deletedAt, &m.Edited, &editedAt)
	if err != nil {
		return nil, err
	}
	m.Content = nullString(content)
	m.ReplyTo = nullString(replyTo)
	m.ReplyToAttachment = nullString(replyToAtt)
	m.DeletedBy = nullString(deleted)
	m.DeletedAt = nullTime(deletedAt)
	m.EditedAt = nullTime(editedAt)
	m.HiddenFor = make(map[string]struct{})
	return &m, nil
}

func scanAttachment(row rowScanner) (*model.Attachment, error) {
	var (
		a         model.Attachment
		messageID sql.NullString
		kind      string
	)
	err := row.Scan(&a.ID, &messageID, &a.UploadedBy, &a.Path, &a.Name, &a.Size, &a.Digest, &kind, &a.UploadedAt)
	if err != nil {
		return nil, err
	}
	a.MessageID = nullString(messageID)
	a.Kind = model.AttachmentKind(kind)
	return &a, nil
}

func nullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func nullTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func (s *SQLStore) CreateMessage(ctx context.Context, m *model.Message, attachmentIDs []string) (*model.Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	query, args, err := s.sb.Insert("forum_messages").
		Columns("author_id", "author_name", "author_staff", "content", "created_at", "reply_to", "reply_to_attachment").
		Values(m.AuthorID, m.AuthorName, m.AuthorStaff, m.Content, m.CreatedAt, m.ReplyTo, m.ReplyToAttachment).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build insert: %w", err)
	}
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	lastInsertID, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	id := fmt.Sprintf("%d", lastInsertID)

	if ids := dedupe(attachmentIDs); len(ids) > 0 {
		query, args, err := s.sb.Update("forum_attachments").
			Set("message_id", lastInsertID).
			Where(sq.Eq{"id": ids, "message_id": nil, "uploaded_by": m.AuthorID}).
			ToSql()
		if err != nil {
			return nil, fmt.Errorf("build attach: %w", err)
		}
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("attach files: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("attach files: %w", err)
		}
		if n != int64(len(ids)) {
			return nil, ErrBadAttachment
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit message: %w", err)
	}

	stored := m.Clone()
	stored.ID = id
	return stored, nil
}

func (s *SQLStore) GetMessage(ctx context.Context, id string) (*model.Message, error) {
	query, args, err := s.sb.Select(messageColumns...).From("forum_messages").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}
	m, err := scanMessage(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select message %s: %w", id, err)
	}

	query, args, err = s.sb.Select("user_id").From("forum_message_hidden").Where(sq.Eq{"message_id": id}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select hidden: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var user string
		if err := rows.Scan(&user); err != nil {
			return nil, fmt.Errorf("scan hidden: %w", err)
		}
		m.HiddenFor[user] = struct{}{}
	}
	return m, rows.Err()
}

func (s *SQLStore) ListMessages(ctx context.Context, beforeID int64, limit int, viewer string) ([]*model.Message, error) {
	q := s.sb.Select(messageColumns...).
		From("forum_messages").
		Where(sq.Eq{"deleted": false}).
		Where("NOT EXISTS (SELECT 1 FROM forum_message_hidden h WHERE h.message_id = forum_messages.id AND h.user_id = ?)", viewer).
		OrderBy("id DESC").
		Limit(uint64(limit))
	if beforeID > 0 {
		q = q.Where(sq.Lt{"id": beforeID})
	}
	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select messages: %w", err)
	}
	defer rows.Close()

	var out []*model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// execLive runs an update restricted to a live message.
func (s *SQLStore) execLive(ctx context.Context, id string, b sq.UpdateBuilder) error {
	query, args, err := b.Where(sq.Eq{"id": id, "deleted": false}).ToSql()
	if err != nil {
		return fmt.Errorf("build update: %w", err)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update message %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update message %s: %w", id, err)
	}
	if n == 0 {
		return ErrMessageNotFound
	}
	return nil
}

func (s *SQLStore) UpdateContent(ctx context.Context, id, content string, at time.Time) error {
	return s.execLive(ctx, id, s.sb.Update("forum_messages").
		Set("content", content).
		Set("edited", true).
		Set("edited_at", at))
}

func (s *SQLStore) MarkDeleted(ctx context.Context, id, by string, at time.Time) error {
	return s.execLive(ctx, id, s.sb.Update("forum_messages").
		Set("deleted", true).
		Set("deleted_by", by).
		Set("deleted_at", at).
		Set("content", nil))
}

func (s *SQLStore) Hide(ctx context.Context, id, userID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// 全体削除と競合しないよう行をロックしてから確認する
	query, args, err := s.sb.Select("id").
		From("forum_messages").
		Where(sq.Eq{"id": id, "deleted": false}).
		Suffix("FOR UPDATE").
		ToSql()
	if err != nil {
		return fmt.Errorf("build hide: %w", err)
	}
	var found string
	if err := tx.QueryRowContext(ctx, query, args...).Scan(&found); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrMessageNotFound
		}
		return fmt.Errorf("hide message %s: %w", id, err)
	}

	query, args, err = s.sb.Insert("forum_message_hidden").
		Options("IGNORE").
		Columns("message_id", "user_id").
		Values(id, userID).
		ToSql()
	if err != nil {
		return fmt.Errorf("build hide: %w", err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("hide message %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit hide: %w", err)
	}
	return nil
}

func (s *SQLStore) RecordSeen(ctx context.Context, id, userID string, at time.Time) error {
	query, args, err := s.sb.Insert("forum_message_seen").
		Options("IGNORE").
		Columns("message_id", "user_id", "seen_at").
		Values(id, userID, at).
		ToSql()
	if err != nil {
		return fmt.Errorf("build seen: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("record seen %s: %w", id, err)
	}
	return nil
}

func (s *SQLStore) CreateAttachment(ctx context.Context, a *model.Attachment) (*model.Attachment, error) {
	query, args, err := s.sb.Insert("forum_attachments").
		Columns("message_id", "uploaded_by", "path", "name", "size", "digest", "kind", "uploaded_at").
		Values(a.MessageID, a.UploadedBy, a.Path, a.Name, a.Size, a.Digest, string(a.Kind), a.UploadedAt).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build insert: %w", err)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("insert attachment: %w", err)
	}
	lastInsertID, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("insert attachment: %w", err)
	}
	out := *a
	out.ID = fmt.Sprintf("%d", lastInsertID)
	return &out, nil
}

func (s *SQLStore) GetAttachment(ctx context.Context, id string) (*model.Attachment, error) {
	query, args, err := s.sb.Select(attachmentColumns...).From("forum_attachments").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}
	a, err := scanAttachment(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAttachmentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select attachment %s: %w", id, err)
	}
	return a, nil
}

func (s *SQLStore) Attachments(ctx context.Context, messageIDs []string) (map[string][]*model.Attachment, error) {
	out := make(map[string][]*model.Attachment)
	if len(messageIDs) == 0 {
		return out, nil
	}
	query, args, err := s.sb.Select(attachmentColumns...).
		From("forum_attachments").
		Where(sq.Eq{"message_id": messageIDs}).
		OrderBy("uploaded_at", "id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select attachments: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		a, err := scanAttachment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan attachment: %w", err)
		}
		out[*a.MessageID] = append(out[*a.MessageID], a)
	}
	return out, rows.Err()
}

func (s *SQLStore) DeleteAttachment(ctx context.Context, id string) error {
	query, args, err := s.sb.Delete("forum_attachments").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return fmt.Errorf("build delete: %w", err)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("delete attachment %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAttachmentNotFound
	}
	return nil
}
