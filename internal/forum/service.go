// Package forum implements the message store: posting, editing, deleting
// and paging forum messages and their attachments. Every mutation is
// announced through the hub.
package forum

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/microcosm-cc/bluemonday"

	"examhub/internal/blob"
	"examhub/internal/hub"
	"examhub/internal/logger"
	"examhub/internal/model"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100

	attachmentPrefix = "forum_attachments"
)

// Publisher sends an event to the room.
type Publisher interface {
	Publish(ctx context.Context, ev hub.Event) error
}

// Options configure a Service.
type Options struct {
	Store        Store
	Blobs        *blob.Store
	Publisher    Publisher
	Clock        clockwork.Clock
	EditWindow   time.Duration
	DeleteWindow time.Duration
}

type Service struct {
	store        Store
	blobs        *blob.Store
	pub          Publisher
	clock        clockwork.Clock
	policy       *bluemonday.Policy
	editWindow   time.Duration
	deleteWindow time.Duration
}

func NewService(o Options) *Service {
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	if o.EditWindow <= 0 {
		o.EditWindow = 5 * time.Minute
	}
	if o.DeleteWindow <= 0 {
		o.DeleteWindow = 5 * time.Minute
	}
	return &Service{
		store:        o.Store,
		blobs:        o.Blobs,
		pub:          o.Publisher,
		clock:        o.Clock,
		policy:       newPolicy(),
		editWindow:   o.EditWindow,
		deleteWindow: o.DeleteWindow,
	}
}

// PostInput is a new message.
type PostInput struct {
	Content           string   `json:"content"`
	AttachmentIDs     []string `json:"attachment_ids"`
	ReplyTo           string   `json:"reply_to"`
	ReplyToAttachment string   `json:"reply_to_attachment"`
}

// DeleteResult tells the requester how far a deletion reached.
type DeleteResult struct {
	MessageID     string `json:"message_id"`
	DeletedForAll bool   `json:"deleted_for_all"`
}

// Page is one slice of the feed, newest first.
type Page struct {
	Messages []model.MessageView `json:"messages"`
	HasMore  bool                `json:"has_more"`
}

// canParticipate is the "has paid" check. Staff always participate.
func canParticipate(id model.Identity) bool {
	return id.UserID != "" && (id.ForumAccess || id.IsStaff)
}

// Sanitize strips markup outside the allow-list.
func (s *Service) Sanitize(content string) string {
	return strings.TrimSpace(s.policy.Sanitize(content))
}

func (s *Service) publish(ctx context.Context, ev hub.Event) {
	if s.pub == nil {
		return
	}
	if err := s.pub.Publish(ctx, ev); err != nil {
		logger.Errorf("[forum] failed to broadcast %s: %v", ev.Type, err)
	}
}

// Post stores a message and associates its pending attachments atomically.
func (s *Service) Post(ctx context.Context, author model.Identity, in PostInput) (model.MessageView, error) {
	if !canParticipate(author) {
		return model.MessageView{}, ErrNoAccess
	}
	raw := strings.TrimSpace(in.Content)
	ids := dedupe(in.AttachmentIDs)
	if raw == "" && len(ids) == 0 {
		return model.MessageView{}, ErrEmptyMessage
	}
	content := s.Sanitize(raw)
	if content == "" && len(ids) == 0 {
		return model.MessageView{}, ErrEmptyMessage
	}

	m := &model.Message{
		AuthorID:    author.UserID,
		AuthorName:  author.Username,
		AuthorStaff: author.IsStaff,
		Content:     &content,
		CreatedAt:   s.clock.Now().UTC(),
	}

	if in.ReplyTo != "" {
		target, err := s.store.GetMessage(ctx, in.ReplyTo)
		if errors.Is(err, ErrMessageNotFound) || (err == nil && target.Deleted) {
			return model.MessageView{}, ErrReplyNotFound
		}
		if err != nil {
			return model.MessageView{}, err
		}
		m.ReplyTo = &target.ID
	}
	if in.ReplyToAttachment != "" {
		a, err := s.store.GetAttachment(ctx, in.ReplyToAttachment)
		if errors.Is(err, ErrAttachmentNotFound) {
			return model.MessageView{}, ErrReplyNotFound
		}
		if err != nil {
			return model.MessageView{}, err
		}
		if a.MessageID != nil {
			owner, err := s.store.GetMessage(ctx, *a.MessageID)
			if err != nil || owner.Deleted {
				return model.MessageView{}, ErrReplyNotFound
			}
		}
		m.ReplyToAttachment = &a.ID
	}

	stored, err := s.store.CreateMessage(ctx, m, ids)
	if err != nil {
		return model.MessageView{}, err
	}

	view, err := s.view(ctx, stored)
	if err != nil {
		return model.MessageView{}, err
	}
	logger.Infof("[forum] ✅ Created message: ID=%s by %s (%d attachment(s))", stored.ID, author.UserID, len(view.Attachments))
	s.publish(ctx, hub.NewMessage(view, s.clock.Now()))
	return view, nil
}

// Edit replaces the content of a message. Authors may edit within the edit
// window; staff at any time.
func (s *Service) Edit(ctx context.Context, editor model.Identity, id, content string) (model.MessageView, error) {
	m, err := s.liveMessage(ctx, id)
	if err != nil {
		return model.MessageView{}, err
	}
	now := s.clock.Now().UTC()
	withinWindow := m.AuthorID == editor.UserID && now.Sub(m.CreatedAt) < s.editWindow
	if !editor.IsStaff && !withinWindow {
		return model.MessageView{}, ErrEditForbidden
	}

	cleaned := s.Sanitize(strings.TrimSpace(content))
	if cleaned == "" {
		return model.MessageView{}, ErrEmptyContent
	}
	if err := s.store.UpdateContent(ctx, id, cleaned, now); err != nil {
		return model.MessageView{}, err
	}

	m.Content = &cleaned
	m.Edited = true
	m.EditedAt = &now
	view, err := s.view(ctx, m)
	if err != nil {
		return model.MessageView{}, err
	}
	logger.Infof("[forum] ✅ Edited message %s by %s", id, editor.UserID)
	s.publish(ctx, hub.UpdateMessage(view, now))
	return view, nil
}

// Delete redacts a message for everyone when requested by staff, or by the
// author within the delete window. Otherwise the author or any participant
// only hides it for themselves.
func (s *Service) Delete(ctx context.Context, requester model.Identity, id string) (DeleteResult, error) {
	m, err := s.liveMessage(ctx, id)
	if err != nil {
		return DeleteResult{}, err
	}
	now := s.clock.Now().UTC()
	isAuthor := m.AuthorID == requester.UserID
	forAll := requester.IsStaff || (isAuthor && now.Sub(m.CreatedAt) < s.deleteWindow)

	switch {
	case forAll:
		if err := s.store.MarkDeleted(ctx, id, requester.UserID, now); err != nil {
			return DeleteResult{}, err
		}
		logger.Infof("[forum] ✅ Message %s deleted for everyone by %s", id, requester.UserID)
	case isAuthor || canParticipate(requester):
		if err := s.store.Hide(ctx, id, requester.UserID); err != nil {
			return DeleteResult{}, err
		}
		logger.Infof("[forum] Message %s hidden for %s", id, requester.UserID)
	default:
		return DeleteResult{}, ErrDeleteForbidden
	}

	s.publish(ctx, hub.DeleteMessage(id, requester.UserID, forAll, now))
	return DeleteResult{MessageID: id, DeletedForAll: forAll}, nil
}

// ListPage returns up to limit messages older than beforeID. An unparsable
// beforeID is ignored; limit is clamped to 1..MaxPageSize.
func (s *Service) ListPage(ctx context.Context, viewer model.Identity, beforeID string, limit int) (Page, error) {
	if !canParticipate(viewer) {
		return Page{}, ErrNoAccess
	}
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	var before int64
	if beforeID != "" {
		n, err := strconv.ParseInt(beforeID, 10, 64)
		if err != nil || n <= 0 {
			logger.Warnf("[forum] ignoring invalid before_id %q", beforeID)
		} else {
			before = n
		}
	}

	msgs, err := s.store.ListMessages(ctx, before, limit, viewer.UserID)
	if err != nil {
		return Page{}, err
	}
	views, err := s.views(ctx, msgs)
	if err != nil {
		return Page{}, err
	}
	return Page{Messages: views, HasMore: len(views) == limit}, nil
}

// Get returns one message as viewer sees it. Deleted messages are only
// visible to staff, as tombstones.
func (s *Service) Get(ctx context.Context, viewer model.Identity, id string) (model.MessageView, error) {
	if !canParticipate(viewer) {
		return model.MessageView{}, ErrNoAccess
	}
	m, err := s.store.GetMessage(ctx, id)
	if err != nil {
		return model.MessageView{}, err
	}
	if (m.Deleted && !viewer.IsStaff) || m.IsHiddenFor(viewer.UserID) {
		return model.MessageView{}, ErrMessageNotFound
	}
	return s.view(ctx, m)
}

// RecordSeen stores a read receipt. It reports false, without error, when
// the message is unknown, deleted or written by the reader.
func (s *Service) RecordSeen(ctx context.Context, id string, reader model.Identity) (bool, error) {
	m, err := s.store.GetMessage(ctx, id)
	if errors.Is(err, ErrMessageNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if m.Deleted || m.AuthorID == reader.UserID {
		return false, nil
	}
	if err := s.store.RecordSeen(ctx, id, reader.UserID, s.clock.Now().UTC()); err != nil {
		return false, err
	}
	return true, nil
}

// liveMessage loads a message that has not been globally deleted.
func (s *Service) liveMessage(ctx context.Context, id string) (*model.Message, error) {
	m, err := s.store.GetMessage(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.Deleted {
		return nil, ErrMessageNotFound
	}
	return m, nil
}

func (s *Service) view(ctx context.Context, m *model.Message) (model.MessageView, error) {
	views, err := s.views(ctx, []*model.Message{m})
	if err != nil {
		return model.MessageView{}, err
	}
	return views[0], nil
}

func (s *Service) views(ctx context.Context, msgs []*model.Message) ([]model.MessageView, error) {
	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		if !m.Deleted {
			ids = append(ids, m.ID)
		}
	}
	atts, err := s.store.Attachments(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make([]model.MessageView, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, model.View(m, atts[m.ID]))
	}
	return out, nil
}
