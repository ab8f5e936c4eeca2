package forum

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"examhub/internal/model"
)

// MemoryStore is the in-process Store used without a database. A single
// mutex makes every operation, including post plus attachment association,
// atomic.
type MemoryStore struct {
	mu          sync.RWMutex
	lastMessage int64
	lastAttach  int64
	messages    map[int64]*model.Message
	attachments map[string]*model.Attachment
	seen        map[string]map[string]time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages:    make(map[int64]*model.Message),
		attachments: make(map[string]*model.Attachment),
		seen:        make(map[string]map[string]time.Time),
	}
}

func (s *MemoryStore) CreateMessage(_ context.Context, m *model.Message, attachmentIDs []string) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := dedupe(attachmentIDs)
	for _, id := range ids {
		a, ok := s.attachments[id]
		if !ok || a.MessageID != nil || a.UploadedBy != m.AuthorID {
			return nil, ErrBadAttachment
		}
	}

	s.lastMessage++
	stored := m.Clone()
	stored.ID = strconv.FormatInt(s.lastMessage, 10)
	s.messages[s.lastMessage] = stored
	for _, id := range ids {
		mid := stored.ID
		s.attachments[id].MessageID = &mid
	}
	return stored.Clone(), nil
}

func (s *MemoryStore) lookup(id string) (*model.Message, bool) {
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return nil, false
	}
	m, ok := s.messages[n]
	return m, ok
}

func (s *MemoryStore) GetMessage(_ context.Context, id string) (*model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.lookup(id)
	if !ok {
		return nil, ErrMessageNotFound
	}
	return m.Clone(), nil
}

func (s *MemoryStore) ListMessages(_ context.Context, beforeID int64, limit int, viewer string) ([]*model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]int64, 0, len(s.messages))
	for id := range s.messages {
		if beforeID > 0 && id >= beforeID {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] > ids[j] })

	var out []*model.Message
	for _, id := range ids {
		m := s.messages[id]
		if m.Deleted || m.IsHiddenFor(viewer) {
			continue
		}
		out = append(out, m.Clone())
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) live(id string) (*model.Message, error) {
	m, ok := s.lookup(id)
	if !ok || m.Deleted {
		return nil, ErrMessageNotFound
	}
	return m, nil
}

func (s *MemoryStore) UpdateContent(_ context.Context, id, content string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.live(id)
	if err != nil {
		return err
	}
	m.Content = &content
	m.Edited = true
	m.EditedAt = &at
	return nil
}

func (s *MemoryStore) MarkDeleted(_ context.Context, id, by string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.live(id)
	if err != nil {
		return err
	}
	m.Deleted = true
	m.DeletedBy = &by
	m.DeletedAt = &at
	m.Content = nil
	return nil
}

func (s *MemoryStore) Hide(_ context.Context, id, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.live(id)
	if err != nil {
		return err
	}
	if m.HiddenFor == nil {
		m.HiddenFor = make(map[string]struct{})
	}
	m.HiddenFor[userID] = struct{}{}
	return nil
}

func (s *MemoryStore) RecordSeen(_ context.Context, id, userID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.lookup(id); !ok {
		return ErrMessageNotFound
	}
	users, ok := s.seen[id]
	if !ok {
		users = make(map[string]time.Time)
		s.seen[id] = users
	}
	if _, dup := users[userID]; !dup {
		users[userID] = at
	}
	return nil
}

// SeenBy returns the users who have seen message id.
func (s *MemoryStore) SeenBy(id string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for u := range s.seen[id] {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

func (s *MemoryStore) CreateAttachment(_ context.Context, a *model.Attachment) (*model.Attachment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastAttach++
	stored := *a
	stored.ID = strconv.FormatInt(s.lastAttach, 10)
	s.attachments[stored.ID] = &stored
	out := stored
	return &out, nil
}

func (s *MemoryStore) GetAttachment(_ context.Context, id string) (*model.Attachment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.attachments[id]
	if !ok {
		return nil, ErrAttachmentNotFound
	}
	out := *a
	return &out, nil
}

func (s *MemoryStore) Attachments(_ context.Context, messageIDs []string) (map[string][]*model.Attachment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	want := make(map[string]bool, len(messageIDs))
	for _, id := range messageIDs {
		want[id] = true
	}
	out := make(map[string][]*model.Attachment)
	for _, a := range s.attachments {
		if a.MessageID != nil && want[*a.MessageID] {
			c := *a
			out[*a.MessageID] = append(out[*a.MessageID], &c)
		}
	}
	for _, list := range out {
		sortAttachments(list)
	}
	return out, nil
}

func (s *MemoryStore) DeleteAttachment(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.attachments[id]; !ok {
		return ErrAttachmentNotFound
	}
	delete(s.attachments, id)
	return nil
}

func sortAttachments(list []*model.Attachment) {
	sort.Slice(list, func(i, j int) bool {
		if !list[i].UploadedAt.Equal(list[j].UploadedAt) {
			return list[i].UploadedAt.Before(list[j].UploadedAt)
		}
		a, _ := strconv.ParseInt(list[i].ID, 10, 64)
		b, _ := strconv.ParseInt(list[j].ID, 10, 64)
		return a < b
	})
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
