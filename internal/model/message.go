package model

import "time"

// Message represents a forum message
type Message struct {
	ID                string
	AuthorID          string
	AuthorName        string
	AuthorStaff       bool
	Content           *string
	CreatedAt         time.Time
	ReplyTo           *string
	ReplyToAttachment *string
	Deleted           bool
	DeletedBy         *string
	DeletedAt         *time.Time
	Edited            bool
	EditedAt          *time.Time
	// HiddenFor holds users who deleted the message for themselves only.
	HiddenFor map[string]struct{}
}

// IsHiddenFor reports whether userID hid the message for themselves.
func (m *Message) IsHiddenFor(userID string) bool {
	_, ok := m.HiddenFor[userID]
	return ok
}

// Clone returns a deep copy so stores can hand out values safely.
func (m *Message) Clone() *Message {
	c := *m
	if m.Content != nil {
		s := *m.Content
		c.Content = &s
	}
	c.HiddenFor = make(map[string]struct{}, len(m.HiddenFor))
	for k := range m.HiddenFor {
		c.HiddenFor[k] = struct{}{}
	}
	return &c
}

// AttachmentKind is derived from the file extension.
type AttachmentKind string

const (
	KindImage    AttachmentKind = "image"
	KindVideo    AttachmentKind = "video"
	KindArchive  AttachmentKind = "archive"
	KindDocument AttachmentKind = "document"
)

// Attachment is a file uploaded to the forum. MessageID is nil while the
// upload waits to be posted with a message; it is the only link between
// the two.
type Attachment struct {
	ID         string
	MessageID  *string
	UploadedBy string
	Path       string
	Name       string
	Size       int64
	Digest     string
	Kind       AttachmentKind
	UploadedAt time.Time
}

// UserRef is the author block embedded in message views.
type UserRef struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	IsStaff  bool   `json:"is_staff"`
}

// AttachmentView is the wire form of an attachment.
type AttachmentView struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Kind       AttachmentKind `json:"kind"`
	Size       int64          `json:"size"`
	URL        string         `json:"url"`
	UploadedAt time.Time      `json:"uploaded_at"`
}

// MessageView is the wire form of a message. Redacted messages carry only
// the identity and deletion fields.
type MessageView struct {
	ID                string           `json:"id"`
	User              UserRef          `json:"user"`
	Content           *string          `json:"content,omitempty"`
	CreatedAt         *time.Time       `json:"created_at,omitempty"`
	ReplyTo           *string          `json:"reply_to,omitempty"`
	ReplyToAttachment *string          `json:"reply_to_attachment,omitempty"`
	Deleted           bool             `json:"deleted"`
	DeletedBy         *string          `json:"deleted_by,omitempty"`
	DeletedAt         *time.Time       `json:"deleted_at,omitempty"`
	Edited            bool             `json:"edited"`
	EditedAt          *time.Time       `json:"edited_at,omitempty"`
	Attachments       []AttachmentView `json:"attachments,omitempty"`
}

// View serializes m with its attachments.
func View(m *Message, attachments []*Attachment) MessageView {
	v := MessageView{
		ID:   m.ID,
		User: UserRef{ID: m.AuthorID, Username: m.AuthorName, IsStaff: m.AuthorStaff},
	}
	if m.Deleted {
		v.Deleted = true
		v.DeletedBy = m.DeletedBy
		v.DeletedAt = m.DeletedAt
		return v
	}
	created := m.CreatedAt
	v.Content = m.Content
	v.CreatedAt = &created
	v.ReplyTo = m.ReplyTo
	v.ReplyToAttachment = m.ReplyToAttachment
	v.Edited = m.Edited
	v.EditedAt = m.EditedAt
	for _, a := range attachments {
		v.Attachments = append(v.Attachments, ViewAttachment(a))
	}
	return v
}

// ViewAttachment serializes a single attachment.
func ViewAttachment(a *Attachment) AttachmentView {
	return AttachmentView{
		ID:         a.ID,
		Name:       a.Name,
		Kind:       a.Kind,
		Size:       a.Size,
		URL:        "/forum/attachments/" + a.ID,
		UploadedAt: a.UploadedAt,
	}
}
