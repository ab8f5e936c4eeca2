package hub

import (
	"encoding/json"
	"fmt"
	"time"

	"examhub/internal/model"
)

// ForumRoom is the single room every forum session joins.
const ForumRoom = "forum"

// Event types on the wire.
const (
	TypeNewMessage    = "new_message"
	TypeUpdateMessage = "update_message"
	TypeDeleteMessage = "delete_message"
	TypeTyping        = "typing"
	TypeTypingStopped = "typing_stopped"
	TypeUserStatus    = "user_status"
	TypeMessageSeen   = "message_seen"
	TypeNotification  = "notification"
	TypeError         = "error"
)

func stamp(t time.Time) string { return t.UTC().Format(time.RFC3339) }

func encode(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		// only plain structs are encoded here
		panic(fmt.Sprintf("hub: encode %T: %v", v, err))
	}
	return b
}

type newMessageBody struct {
	Type      string            `json:"type"`
	Message   model.MessageView `json:"message"`
	Timestamp string            `json:"timestamp"`
}

// NewMessage announces a posted message. Each user receives it at most
// once per message id, whichever session gets it first.
func NewMessage(msg model.MessageView, at time.Time) Event {
	return Event{
		Room:     ForumRoom,
		Type:     TypeNewMessage,
		DedupKey: "message:" + msg.ID,
		Body:     encode(newMessageBody{Type: TypeNewMessage, Message: msg, Timestamp: stamp(at)}),
	}
}

type updateMessageBody struct {
	Type        string                 `json:"type"`
	MessageID   string                 `json:"message_id"`
	Content     *string                `json:"content"`
	Edited      bool                   `json:"edited"`
	EditedAt    *time.Time             `json:"edited_at,omitempty"`
	Attachments []model.AttachmentView `json:"attachments"`
	Timestamp   string                 `json:"timestamp"`
}

// UpdateMessage announces an edit or an attachment removal.
func UpdateMessage(msg model.MessageView, at time.Time) Event {
	atts := msg.Attachments
	if atts == nil {
		atts = []model.AttachmentView{}
	}
	return Event{
		Room: ForumRoom,
		Type: TypeUpdateMessage,
		Body: encode(updateMessageBody{
			Type:        TypeUpdateMessage,
			MessageID:   msg.ID,
			Content:     msg.Content,
			Edited:      msg.Edited,
			EditedAt:    msg.EditedAt,
			Attachments: atts,
			Timestamp:   stamp(at),
		}),
	}
}

type deleteMessageBody struct {
	Type          string    `json:"type"`
	MessageID     string    `json:"message_id"`
	Deleted       bool      `json:"deleted"`
	DeletedForAll bool      `json:"deleted_for_all"`
	DeletedBy     string    `json:"deleted_by"`
	DeletedAt     time.Time `json:"deleted_at"`
	Timestamp     string    `json:"timestamp"`
}

// DeleteMessage announces a deletion. A hide-for-self deletion is targeted
// at the requester only.
func DeleteMessage(messageID, deletedBy string, forAll bool, at time.Time) Event {
	ev := Event{
		Room: ForumRoom,
		Type: TypeDeleteMessage,
		Body: encode(deleteMessageBody{
			Type:          TypeDeleteMessage,
			MessageID:     messageID,
			Deleted:       true,
			DeletedForAll: forAll,
			DeletedBy:     deletedBy,
			DeletedAt:     at.UTC(),
			Timestamp:     stamp(at),
		}),
	}
	if !forAll {
		ev.TargetUser = deletedBy
	}
	return ev
}

type typingBody struct {
	Type      string `json:"type"`
	UserID    string `json:"user_id"`
	Username  string `json:"username"`
	IsTyping  bool   `json:"is_typing"`
	Timestamp string `json:"timestamp"`
}

func Typing(userID, username string, at time.Time) Event {
	return Event{
		Room: ForumRoom,
		Type: TypeTyping,
		Body: encode(typingBody{Type: TypeTyping, UserID: userID, Username: username, IsTyping: true, Timestamp: stamp(at)}),
	}
}

func TypingStopped(userID, username string, at time.Time) Event {
	return Event{
		Room: ForumRoom,
		Type: TypeTypingStopped,
		Body: encode(typingBody{Type: TypeTypingStopped, UserID: userID, Username: username, IsTyping: false, Timestamp: stamp(at)}),
	}
}

type userStatusBody struct {
	Type      string               `json:"type"`
	UserID    string               `json:"user_id"`
	Username  string               `json:"username"`
	Status    model.PresenceStatus `json:"status"`
	Timestamp string               `json:"timestamp"`
}

func UserStatus(userID, username string, status model.PresenceStatus, at time.Time) Event {
	return Event{
		Room: ForumRoom,
		Type: TypeUserStatus,
		Body: encode(userStatusBody{Type: TypeUserStatus, UserID: userID, Username: username, Status: status, Timestamp: stamp(at)}),
	}
}

type messageSeenBody struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id"`
	UserID    string `json:"user_id"`
	Username  string `json:"username"`
	Timestamp string `json:"timestamp"`
}

func MessageSeen(messageID, userID, username string, at time.Time) Event {
	return Event{
		Room: ForumRoom,
		Type: TypeMessageSeen,
		Body: encode(messageSeenBody{Type: TypeMessageSeen, MessageID: messageID, UserID: userID, Username: username, Timestamp: stamp(at)}),
	}
}

type notificationBody struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	Payload   any    `json:"payload,omitempty"`
	Timestamp string `json:"timestamp"`
}

// Notification is delivered only to the sessions of userID.
func Notification(userID, message string, payload any, at time.Time) Event {
	return Event{
		Room:       ForumRoom,
		Type:       TypeNotification,
		TargetUser: userID,
		Body:       encode(notificationBody{Type: TypeNotification, Message: message, Payload: payload, Timestamp: stamp(at)}),
	}
}

type errorBody struct {
	Type      string `json:"type"`
	Error     string `json:"error"`
	Ref       string `json:"ref,omitempty"`
	Timestamp string `json:"timestamp"`
}

// ErrorFrame encodes an error reply for a single session. It never goes
// through the hub.
func ErrorFrame(msg, ref string, at time.Time) []byte {
	return encode(errorBody{Type: TypeError, Error: msg, Ref: ref, Timestamp: stamp(at)})
}
