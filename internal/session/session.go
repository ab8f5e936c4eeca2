// Package session runs one authenticated WebSocket connection: it joins the
// forum room, turns inbound frames into store and presence operations, and
// writes hub deliveries back to the client.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"examhub/internal/apperr"
	"examhub/internal/forum"
	"examhub/internal/hub"
	"examhub/internal/logger"
	"examhub/internal/metrics"
	"examhub/internal/model"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxFrameSize   = 64 << 10
	sendBufferSize = 64
)

// Room is the membership side of the hub.
type Room interface {
	Join(room string, m hub.Member) int
	Leave(room string, m hub.Member) int
}

// Forum is the subset of the message store reachable over the socket.
type Forum interface {
	Post(ctx context.Context, author model.Identity, in forum.PostInput) (model.MessageView, error)
	Edit(ctx context.Context, editor model.Identity, id, content string) (model.MessageView, error)
	Delete(ctx context.Context, requester model.Identity, id string) (forum.DeleteResult, error)
}

// Presence is the presence and typing tracker.
type Presence interface {
	SetStatus(ctx context.Context, user model.Identity, status model.PresenceStatus) error
	StartTyping(ctx context.Context, user model.Identity)
	StopTyping(ctx context.Context, user model.Identity) bool
	MarkSeen(ctx context.Context, messageID string, user model.Identity) (bool, error)
}

// Deps are shared by every session of the process.
type Deps struct {
	Room     Room
	Forum    Forum
	Presence Presence
	Clock    clockwork.Clock
	// Rate and Burst bound inbound frames per session. Zero disables it.
	Rate  float64
	Burst int
}

type Session struct {
	id      string
	user    model.Identity
	conn    *websocket.Conn
	deps    Deps
	clock   clockwork.Clock
	limiter *rate.Limiter

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// New wraps an upgraded connection of an authenticated user.
func New(conn *websocket.Conn, user model.Identity, deps Deps) *Session {
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	limit := rate.Inf
	if deps.Rate > 0 {
		limit = rate.Limit(deps.Rate)
	}
	burst := deps.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Session{
		id:      uuid.NewString(),
		user:    user,
		conn:    conn,
		deps:    deps,
		clock:   deps.Clock,
		limiter: rate.NewLimiter(limit, burst),
		send:    make(chan []byte, sendBufferSize),
		done:    make(chan struct{}),
	}
}

func (s *Session) ID() string     { return s.id }
func (s *Session) UserID() string { return s.user.UserID }

// Deliver queues a frame for the writer. A full buffer reports false and
// the hub drops the session.
func (s *Session) Deliver(frame []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- frame:
		return true
	default:
		return false
	}
}

// Close stops the session. The writer sends a close frame and releases the
// connection, which also ends the reader.
func (s *Session) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// Run serves the connection until the client leaves, the connection fails
// or ctx is done.
func (s *Session) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	n := s.deps.Room.Join(hub.ForumRoom, s)
	logger.Infof("[WebSocket] New connection %s user=%s. Total clients: %d", s.id, s.user.UserID, n)
	if err := s.deps.Presence.SetStatus(ctx, s.user, model.StatusOnline); err != nil {
		logger.Warnf("[WebSocket] failed to set %s online: %v", s.user.UserID, err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.writePump()
	}()
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.done:
		}
	}()

	s.readPump(ctx)
	s.Close()
	wg.Wait()

	remaining := s.deps.Room.Leave(hub.ForumRoom, s)
	// 接続終了後もブロードキャストは届ける
	cleanup, stop := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer stop()
	s.deps.Presence.StopTyping(cleanup, s.user)
	if err := s.deps.Presence.SetStatus(cleanup, s.user, model.StatusOffline); err != nil {
		logger.Warnf("[WebSocket] failed to set %s offline: %v", s.user.UserID, err)
	}
	logger.Infof("[WebSocket] Client %s disconnected. Total clients: %d", s.id, remaining)
}

func (s *Session) readPump(ctx context.Context) {
	s.conn.SetReadLimit(maxFrameSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		mt, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warnf("[WebSocket] read error on %s: %v", s.id, err)
			}
			return
		}
		if mt != websocket.TextMessage {
			metrics.InboundFrames.WithLabelValues("binary", "rejected").Inc()
			logger.Warnf("[WebSocket] ❌ binary frame from %s, closing", s.id)
			return
		}
		s.handle(ctx, data)
	}
}

func (s *Session) writePump() {
	ticker := s.clock.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case frame := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				logger.Warnf("[WebSocket] write error on %s: %v", s.id, err)
				s.Close()
				return
			}
		case <-ticker.Chan():
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.Close()
				return
			}
		case <-s.done:
			s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

// inbound is every field any client frame may carry.
type inbound struct {
	Type              string   `json:"type"`
	Ref               string   `json:"ref"`
	MessageID         string   `json:"message_id"`
	Status            string   `json:"status"`
	Content           string   `json:"content"`
	AttachmentIDs     []string `json:"attachment_ids"`
	ReplyTo           string   `json:"reply_to"`
	ReplyToAttachment string   `json:"reply_to_attachment"`
}

var (
	errBadFrame    = apperr.Invalid("invalid JSON")
	errUnknownType = apperr.Invalid("unknown message type")
	errRateLimited = apperr.Invalid("rate limit exceeded")
	errBadStatus   = apperr.Invalid("invalid status")
	errMissingID   = apperr.Invalid("message_id is required")
)

func (s *Session) handle(ctx context.Context, data []byte) {
	if !s.limiter.Allow() {
		metrics.InboundFrames.WithLabelValues("unknown", "rate_limited").Inc()
		s.replyError(errRateLimited, "")
		return
	}

	var in inbound
	if err := json.Unmarshal(data, &in); err != nil {
		metrics.InboundFrames.WithLabelValues("unknown", "invalid").Inc()
		logger.Warnf("[WebSocket] ❌ invalid JSON from %s: %v", s.id, err)
		s.replyError(errBadFrame, "")
		return
	}

	err := s.dispatch(ctx, in)
	switch {
	case errors.Is(err, errUnknownType):
		metrics.InboundFrames.WithLabelValues("unknown", "invalid").Inc()
		logger.Warnf("[WebSocket] ❌ unknown message type %q from %s", in.Type, s.id)
		s.replyError(err, in.Ref)
	case err != nil:
		metrics.InboundFrames.WithLabelValues(in.Type, "error").Inc()
		logger.Warnf("[WebSocket] ❌ %s from %s failed: %v", in.Type, s.id, err)
		s.replyError(err, in.Ref)
	default:
		metrics.InboundFrames.WithLabelValues(in.Type, "ok").Inc()
	}
}

func (s *Session) dispatch(ctx context.Context, in inbound) error {
	switch in.Type {
	case hub.TypeTyping:
		s.deps.Presence.StartTyping(ctx, s.user)
	case hub.TypeTypingStopped:
		s.deps.Presence.StopTyping(ctx, s.user)
	case hub.TypeUserStatus:
		status, ok := model.ParseStatus(in.Status)
		if !ok {
			return errBadStatus
		}
		return s.deps.Presence.SetStatus(ctx, s.user, status)
	case hub.TypeMessageSeen:
		if in.MessageID == "" {
			return errMissingID
		}
		_, err := s.deps.Presence.MarkSeen(ctx, in.MessageID, s.user)
		return err
	case "send_message":
		s.deps.Presence.StopTyping(ctx, s.user)
		_, err := s.deps.Forum.Post(ctx, s.user, forum.PostInput{
			Content:           in.Content,
			AttachmentIDs:     in.AttachmentIDs,
			ReplyTo:           in.ReplyTo,
			ReplyToAttachment: in.ReplyToAttachment,
		})
		return err
	case "edit_message":
		if in.MessageID == "" {
			return errMissingID
		}
		_, err := s.deps.Forum.Edit(ctx, s.user, in.MessageID, in.Content)
		return err
	case "delete_message":
		if in.MessageID == "" {
			return errMissingID
		}
		_, err := s.deps.Forum.Delete(ctx, s.user, in.MessageID)
		return err
	default:
		return errUnknownType
	}
	return nil
}

// replyError sends an error frame to this session only. Internal failures
// are not described to the client.
func (s *Session) replyError(err error, ref string) {
	if !s.Deliver(hub.ErrorFrame(apperr.Message(err), ref, s.clock.Now())) {
		s.Close()
	}
}
