// Package presence tracks who is online and who is typing. Status lives in
// the shared cache with a TTL; typing bursts are kept in process and end
// with exactly one typing_stopped event.
package presence

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"examhub/internal/cache"
	"examhub/internal/hub"
	"examhub/internal/logger"
	"examhub/internal/model"
)

const (
	DefaultTTL           = 5 * time.Minute
	DefaultTypingTimeout = 3 * time.Second
)

// Publisher sends an event to the room.
type Publisher interface {
	Publish(ctx context.Context, ev hub.Event) error
}

// SeenRecorder stores read receipts.
type SeenRecorder interface {
	RecordSeen(ctx context.Context, messageID string, reader model.Identity) (bool, error)
}

type Options struct {
	Cache         cache.Cache
	Publisher     Publisher
	Seen          SeenRecorder
	Clock         clockwork.Clock
	TTL           time.Duration
	TypingTimeout time.Duration
}

// burst is one uninterrupted run of typing frames from a user.
type burst struct {
	gen      uint64
	username string
	timer    clockwork.Timer
}

type Tracker struct {
	cache         cache.Cache
	pub           Publisher
	seen          SeenRecorder
	clock         clockwork.Clock
	ttl           time.Duration
	typingTimeout time.Duration

	mu     sync.Mutex
	gen    uint64
	typing map[string]*burst
}

func New(o Options) *Tracker {
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	if o.TTL <= 0 {
		o.TTL = DefaultTTL
	}
	if o.TypingTimeout <= 0 {
		o.TypingTimeout = DefaultTypingTimeout
	}
	return &Tracker{
		cache:         o.Cache,
		pub:           o.Publisher,
		seen:          o.Seen,
		clock:         o.Clock,
		ttl:           o.TTL,
		typingTimeout: o.TypingTimeout,
		typing:        make(map[string]*burst),
	}
}

func key(userID string) string { return "presence:" + userID }

func (t *Tracker) publish(ctx context.Context, ev hub.Event) {
	if t.pub == nil {
		return
	}
	if err := t.pub.Publish(ctx, ev); err != nil {
		logger.Errorf("[presence] failed to broadcast %s: %v", ev.Type, err)
	}
}

// SetStatus records the user's status for the TTL and announces it.
func (t *Tracker) SetStatus(ctx context.Context, user model.Identity, status model.PresenceStatus) error {
	now := t.clock.Now().UTC()
	b, err := json.Marshal(model.Presence{UserID: user.UserID, Status: status, LastSeen: now})
	if err != nil {
		return err
	}
	if err := t.cache.Set(ctx, key(user.UserID), string(b), t.ttl); err != nil {
		return err
	}
	t.publish(ctx, hub.UserStatus(user.UserID, user.Username, status, now))
	return nil
}

// Status reads a user's presence. An expired or missing entry is offline.
func (t *Tracker) Status(ctx context.Context, userID string) (model.Presence, error) {
	v, ok, err := t.cache.Get(ctx, key(userID))
	if err != nil {
		return model.Presence{}, err
	}
	offline := model.Presence{UserID: userID, Status: model.StatusOffline}
	if !ok {
		return offline, nil
	}
	var p model.Presence
	if err := json.Unmarshal([]byte(v), &p); err != nil {
		logger.Warnf("[presence] discarding unreadable entry for %s: %v", userID, err)
		return offline, nil
	}
	return p, nil
}

// StartTyping marks user as typing. The typing event goes out when a burst
// starts; every call pushes the stop back by the typing timeout.
func (t *Tracker) StartTyping(ctx context.Context, user model.Identity) {
	t.mu.Lock()
	t.gen++
	gen := t.gen
	b, active := t.typing[user.UserID]
	if active {
		b.timer.Stop()
	} else {
		b = &burst{username: user.Username}
		t.typing[user.UserID] = b
	}
	b.gen = gen
	b.timer = t.clock.AfterFunc(t.typingTimeout, func() { t.expire(user.UserID, gen) })
	t.mu.Unlock()

	if !active {
		t.publish(ctx, hub.Typing(user.UserID, user.Username, t.clock.Now()))
	}
}

// expire ends a burst if gen is still its current generation. A timer that
// lost a race with a reschedule finds a newer generation and does nothing.
func (t *Tracker) expire(userID string, gen uint64) {
	t.mu.Lock()
	b, ok := t.typing[userID]
	if !ok || b.gen != gen {
		t.mu.Unlock()
		return
	}
	delete(t.typing, userID)
	t.mu.Unlock()

	t.publish(context.Background(), hub.TypingStopped(userID, b.username, t.clock.Now()))
}

// StopTyping ends the user's burst early. It reports whether one was active.
func (t *Tracker) StopTyping(ctx context.Context, user model.Identity) bool {
	t.mu.Lock()
	b, ok := t.typing[user.UserID]
	if ok {
		b.timer.Stop()
		delete(t.typing, user.UserID)
	}
	t.mu.Unlock()

	if ok {
		t.publish(ctx, hub.TypingStopped(user.UserID, b.username, t.clock.Now()))
	}
	return ok
}

// IsTyping reports whether user has an active burst.
func (t *Tracker) IsTyping(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.typing[userID]
	return ok
}

// MarkSeen records a read receipt and announces it. Unknown, deleted and
// own messages report false and nothing is broadcast.
func (t *Tracker) MarkSeen(ctx context.Context, messageID string, user model.Identity) (bool, error) {
	ok, err := t.seen.RecordSeen(ctx, messageID, user)
	if err != nil || !ok {
		return false, err
	}
	t.publish(ctx, hub.MessageSeen(messageID, user.UserID, user.Username, t.clock.Now()))
	return true, nil
}
