// Package hub fans events out to the live sessions of a room.
//
// A single dispatch loop drains the publish queue, so events reach every
// member of a room in the order the hub received them. Delivery is
// best-effort: a member that cannot accept a frame is dropped.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sethvargo/go-retry"

	"examhub/internal/cache"
	"examhub/internal/logger"
	"examhub/internal/metrics"
)

// Event is one fan-out unit. Body is the encoded wire envelope.
type Event struct {
	Room       string          `json:"room"`
	Type       string          `json:"type"`
	TargetUser string          `json:"target_user,omitempty"`
	DedupKey   string          `json:"dedup_key,omitempty"`
	Body       json.RawMessage `json:"body"`
}

// Member is a live connection registered in a room.
type Member interface {
	ID() string
	UserID() string
	// Deliver queues a frame without blocking and reports whether it fit.
	Deliver(frame []byte) bool
	Close()
}

// Relay carries events between server processes sharing the same rooms.
type Relay interface {
	Publish(ctx context.Context, ev Event) error
	// Subscribe blocks, calling deliver for every relayed event, until ctx
	// is done or the subscription breaks. ready is called once the
	// subscription is confirmed.
	Subscribe(ctx context.Context, ready func(), deliver func(Event)) error
}

var errRelayClosed = errors.New("relay subscription closed")

// Options configure a Hub.
type Options struct {
	// Dedup suppresses repeated deliveries of events carrying a DedupKey.
	Dedup    cache.Cache
	DedupTTL time.Duration
	// Relay is optional; without it events are dispatched in-process.
	Relay     Relay
	QueueSize int
}

// Hub holds room membership and the dispatch queue.
type Hub struct {
	mu        sync.RWMutex
	rooms     map[string]map[string]Member
	broadcast chan Event
	dedup     cache.Cache
	dedupTTL  time.Duration
	relay     Relay
	// relayUp is true while this process is subscribed to the relay.
	relayUp atomic.Bool
}

// New creates a Hub. Run must be started for events to be delivered.
func New(opts Options) *Hub {
	size := opts.QueueSize
	if size <= 0 {
		size = 256
	}
	ttl := opts.DedupTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Hub{
		rooms:     make(map[string]map[string]Member),
		broadcast: make(chan Event, size),
		dedup:     opts.Dedup,
		dedupTTL:  ttl,
		relay:     opts.Relay,
	}
}

// Join registers m in room and returns the room size.
func (h *Hub) Join(room string, m Member) int {
	h.mu.Lock()
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[string]Member)
		h.rooms[room] = members
	}
	members[m.ID()] = m
	n := len(members)
	h.mu.Unlock()

	metrics.Connections.WithLabelValues(room).Set(float64(n))
	logger.Infof("[hub] %s joined %s (user=%s). Total members: %d", m.ID(), room, m.UserID(), n)
	return n
}

// Leave removes m from room and returns the remaining size.
func (h *Hub) Leave(room string, m Member) int {
	h.mu.Lock()
	members := h.rooms[room]
	delete(members, m.ID())
	n := len(members)
	if n == 0 {
		delete(h.rooms, room)
	}
	h.mu.Unlock()

	metrics.Connections.WithLabelValues(room).Set(float64(n))
	logger.Infof("[hub] %s left %s. Total members: %d", m.ID(), room, n)
	return n
}

// Members returns the number of sessions in room.
func (h *Hub) Members(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// Publish queues ev for fan-out. With a relay configured and subscribed the
// event goes through it so every process sharing the room receives it. While
// the subscription is down, or if the relay publish fails, the event is
// dispatched locally.
func (h *Hub) Publish(ctx context.Context, ev Event) error {
	metrics.EventsPublished.WithLabelValues(ev.Type).Inc()
	if h.relay != nil && h.relayUp.Load() {
		err := h.relay.Publish(ctx, ev)
		if err == nil {
			return nil
		}
		logger.Warnf("[hub] relay publish failed, dispatching locally: %v", err)
	}
	return h.enqueue(ctx, ev)
}

func (h *Hub) enqueue(ctx context.Context, ev Event) error {
	select {
	case h.broadcast <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run dispatches queued events until ctx is done, then closes every member.
func (h *Hub) Run(ctx context.Context) error {
	if h.relay != nil {
		go h.subscribe(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return nil
		case ev := <-h.broadcast:
			h.dispatch(ctx, ev)
		}
	}
}

// subscribe keeps the relay subscription alive until ctx is done,
// reconnecting with capped exponential backoff.
func (h *Hub) subscribe(ctx context.Context) {
	b := retry.WithCappedDuration(5*time.Second, retry.NewExponential(100*time.Millisecond))
	_ = retry.Do(ctx, b, func(ctx context.Context) error {
		err := h.relay.Subscribe(ctx, func() {
			h.relayUp.Store(true)
			logger.Infof("[hub] relay subscription established")
		}, func(ev Event) {
			_ = h.enqueue(ctx, ev)
		})
		h.relayUp.Store(false)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			err = errRelayClosed
		}
		logger.Errorf("[hub] relay subscription ended, dispatching locally until it is back: %v", err)
		return retry.RetryableError(err)
	})
}

func (h *Hub) dispatch(ctx context.Context, ev Event) {
	// メンバーをスナップショットしてからロックを外す。Deliver 失敗時の
	// Leave がロックを取るため、range 中に保持しない
	h.mu.RLock()
	snapshot := make([]Member, 0, len(h.rooms[ev.Room]))
	for _, m := range h.rooms[ev.Room] {
		snapshot = append(snapshot, m)
	}
	h.mu.RUnlock()

	for _, m := range snapshot {
		if ev.TargetUser != "" && m.UserID() != ev.TargetUser {
			continue
		}
		if ev.DedupKey != "" && h.seenBefore(ctx, ev.DedupKey, m.UserID()) {
			metrics.Deliveries.WithLabelValues("deduped").Inc()
			continue
		}
		if !m.Deliver(ev.Body) {
			metrics.Deliveries.WithLabelValues("dropped").Inc()
			logger.Warnf("[hub] %s cannot keep up, dropping connection", m.ID())
			h.Leave(ev.Room, m)
			m.Close()
			continue
		}
		metrics.Deliveries.WithLabelValues("sent").Inc()
	}
}

// seenBefore records the (key, recipient) pair and reports whether it was
// already delivered. Cache failures let the delivery through.
func (h *Hub) seenBefore(ctx context.Context, key, userID string) bool {
	if h.dedup == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	stored, err := h.dedup.SetNX(ctx, "dedup:"+key+":"+userID, "1", h.dedupTTL)
	if err != nil {
		logger.Warnf("[hub] dedup cache unavailable: %v", err)
		return false
	}
	return !stored
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	var all []Member
	for room, members := range h.rooms {
		for _, m := range members {
			all = append(all, m)
		}
		metrics.Connections.WithLabelValues(room).Set(0)
	}
	h.rooms = make(map[string]map[string]Member)
	h.mu.Unlock()

	for _, m := range all {
		m.Close()
	}
}
