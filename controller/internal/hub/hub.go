// Package hub fans controller events out to every subscribed UI context.
package hub

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/flying-pisces/mkd-automation-sub001/controller/internal/domain"
)

var (
	// ErrListenerGone tells the hub the listener will never accept another
	// event and should be dropped.
	ErrListenerGone = errors.New("listener gone")

	// ErrBufferFull is returned when a listener cannot keep up.
	ErrBufferFull = errors.New("send buffer full")
)

// Listener receives events. Deliver must not block.
type Listener interface {
	Deliver(ev domain.Event) error
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ev domain.Event) error

func (f ListenerFunc) Deliver(ev domain.Event) error { return f(ev) }

type subscription struct {
	id       string
	seq      uint64
	listener Listener
}

// Hub holds the set of subscribed listeners.
type Hub struct {
	logger *slog.Logger

	mu          sync.RWMutex
	subs        map[string]*subscription
	seq         uint64
	connections map[string]*Connection
}

// New creates a Hub.
func New(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger:      logger.With("component", "hub"),
		subs:        make(map[string]*subscription),
		connections: make(map[string]*Connection),
	}
}

// Subscribe adds l and returns its subscription ID.
func (h *Hub) Subscribe(l Listener) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seq++
	sub := &subscription{id: uuid.NewString(), seq: h.seq, listener: l}
	h.subs[sub.id] = sub
	return sub.id
}

// Unsubscribe removes a subscription. Unknown IDs are ignored.
func (h *Hub) Unsubscribe(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[id]; !ok {
		return false
	}
	delete(h.subs, id)
	return true
}

// Notify delivers ev to every current subscriber in subscription order. A
// listener that fails or panics is logged and does not stop delivery to
// the others.
func (h *Hub) Notify(ev domain.Event) {
	h.mu.RLock()
	subs := make([]*subscription, 0, len(h.subs))
	for _, sub := range h.subs {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()
	sort.Slice(subs, func(i, j int) bool { return subs[i].seq < subs[j].seq })

	for _, sub := range subs {
		err := deliver(sub.listener, ev)
		if err == nil {
			continue
		}
		if errors.Is(err, ErrListenerGone) || errors.Is(err, ErrBufferFull) {
			h.logger.Info("dropping listener", "subscription", sub.id, "event", ev.Type, "error", err)
			h.Unsubscribe(sub.id)
			continue
		}
		h.logger.Warn("listener failed", "subscription", sub.id, "event", ev.Type, "error", err)
	}
}

func deliver(l Listener, ev domain.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener panic: %v", r)
		}
	}()
	return l.Deliver(ev)
}

// SubscriberCount returns the number of live subscriptions.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Register tracks conn and subscribes it to events.
func (h *Hub) Register(conn *Connection) {
	id := h.Subscribe(conn)
	h.mu.Lock()
	conn.subscription = id
	h.connections[conn.ID] = conn
	h.mu.Unlock()
	h.logger.Info("connection registered", "connection_id", conn.ID)
}

// Unregister forgets conn and closes its send side.
func (h *Hub) Unregister(conn *Connection) {
	h.mu.Lock()
	_, ok := h.connections[conn.ID]
	delete(h.connections, conn.ID)
	delete(h.subs, conn.subscription)
	h.mu.Unlock()
	conn.shutdown()
	if ok {
		h.logger.Info("connection unregistered", "connection_id", conn.ID)
	}
}

// ConnectionCount returns the number of registered WebSocket connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}
