package channel

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"Messenger/internal/message"
)

const subscriberBuffer = 64

type subscriber struct {
	ch   chan message.Message
	stop func() bool
}

// Router fans live messages out to per-conversation subscribers.
// It keeps a bounded backlog and an unread count for every conversation,
// whether or not anything is subscribed to it.
type Router struct {
	mu          sync.RWMutex
	subs        map[string]map[string]*subscriber
	backlog     map[string][]message.Message
	unread      map[string]int
	backlogSize int
	closed      bool
	logger      *slog.Logger
}

// NewRouter creates a Router keeping up to backlogSize messages per conversation
func NewRouter(backlogSize int, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		subs:        make(map[string]map[string]*subscriber),
		backlog:     make(map[string][]message.Message),
		unread:      make(map[string]int),
		backlogSize: backlogSize,
		logger:      logger.With("component", "router"),
	}
}

// Subscribe returns a channel receiving live messages for conversationID and its subscription id.
// The subscription ends when ctx is done, on Unsubscribe, or on Close; the channel is then closed.
func (r *Router) Subscribe(ctx context.Context, conversationID string) (<-chan message.Message, string) {
	id := uuid.NewString()
	ch := make(chan message.Message, subscriberBuffer)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		close(ch)
		return ch, id
	}

	sub := &subscriber{ch: ch}
	sub.stop = context.AfterFunc(ctx, func() { r.Unsubscribe(conversationID, id) })

	if r.subs[conversationID] == nil {
		r.subs[conversationID] = make(map[string]*subscriber)
	}
	r.subs[conversationID][id] = sub
	r.unread[conversationID] = 0

	r.logger.Debug("subscribed", "conversation_id", conversationID, "subscription_id", id)
	return ch, id
}

// Unsubscribe ends a subscription. Unknown ids are ignored.
func (r *Router) Unsubscribe(conversationID, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs := r.subs[conversationID]
	sub, ok := subs[id]
	if !ok {
		return
	}
	sub.stop()
	close(sub.ch)
	delete(subs, id)
	if len(subs) == 0 {
		delete(r.subs, conversationID)
	}
}

// Publish records msg in its conversation's backlog and delivers it to subscribers.
// A subscriber whose buffer is full misses the message; it stays in the backlog.
func (r *Router) Publish(msg message.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}

	conv := msg.ConversationID
	backlog := append(r.backlog[conv], msg)
	if r.backlogSize > 0 && len(backlog) > r.backlogSize {
		backlog = backlog[len(backlog)-r.backlogSize:]
	}
	r.backlog[conv] = backlog

	subs := r.subs[conv]
	if len(subs) == 0 {
		r.unread[conv]++
		return
	}

	for id, sub := range subs {
		select {
		case sub.ch <- msg:
		default:
			r.logger.Warn("subscriber buffer full, dropping", "conversation_id", conv, "subscription_id", id)
		}
	}
}

// Backlog returns a copy of the retained messages for conversationID
func (r *Router) Backlog(conversationID string) []message.Message {
	r.mu.RLock()
	defer r.mu.RUnlock()

	backlog := r.backlog[conversationID]
	out := make([]message.Message, len(backlog))
	copy(out, backlog)
	return out
}

// Unread returns how many messages arrived for conversationID while nothing was subscribed
func (r *Router) Unread(conversationID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.unread[conversationID]
}

// MarkRead resets the unread count for conversationID
func (r *Router) MarkRead(conversationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.unread, conversationID)
}

// Reset drops all backlog and unread state, keeping subscriptions (user switch)
func (r *Router) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backlog = make(map[string][]message.Message)
	r.unread = make(map[string]int)
}

// Close ends every subscription. Publish is a no-op afterwards.
func (r *Router) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	r.closed = true

	for conv, subs := range r.subs {
		for _, sub := range subs {
			sub.stop()
			close(sub.ch)
		}
		delete(r.subs, conv)
	}
}
