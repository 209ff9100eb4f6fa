package timeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"

	"Messenger/internal/message"
)

// ErrHistoryFetchFailed is returned by Select when the history window cannot be loaded
var ErrHistoryFetchFailed = errors.New("history fetch failed")

const (
	defaultWindow     = 7 * 24 * time.Hour
	defaultEchoWindow = time.Minute
)

// HistoryFetcher loads the messages of a conversation within a time range
type HistoryFetcher interface {
	Messages(ctx context.Context, chatID string, from, to time.Time) ([]message.Message, error)
}

// Subscriber delivers live messages for one conversation until ctx is done.
// Backlog returns the live messages already retained for a conversation.
type Subscriber interface {
	Subscribe(ctx context.Context, conversationID string) (<-chan message.Message, string)
	Backlog(conversationID string) []message.Message
}

// Options configures a Timeline
type Options struct {
	History    HistoryFetcher
	Subscriber Subscriber
	// Window is how far back history is loaded on selection
	Window time.Duration
	// EchoWindow bounds how long after a pending entry its echo may arrive
	EchoWindow time.Duration
	Logger     *slog.Logger
}

// Timeline is the ordered message list of the selected conversation
type Timeline struct {
	history    HistoryFetcher
	subscriber Subscriber
	window     time.Duration
	echoWindow time.Duration
	logger     *slog.Logger
	now        func() time.Time

	mu        sync.Mutex
	gen       uint64
	selected  string
	loading   bool
	messages  []message.Message
	keys      map[string]struct{}
	buffered  []message.Message
	cancelSub context.CancelFunc
	listeners []func()
}

// New creates an empty Timeline with nothing selected
func New(opts Options) (*Timeline, error) {
	if opts.History == nil {
		return nil, fmt.Errorf("history fetcher cannot be nil")
	}
	if opts.Subscriber == nil {
		return nil, fmt.Errorf("subscriber cannot be nil")
	}
	window := opts.Window
	if window <= 0 {
		window = defaultWindow
	}
	echoWindow := opts.EchoWindow
	if echoWindow <= 0 {
		echoWindow = defaultEchoWindow
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Timeline{
		history:    opts.History,
		subscriber: opts.Subscriber,
		window:     window,
		echoWindow: echoWindow,
		logger:     logger.With("component", "timeline"),
		now:        time.Now,
		keys:       make(map[string]struct{}),
	}, nil
}

// Select makes conversationID the selected conversation and loads its recent history.
// Switching to another conversation clears content immediately; reselecting the
// current one keeps it until the load succeeds. Messages retained by the live
// backlog and those arriving during the load are merged in, even when the load
// fails. A load overtaken by a later Select is discarded.
func (t *Timeline) Select(ctx context.Context, conversationID string) error {
	t.mu.Lock()
	t.gen++
	gen := t.gen
	reselect := conversationID == t.selected
	t.selected = conversationID
	t.loading = true
	if !reselect {
		t.messages = nil
		t.keys = make(map[string]struct{})
	}
	t.buffered = nil
	if t.cancelSub != nil {
		t.cancelSub()
	}
	subCtx, cancel := context.WithCancel(context.Background())
	t.cancelSub = cancel
	t.mu.Unlock()
	t.notify()

	// subscribe before reading the backlog so nothing falls between the two
	live, _ := t.subscriber.Subscribe(subCtx, conversationID)
	go t.consume(live)
	backlog := t.subscriber.Backlog(conversationID)

	now := t.now()
	history, err := t.history.Messages(ctx, conversationID, now.Add(-t.window), now)

	t.mu.Lock()
	if t.gen != gen {
		t.mu.Unlock()
		t.logger.Debug("discarding stale history", "conversation_id", conversationID)
		return nil
	}
	t.loading = false
	arrived := append(backlog, t.buffered...)
	t.buffered = nil

	if err != nil {
		for _, msg := range arrived {
			t.insertLocked(msg)
		}
		count := len(t.messages)
		t.mu.Unlock()
		t.notify()
		t.logger.Error("history fetch failed", "conversation_id", conversationID, "kept", count, "error", err)
		return fmt.Errorf("%w: %v", ErrHistoryFetchFailed, err)
	}

	// pending entries of a reselected conversation outlive the reload
	pending := lo.Filter(t.messages, func(m message.Message, _ int) bool { return m.Pending })

	history = lo.UniqBy(history, message.Message.Key)
	sort.SliceStable(history, func(i, j int) bool {
		return history[i].SentAt.Before(history[j].SentAt)
	})
	t.messages = history
	t.keys = make(map[string]struct{}, len(history))
	for _, msg := range history {
		t.keys[msg.Key()] = struct{}{}
	}
	for _, msg := range pending {
		if t.echoedLocked(msg) {
			continue
		}
		t.insertLocked(msg)
	}
	for _, msg := range arrived {
		t.insertLocked(msg)
	}
	count := len(t.messages)
	t.mu.Unlock()
	t.notify()

	t.logger.Info("conversation selected",
		"conversation_id", conversationID,
		"history", len(history),
		"live", len(arrived),
		"total", count)
	return nil
}

func (t *Timeline) consume(live <-chan message.Message) {
	for msg := range live {
		t.OnLive(msg)
	}
}

// OnLive adds a live message when it belongs to the selected conversation.
// Duplicates are ignored and the echo of a pending entry replaces it.
func (t *Timeline) OnLive(msg message.Message) {
	msg.Pending = false
	msg.ClientID = ""
	t.add(msg)
}

// AddPending shows a locally sent message before the backend echoes it
func (t *Timeline) AddPending(msg message.Message) {
	if msg.ClientID == "" {
		t.logger.Warn("ignoring pending message without client id", "conversation_id", msg.ConversationID)
		return
	}
	msg.Pending = true
	t.add(msg)
}

func (t *Timeline) add(msg message.Message) {
	t.mu.Lock()
	if msg.ConversationID != t.selected {
		t.mu.Unlock()
		return
	}
	if t.loading {
		t.buffered = append(t.buffered, msg)
		t.mu.Unlock()
		return
	}
	changed := t.insertLocked(msg)
	t.mu.Unlock()

	if changed {
		t.notify()
	}
}

// ExpirePending removes a pending entry that was never echoed.
// It reports whether an entry was removed.
func (t *Timeline) ExpirePending(clientID string) bool {
	t.mu.Lock()
	removed := false

	isExpired := func(m message.Message) bool { return m.Pending && m.ClientID == clientID }

	if _, i, ok := lo.FindIndexOf(t.messages, isExpired); ok {
		delete(t.keys, t.messages[i].Key())
		t.messages = append(t.messages[:i:i], t.messages[i+1:]...)
		removed = true
	}
	before := len(t.buffered)
	t.buffered = lo.Reject(t.buffered, func(m message.Message, _ int) bool { return isExpired(m) })
	removed = removed || len(t.buffered) != before
	t.mu.Unlock()

	if removed {
		t.logger.Info("pending message expired", "client_id", clientID)
		t.notify()
	}
	return removed
}

// insertLocked places msg in SentAt order and reports whether content changed
func (t *Timeline) insertLocked(msg message.Message) bool {
	key := msg.Key()
	if _, dup := t.keys[key]; dup {
		return false
	}

	if !msg.Pending {
		if i := t.pendingMatchLocked(msg); i >= 0 {
			pending := t.messages[i]
			delete(t.keys, pending.Key())
			t.messages = append(t.messages[:i:i], t.messages[i+1:]...)

			msg.ClientID = pending.ClientID
			key = msg.Key()
			t.logger.Debug("pending message confirmed", "client_id", pending.ClientID, "message_id", msg.ID)
		}
	}

	i := sort.Search(len(t.messages), func(i int) bool {
		return t.messages[i].SentAt.After(msg.SentAt)
	})
	if i < len(t.messages) && !msg.Pending {
		t.logger.Info("out-of-order live message",
			"conversation_id", msg.ConversationID,
			"message_id", msg.ID,
			"sent_at", msg.SentAt,
			"tail", t.messages[len(t.messages)-1].SentAt)
	}

	t.messages = append(t.messages, message.Message{})
	copy(t.messages[i+1:], t.messages[i:])
	t.messages[i] = msg
	t.keys[key] = struct{}{}
	return true
}

// pendingMatchLocked finds the oldest pending entry msg is the echo of
func (t *Timeline) pendingMatchLocked(msg message.Message) int {
	echo := msg.EchoKey()
	for i, m := range t.messages {
		if !m.Pending || m.EchoKey() != echo {
			continue
		}
		if !t.withinEchoWindow(m, msg) {
			continue
		}
		return i
	}
	return -1
}

// echoedLocked reports whether a confirmed message already stands for the pending entry p
func (t *Timeline) echoedLocked(p message.Message) bool {
	echo := p.EchoKey()
	_, ok := lo.Find(t.messages, func(m message.Message) bool {
		return !m.Pending && m.EchoKey() == echo && t.withinEchoWindow(p, m)
	})
	return ok
}

// withinEchoWindow compares the local send time of pending with when echo reached
// this client. Server stamps carry no zone, so they are only used for echoes that
// were never received off the wire.
func (t *Timeline) withinEchoWindow(pending, echo message.Message) bool {
	at := echo.ReceivedAt
	if at.IsZero() {
		at = echo.SentAt
	}
	d := at.Sub(pending.SentAt)
	return d <= t.echoWindow && d >= -t.echoWindow
}

// Messages returns a copy of the current content in SentAt order
func (t *Timeline) Messages() []message.Message {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]message.Message, len(t.messages))
	copy(out, t.messages)
	return out
}

// Selected returns the selected conversation id, or "" when none is selected
func (t *Timeline) Selected() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.selected
}

// Loading reports whether the selected conversation's history is still being fetched
func (t *Timeline) Loading() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.loading
}

// OnChange registers fn to be called whenever content changes
func (t *Timeline) OnChange(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, fn)
}

func (t *Timeline) notify() {
	t.mu.Lock()
	listeners := make([]func(), len(t.listeners))
	copy(listeners, t.listeners)
	t.mu.Unlock()

	for _, fn := range listeners {
		fn()
	}
}

// Close deselects and releases the live subscription
func (t *Timeline) Close() {
	t.mu.Lock()
	t.gen++
	t.selected = ""
	t.loading = false
	t.messages = nil
	t.keys = make(map[string]struct{})
	t.buffered = nil
	if t.cancelSub != nil {
		t.cancelSub()
		t.cancelSub = nil
	}
	t.mu.Unlock()
	t.notify()
}
