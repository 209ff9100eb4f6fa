package directory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"Messenger/internal/backend"
)

// UnknownName is shown when a conversation's other participant cannot be resolved
const UnknownName = "Unknown"

const defaultConcurrency = 8

// Conversation is one entry of the user's conversation list
type Conversation struct {
	ID                 string
	DisplayName        string
	OtherParticipantID string
}

// HistoryService is the subset of the history API the directory needs
type HistoryService interface {
	ChatIDs(ctx context.Context, userID string) ([]string, error)
	Participants(ctx context.Context, chatID string) ([]string, error)
	ChatID(ctx context.Context, userID, otherUserID string) (string, error)
}

// ProfileService is the subset of the identity API the directory needs
type ProfileService interface {
	GetUser(ctx context.Context, userID string) (backend.Profile, error)
	SearchUsers(ctx context.Context, query string) ([]backend.Profile, error)
}

// Directory holds the user's conversation list
type Directory struct {
	history     HistoryService
	profiles    ProfileService
	concurrency int
	logger      *slog.Logger

	mu            sync.RWMutex
	conversations []Conversation
	// started holds conversations added by StartOrFind that no listing has returned yet
	started map[string]struct{}
}

// New creates a Directory. concurrency bounds the per-conversation enrichment fan-out.
func New(history HistoryService, profiles ProfileService, concurrency int, logger *slog.Logger) *Directory {
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Directory{
		history:     history,
		profiles:    profiles,
		concurrency: concurrency,
		logger:      logger.With("component", "directory"),
		started:     make(map[string]struct{}),
	}
}

// List fetches the user's conversations and resolves each one's display name.
// Only the id listing can fail; an entry that cannot be enriched is shown as Unknown.
// Conversations started locally but not yet listed stay at the front.
func (d *Directory) List(ctx context.Context, userID string) ([]Conversation, error) {
	ids, err := d.history.ChatIDs(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}

	result := make([]Conversation, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.concurrency)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			result[i] = d.enrich(gctx, userID, id)
			return nil
		})
	}
	// enrich never fails the group
	_ = g.Wait()

	listed := lo.SliceToMap(result, func(c Conversation) (string, struct{}) { return c.ID, struct{}{} })

	d.mu.Lock()
	var pending []Conversation
	for _, c := range d.conversations {
		if _, started := d.started[c.ID]; !started {
			continue
		}
		if _, ok := listed[c.ID]; ok {
			delete(d.started, c.ID)
			continue
		}
		pending = append(pending, c)
	}
	d.conversations = append(pending, result...)
	merged := cloneConversations(d.conversations)
	d.mu.Unlock()

	d.logger.Info("conversations listed", "user_id", userID, "count", len(result), "unlisted", len(pending))
	return merged, nil
}

func (d *Directory) enrich(ctx context.Context, userID, chatID string) Conversation {
	conv := Conversation{ID: chatID, DisplayName: UnknownName}

	participants, err := d.history.Participants(ctx, chatID)
	if err != nil {
		d.logger.Warn("enrichment failed", "conversation_id", chatID, "stage", "participants", "error", err)
		return conv
	}

	other, ok := lo.Find(participants, func(id string) bool { return id != userID })
	if !ok {
		// a conversation with oneself
		other = userID
	}
	conv.OtherParticipantID = other

	profile, err := d.profiles.GetUser(ctx, other)
	if err != nil {
		d.logger.Warn("enrichment failed", "conversation_id", chatID, "stage", "profile", "user_id", other, "error", err)
		return conv
	}
	if profile.Name != "" {
		conv.DisplayName = profile.Name
	}
	return conv
}

// StartOrFind returns the conversation between userID and target, adding it
// to the front of the list when it is not listed yet.
func (d *Directory) StartOrFind(ctx context.Context, userID string, target backend.Profile) (Conversation, error) {
	id, err := d.history.ChatID(ctx, userID, target.ID)
	if err != nil {
		return Conversation{}, fmt.Errorf("failed to start conversation: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if existing, ok := lo.Find(d.conversations, func(c Conversation) bool { return c.ID == id }); ok {
		return existing, nil
	}

	name := target.Name
	if name == "" {
		name = UnknownName
	}
	conv := Conversation{ID: id, DisplayName: name, OtherParticipantID: target.ID}
	d.conversations = append([]Conversation{conv}, d.conversations...)
	d.started[id] = struct{}{}

	d.logger.Info("conversation started", "conversation_id", id, "with", target.ID)
	return conv, nil
}

// Search finds users to start a conversation with. A blank query returns nothing.
func (d *Directory) Search(ctx context.Context, query string) ([]backend.Profile, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}

	profiles, err := d.profiles.SearchUsers(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to search users: %w", err)
	}
	return profiles, nil
}

// Conversations returns a copy of the current list
func (d *Directory) Conversations() []Conversation {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return cloneConversations(d.conversations)
}

// Find returns the listed conversation with the given id
func (d *Directory) Find(id string) (Conversation, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return lo.Find(d.conversations, func(c Conversation) bool { return c.ID == id })
}

// Reset empties the list (logout)
func (d *Directory) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.conversations = nil
	d.started = make(map[string]struct{})
}

func cloneConversations(in []Conversation) []Conversation {
	out := make([]Conversation, len(in))
	copy(out, in)
	return out
}
