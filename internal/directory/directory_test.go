package directory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Messenger/internal/backend"
)

type fakeHistory struct {
	chatIDs      []string
	chatIDsErr   error
	participants map[string][]string
	chatID       string
	chatIDCalls  atomic.Int32

	// delays per chat id, to scramble completion order
	delays map[string]time.Duration
}

func (f *fakeHistory) ChatIDs(ctx context.Context, userID string) ([]string, error) {
	return f.chatIDs, f.chatIDsErr
}

func (f *fakeHistory) Participants(ctx context.Context, chatID string) ([]string, error) {
	if d := f.delays[chatID]; d > 0 {
		time.Sleep(d)
	}
	p, ok := f.participants[chatID]
	if !ok {
		return nil, errors.New("participants unavailable")
	}
	return p, nil
}

func (f *fakeHistory) ChatID(ctx context.Context, userID, otherUserID string) (string, error) {
	f.chatIDCalls.Add(1)
	if f.chatID == "" {
		return "", errors.New("history down")
	}
	return f.chatID, nil
}

type fakeProfiles struct {
	mu       sync.Mutex
	names    map[string]string
	searched []string
}

func (f *fakeProfiles) GetUser(ctx context.Context, userID string) (backend.Profile, error) {
	name, ok := f.names[userID]
	if !ok {
		return backend.Profile{}, errors.New("user not found")
	}
	return backend.Profile{ID: userID, Name: name}, nil
}

func (f *fakeProfiles) SearchUsers(ctx context.Context, query string) ([]backend.Profile, error) {
	f.mu.Lock()
	f.searched = append(f.searched, query)
	f.mu.Unlock()
	return []backend.Profile{{ID: "u-2", Name: "Bob"}}, nil
}

func TestList_EnrichesInListingOrder(t *testing.T) {
	history := &fakeHistory{
		chatIDs: []string{"c-1", "c-2", "c-3"},
		participants: map[string][]string{
			"c-1": {"u-1", "u-2"},
			"c-2": {"u-3", "u-1"},
			"c-3": {"u-1", "u-4"},
		},
		delays: map[string]time.Duration{"c-1": 30 * time.Millisecond},
	}
	profiles := &fakeProfiles{names: map[string]string{"u-2": "Bob", "u-3": "Carol", "u-4": "Dan"}}
	d := New(history, profiles, 2, nil)

	convs, err := d.List(context.Background(), "u-1")
	require.NoError(t, err)

	assert.Equal(t, []Conversation{
		{ID: "c-1", DisplayName: "Bob", OtherParticipantID: "u-2"},
		{ID: "c-2", DisplayName: "Carol", OtherParticipantID: "u-3"},
		{ID: "c-3", DisplayName: "Dan", OtherParticipantID: "u-4"},
	}, convs)
	assert.Equal(t, convs, d.Conversations())
}

func TestList_IsolatesEnrichmentFailures(t *testing.T) {
	history := &fakeHistory{
		chatIDs: []string{"c-1", "c-2", "c-3"},
		participants: map[string][]string{
			"c-1": {"u-1", "u-2"},
			"c-3": {"u-1", "u-9"},
		},
	}
	profiles := &fakeProfiles{names: map[string]string{"u-2": "Bob"}}
	d := New(history, profiles, 0, nil)

	convs, err := d.List(context.Background(), "u-1")
	require.NoError(t, err)
	require.Len(t, convs, 3)

	assert.Equal(t, "Bob", convs[0].DisplayName)
	assert.Equal(t, Conversation{ID: "c-2", DisplayName: UnknownName}, convs[1], "participants failed")
	assert.Equal(t, Conversation{ID: "c-3", DisplayName: UnknownName, OtherParticipantID: "u-9"}, convs[2], "profile failed")
}

func TestList_SelfConversation(t *testing.T) {
	history := &fakeHistory{
		chatIDs:      []string{"c-1"},
		participants: map[string][]string{"c-1": {"u-1"}},
	}
	profiles := &fakeProfiles{names: map[string]string{"u-1": "Alice"}}

	convs, err := New(history, profiles, 1, nil).List(context.Background(), "u-1")
	require.NoError(t, err)
	assert.Equal(t, Conversation{ID: "c-1", DisplayName: "Alice", OtherParticipantID: "u-1"}, convs[0])
}

func TestList_ListingFailure(t *testing.T) {
	history := &fakeHistory{chatIDsErr: errors.New("history down")}

	_, err := New(history, &fakeProfiles{}, 1, nil).List(context.Background(), "u-1")
	assert.Error(t, err)
}

func TestList_Empty(t *testing.T) {
	convs, err := New(&fakeHistory{}, &fakeProfiles{}, 1, nil).List(context.Background(), "u-1")
	require.NoError(t, err)
	assert.Empty(t, convs)
}

func TestStartOrFind_PrependsOnce(t *testing.T) {
	history := &fakeHistory{
		chatIDs:      []string{"c-1"},
		participants: map[string][]string{"c-1": {"u-1", "u-2"}},
		chatID:       "c-9",
	}
	profiles := &fakeProfiles{names: map[string]string{"u-2": "Bob"}}
	d := New(history, profiles, 1, nil)
	_, err := d.List(context.Background(), "u-1")
	require.NoError(t, err)

	target := backend.Profile{ID: "u-3", Name: "Carol"}
	conv, err := d.StartOrFind(context.Background(), "u-1", target)
	require.NoError(t, err)
	assert.Equal(t, Conversation{ID: "c-9", DisplayName: "Carol", OtherParticipantID: "u-3"}, conv)

	again, err := d.StartOrFind(context.Background(), "u-1", target)
	require.NoError(t, err)
	assert.Equal(t, conv, again)

	convs := d.Conversations()
	require.Len(t, convs, 2)
	assert.Equal(t, "c-9", convs[0].ID)
	assert.Equal(t, "c-1", convs[1].ID)
}

func TestList_KeepsStartedConversationUntilListed(t *testing.T) {
	history := &fakeHistory{
		chatIDs:      []string{"c-1"},
		participants: map[string][]string{"c-1": {"u-1", "u-2"}, "c-9": {"u-1", "u-3"}},
		chatID:       "c-9",
	}
	profiles := &fakeProfiles{names: map[string]string{"u-2": "Bob", "u-3": "Carol"}}
	d := New(history, profiles, 1, nil)

	_, err := d.StartOrFind(context.Background(), "u-1", backend.Profile{ID: "u-3", Name: "Carol"})
	require.NoError(t, err)

	convs, err := d.List(context.Background(), "u-1")
	require.NoError(t, err)
	require.Len(t, convs, 2)
	assert.Equal(t, "c-9", convs[0].ID, "started conversation survives a listing that lacks it")
	assert.Equal(t, "c-1", convs[1].ID)
	assert.Equal(t, convs, d.Conversations())

	history.chatIDs = []string{"c-9", "c-1"}
	convs, err = d.List(context.Background(), "u-1")
	require.NoError(t, err)
	require.Len(t, convs, 2, "no duplicate once the backend lists it")
	assert.Equal(t, []string{"c-9", "c-1"}, []string{convs[0].ID, convs[1].ID})

	// once listed, it is tracked by the listing alone
	history.chatIDs = []string{"c-1"}
	convs, err = d.List(context.Background(), "u-1")
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, "c-1", convs[0].ID)
}

func TestStartOrFind_ExistingConversation(t *testing.T) {
	history := &fakeHistory{
		chatIDs:      []string{"c-1"},
		participants: map[string][]string{"c-1": {"u-1", "u-2"}},
		chatID:       "c-1",
	}
	d := New(history, &fakeProfiles{names: map[string]string{"u-2": "Bob"}}, 1, nil)
	_, err := d.List(context.Background(), "u-1")
	require.NoError(t, err)

	conv, err := d.StartOrFind(context.Background(), "u-1", backend.Profile{ID: "u-2", Name: "Robert"})
	require.NoError(t, err)
	assert.Equal(t, "Bob", conv.DisplayName, "listed entry wins")
	assert.Len(t, d.Conversations(), 1)
}

func TestStartOrFind_Failure(t *testing.T) {
	d := New(&fakeHistory{}, &fakeProfiles{}, 1, nil)

	_, err := d.StartOrFind(context.Background(), "u-1", backend.Profile{ID: "u-2"})
	assert.Error(t, err)
	assert.Empty(t, d.Conversations())
}

func TestSearch(t *testing.T) {
	profiles := &fakeProfiles{}
	d := New(&fakeHistory{}, profiles, 1, nil)

	found, err := d.Search(context.Background(), "  bo ")
	require.NoError(t, err)
	assert.Len(t, found, 1)

	found, err = d.Search(context.Background(), "   ")
	require.NoError(t, err)
	assert.Nil(t, found)

	assert.Equal(t, []string{"bo"}, profiles.searched)
}

func TestFindAndReset(t *testing.T) {
	history := &fakeHistory{
		chatIDs:      []string{"c-1"},
		participants: map[string][]string{"c-1": {"u-1", "u-2"}},
	}
	d := New(history, &fakeProfiles{names: map[string]string{"u-2": "Bob"}}, 1, nil)
	_, err := d.List(context.Background(), "u-1")
	require.NoError(t, err)

	conv, ok := d.Find("c-1")
	assert.True(t, ok)
	assert.Equal(t, "Bob", conv.DisplayName)

	_, ok = d.Find("c-2")
	assert.False(t, ok)

	d.Reset()
	assert.Empty(t, d.Conversations())
}
