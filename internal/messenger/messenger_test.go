package messenger

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Messenger/internal/config"
	"Messenger/internal/session"
)

// syncBuffer is written by the REPL and the live printer concurrently
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// fakeBackend serves the gateway REST API and the live websocket from one server
type fakeBackend struct {
	t      *testing.T
	srv    *httptest.Server
	frames chan map[string]any
	logins int
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()

	fb := &fakeBackend{t: t, frames: make(chan map[string]any, 8)}
	mux := http.NewServeMux()

	mux.HandleFunc("/api/users/login", func(w http.ResponseWriter, r *http.Request) {
		fb.logins++
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if body["password"] != "pw" {
			http.Error(w, "Invalid email or password", http.StatusUnauthorized)
			return
		}
		fb.json(w, map[string]any{"id": "u-1", "name": "Alice", "email": body["email"], "token": "tok-1", "refreshToken": "ref-1"})
	})
	mux.HandleFunc("/api/gateway/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Invalid or expired refresh token", http.StatusForbidden)
	})
	mux.HandleFunc("/api/registry/user/u-1", func(w http.ResponseWriter, r *http.Request) {
		fb.json(w, map[string]any{"serviceId": "s-1", "address": "ws" + strings.TrimPrefix(fb.srv.URL, "http") + "/ws"})
	})
	mux.HandleFunc("/api/history/user/u-1/chats", func(w http.ResponseWriter, r *http.Request) {
		fb.json(w, []string{"c-1"})
	})
	mux.HandleFunc("/api/history/chat/c-1/participants", func(w http.ResponseWriter, r *http.Request) {
		fb.json(w, map[string]any{"chatId": "c-1", "userIds": []string{"u-1", "u-2"}})
	})
	mux.HandleFunc("/api/users/u-2", func(w http.ResponseWriter, r *http.Request) {
		fb.json(w, map[string]any{"id": "u-2", "name": "Bob"})
	})
	mux.HandleFunc("/api/users/search", func(w http.ResponseWriter, r *http.Request) {
		fb.json(w, []map[string]any{{"id": "u-2", "name": "Bob", "email": "bob@example.com"}})
	})
	mux.HandleFunc("/api/history/chat", func(w http.ResponseWriter, r *http.Request) {
		fb.json(w, "c-1")
	})
	mux.HandleFunc("/api/history/messages", func(w http.ResponseWriter, r *http.Request) {
		fb.json(w, []map[string]any{{
			"chatId": "c-1", "messageId": "m-1", "userId": "u-2",
			"messageContent": "hi there", "messageSent": "Bob",
			"messageTime": time.Now().UTC().Add(-time.Hour).Format("2006-01-02T15:04:05"),
		}})
	})

	upgrader := websocket.Upgrader{}
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("token") != "tok-1" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		go fb.echo(conn)
	})

	fb.srv = httptest.NewServer(mux)
	t.Cleanup(fb.srv.Close)
	return fb
}

func (fb *fakeBackend) json(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// echo broadcasts every sent message back in the live shape, as the dispatcher does
func (fb *fakeBackend) echo(conn *websocket.Conn) {
	defer conn.Close()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var frame map[string]any
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		fb.frames <- frame
		conn.WriteJSON(map[string]any{
			"chatId":      frame["chatId"],
			"messageId":   "m-echo",
			"sender":      frame["userId"],
			"receiver":    "u-2",
			"message":     frame["messageContent"],
			"messageTime": time.Now().UTC().Format(time.RFC3339Nano),
		})
	}
}

func newTestMessenger(t *testing.T, fb *fakeBackend, script string) (*Messenger, *syncBuffer, *sql.DB) {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	cfg := config.Default()
	cfg.API.BaseURL = fb.srv.URL + "/api"
	cfg.Channel.Reconnect = false

	out := &syncBuffer{}
	m, err := build(cfg, deps{
		db:     db,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		in:     strings.NewReader(script),
		out:    out,
	})
	require.NoError(t, err)
	return m, out, db
}

func TestRun_LoginOpenAndSend(t *testing.T) {
	fb := newFakeBackend(t)
	m, out, _ := newTestMessenger(t, fb, strings.Join([]string{
		"/login alice@example.com pw",
		"/open 1",
		"hello",
		"/status",
		"/quit",
	}, "\n"))

	require.NoError(t, m.Run(context.Background()))

	select {
	case frame := <-fb.frames:
		assert.Equal(t, "c-1", frame["chatId"])
		assert.Equal(t, "hello", frame["messageContent"])
		assert.Equal(t, "Alice", frame["messageSent"])
		assert.Equal(t, "u-1", frame["userId"])
	case <-time.After(2 * time.Second):
		t.Fatal("message never reached the live channel")
	}

	text := out.String()
	assert.Contains(t, text, "Signed in as Alice")
	assert.Contains(t, text, "Bob")
	assert.Contains(t, text, "Bob: hi there")
	assert.Contains(t, text, "You: hello")
	assert.Contains(t, text, "Live channel: open")
	assert.Contains(t, text, "Open conversation: Bob\n")
	assert.Contains(t, text, "Goodbye!")

	stored, err := m.store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "u-1", stored.ID)
	assert.Equal(t, "tok-1", stored.Token)

	assert.Equal(t, "closed", m.channel.State().String(), "channel closed on exit")
}

func TestRun_InvalidLogin(t *testing.T) {
	fb := newFakeBackend(t)
	m, out, _ := newTestMessenger(t, fb, "/login alice@example.com wrong\n/quit\n")

	require.NoError(t, m.Run(context.Background()))

	assert.Contains(t, out.String(), "invalid email or password")
	_, err := m.store.Load(context.Background())
	assert.True(t, errors.Is(err, session.ErrNotAuthenticated))
}

func TestRun_RestoresStoredSession(t *testing.T) {
	fb := newFakeBackend(t)
	m, out, _ := newTestMessenger(t, fb, "/status\n/quit\n")
	require.NoError(t, m.store.Save(context.Background(), session.User{ID: "u-1", Name: "Alice", Token: "tok-1"}))

	require.NoError(t, m.Run(context.Background()))

	assert.Equal(t, 0, fb.logins)
	assert.Contains(t, out.String(), "Signed in as Alice")
	assert.Contains(t, out.String(), "Live channel: open")
}

func TestRun_ExpiredSessionRequiresLogin(t *testing.T) {
	fb := newFakeBackend(t)
	m, out, _ := newTestMessenger(t, fb, "/quit\n")

	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
	}).SignedString([]byte("secret"))
	require.NoError(t, err)
	require.NoError(t, m.store.Save(context.Background(), session.User{ID: "u-1", Name: "Alice", Token: expired, RefreshToken: "stale"}))

	require.NoError(t, m.Run(context.Background()))

	assert.Contains(t, out.String(), "Not signed in")
	_, err = m.store.Load(context.Background())
	assert.True(t, errors.Is(err, session.ErrNotAuthenticated), "unrefreshable session is forgotten")
}

func TestRun_SearchStartAndLogout(t *testing.T) {
	fb := newFakeBackend(t)
	m, out, _ := newTestMessenger(t, fb, strings.Join([]string{
		"/login alice@example.com pw",
		"/search bob",
		"/start 1",
		"/logout",
		"/chats",
		"/quit",
	}, "\n"))

	require.NoError(t, m.Run(context.Background()))

	text := out.String()
	assert.Contains(t, text, "bob@example.com")
	assert.Contains(t, text, "--- Bob ---")
	assert.Contains(t, text, "Signed out")
	assert.Contains(t, text, session.ErrNotAuthenticated.Error())

	_, err := m.store.Load(context.Background())
	assert.True(t, errors.Is(err, session.ErrNotAuthenticated))
}

func TestRun_SendWithoutConversation(t *testing.T) {
	fb := newFakeBackend(t)
	m, out, _ := newTestMessenger(t, fb, "/login alice@example.com pw\nhello\n/bogus\n/quit\n")

	require.NoError(t, m.Run(context.Background()))

	assert.Contains(t, out.String(), "no conversation open")
	assert.Contains(t, out.String(), "unknown command /bogus")
}
