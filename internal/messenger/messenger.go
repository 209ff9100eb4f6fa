package messenger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/fatih/color"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"Messenger/internal/backend"
	"Messenger/internal/cache"
	"Messenger/internal/channel"
	"Messenger/internal/config"
	"Messenger/internal/directory"
	"Messenger/internal/message"
	"Messenger/internal/outbox"
	"Messenger/internal/session"
	"Messenger/internal/telemetry"
	"Messenger/internal/timeline"
)

// Messenger represents the main application
type Messenger struct {
	config *config.Config
	logger *slog.Logger
	tracer trace.Tracer
	in     io.Reader
	out    io.Writer

	api       *backend.Client
	store     *session.Store
	router    *channel.Router
	resolver  *channel.Resolver
	channel   *channel.Manager
	directory *directory.Directory
	timeline  *timeline.Timeline
	outbox    *outbox.Coordinator

	mu         sync.Mutex
	user       *session.User
	closing    bool
	printed    map[string]struct{}
	lastSearch []backend.Profile
	shutdown   []func() error

	// output is shared by the REPL and the live-message printer
	outMu sync.Mutex
}

// deps are the process-level resources a Messenger is built on
type deps struct {
	db     *sql.DB
	logger *slog.Logger
	tracer trace.Tracer
	meter  metric.Meter
	in     io.Reader
	out    io.Writer
}

// New creates a Messenger wired to the configured backends
func New(cfg *config.Config, version string) (*Messenger, error) {
	logger, logCloser, err := telemetry.InitLogger(cfg.Logging.Dir, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	ctx := context.Background()
	tracer, meter, cleanup, err := telemetry.InitTelemetry(ctx, cfg.Logging.Dir, version)
	if err != nil {
		logCloser.Close()
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	db, err := telemetry.InitDB(cfg.Storage.DBPath)
	if err != nil {
		cleanup()
		logCloser.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	m, err := build(cfg, deps{
		db:     db,
		logger: logger,
		tracer: tracer,
		meter:  meter,
		in:     os.Stdin,
		out:    os.Stdout,
	})
	if err != nil {
		db.Close()
		cleanup()
		logCloser.Close()
		return nil, err
	}

	m.shutdown = append(m.shutdown,
		db.Close,
		func() error { cleanup(); return nil },
		logCloser.Close,
	)
	logger.Info("messenger initialized", "api", cfg.API.BaseURL, "version", version)
	return m, nil
}

func build(cfg *config.Config, d deps) (*Messenger, error) {
	if d.tracer == nil {
		d.tracer = tracenoop.NewTracerProvider().Tracer("messenger")
	}

	api, err := backend.NewClient(backend.Options{
		BaseURL: cfg.API.BaseURL,
		Timeout: cfg.API.Timeout,
		Logger:  d.logger,
		Tracer:  d.tracer,
		Meter:   d.meter,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create backend client: %w", err)
	}

	store, err := session.NewStore(d.db, d.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize session store: %w", err)
	}

	router := channel.NewRouter(cfg.Channel.BacklogSize, d.logger)
	resolver := channel.NewResolver(api, d.logger)

	manager, err := channel.NewManager(channel.Options{
		Resolver:  resolver,
		Publisher: router,
		Seen:      cache.New(cfg.Channel.DedupeTTL, cfg.Channel.DedupeSize),
		Reconnect: channel.ReconnectPolicy{
			Enabled:    cfg.Channel.Reconnect,
			MinBackoff: cfg.Channel.BackoffMin,
			MaxBackoff: cfg.Channel.BackoffMax,
			MaxElapsed: cfg.Channel.MaxElapsed,
		},
		Logger: d.logger,
		Tracer: d.tracer,
		Meter:  d.meter,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create channel manager: %w", err)
	}

	tl, err := timeline.New(timeline.Options{
		History:    api,
		Subscriber: router,
		Window:     cfg.Timeline.Window,
		EchoWindow: cfg.Timeline.EchoWindow,
		Logger:     d.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create timeline: %w", err)
	}

	var pending outbox.PendingSink
	if cfg.Send.Optimistic {
		pending = tl
	}
	ob, err := outbox.New(outbox.Options{
		Sender:      manager,
		Pending:     pending,
		EchoTimeout: cfg.Send.EchoTimeout,
		Logger:      d.logger,
		Meter:       d.meter,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create outbox: %w", err)
	}

	m := &Messenger{
		config:    cfg,
		logger:    d.logger.With("component", "messenger"),
		tracer:    d.tracer,
		in:        d.in,
		out:       d.out,
		api:       api,
		store:     store,
		router:    router,
		resolver:  resolver,
		channel:   manager,
		directory: directory.New(api, api, cfg.Directory.Concurrency, d.logger),
		timeline:  tl,
		outbox:    ob,
		printed:   make(map[string]struct{}),
	}

	tl.OnChange(m.printNewMessages)
	manager.OnStateChange(m.onChannelState)
	return m, nil
}

// currentUser returns a copy of the logged-in user, or nil
func (m *Messenger) currentUser() *session.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.user == nil {
		return nil
	}
	u := *m.user
	return &u
}

// restoreSession resumes the persisted user, refreshing an expired token when possible
func (m *Messenger) restoreSession(ctx context.Context) (*session.User, error) {
	user, err := m.store.Load(ctx)
	if errors.Is(err, session.ErrNotAuthenticated) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if !user.Expired(time.Now()) {
		return user, nil
	}

	if user.RefreshToken == "" {
		m.logger.Info("stored token expired", "user_id", user.ID)
		return nil, m.store.Clear(ctx)
	}

	token, err := m.api.Refresh(ctx, user.RefreshToken)
	if err != nil {
		m.logger.Warn("token refresh failed", "user_id", user.ID, "error", err)
		return nil, m.store.Clear(ctx)
	}

	user.Token = token
	if err := m.store.Save(ctx, *user); err != nil {
		return nil, err
	}
	m.logger.Info("token refreshed", "user_id", user.ID)
	return user, nil
}

// startSession makes user current, opens the live channel and lists conversations
func (m *Messenger) startSession(ctx context.Context, user session.User) {
	m.api.SetToken(user.Token)

	m.mu.Lock()
	m.user = &user
	m.closing = false
	m.mu.Unlock()

	m.printf(color.New(color.FgGreen), "Signed in as %s\n", user.Name)

	if err := m.channel.Connect(ctx, user); err != nil {
		m.logger.Error("failed to open live channel", "error", err)
		m.printf(color.New(color.FgYellow), "Live updates unavailable: %v (use /reconnect)\n", err)
	}

	if err := m.listConversations(ctx); err != nil {
		m.logger.Error("failed to list conversations", "error", err)
		m.printf(color.New(color.FgRed), "Error: %v\n", err)
	}
}

// endSession tears down everything tied to the current user
func (m *Messenger) endSession(ctx context.Context, forget bool) error {
	m.mu.Lock()
	m.closing = true
	m.user = nil
	m.printed = make(map[string]struct{})
	m.lastSearch = nil
	m.mu.Unlock()

	m.channel.Close()
	m.timeline.Close()
	m.directory.Reset()
	m.router.Reset()
	m.api.SetToken("")

	if forget {
		return m.store.Clear(ctx)
	}
	return nil
}

// Close releases every resource. The live channel is always closed.
func (m *Messenger) Close() error {
	m.mu.Lock()
	m.closing = true
	m.mu.Unlock()

	m.channel.Close()
	m.timeline.Close()
	m.router.Close()

	var firstErr error
	for _, fn := range m.shutdown {
		if err := fn(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	m.shutdown = nil
	return firstErr
}

func (m *Messenger) onChannelState(s channel.State) {
	m.mu.Lock()
	quiet := m.closing || m.user == nil
	m.mu.Unlock()
	if quiet {
		return
	}

	switch s {
	case channel.StateOpen:
		m.printf(color.New(color.FgHiBlack), "[live channel open]\n")
	case channel.StateClosed:
		if m.config.Channel.Reconnect {
			m.printf(color.New(color.FgYellow), "[live channel lost, reconnecting]\n")
		} else {
			m.printf(color.New(color.FgYellow), "[live channel lost, use /reconnect]\n")
		}
	}
}

// printNewMessages prints timeline entries not yet shown, in timeline order.
// A confirmed echo is recognized by the ClientID of the pending entry already printed.
func (m *Messenger) printNewMessages() {
	user := m.currentUser()
	msgs := m.timeline.Messages()

	m.mu.Lock()
	var fresh []message.Message
	for _, msg := range msgs {
		if _, ok := m.printed[msg.Key()]; ok {
			continue
		}
		if msg.ClientID != "" {
			if _, ok := m.printed["client:"+msg.ClientID]; ok {
				m.printed[msg.Key()] = struct{}{}
				continue
			}
		}
		m.printed[msg.Key()] = struct{}{}
		fresh = append(fresh, msg)
	}
	m.mu.Unlock()

	for _, msg := range fresh {
		m.printMessage(msg, user)
	}
}

func (m *Messenger) printMessage(msg message.Message, user *session.User) {
	stamp := msg.SentAt.Local().Format("Jan 2 15:04")

	if user != nil && msg.SentBy(user.ID) {
		suffix := ""
		if msg.Pending {
			suffix = " (sending)"
		}
		m.printf(color.New(color.FgGreen), "%40s[%s] You: %s%s\n", "", stamp, msg.Content, suffix)
		return
	}

	name := msg.SenderName
	if name == "" {
		if conv, ok := m.directory.Find(msg.ConversationID); ok && conv.OtherParticipantID == msg.SenderID {
			name = conv.DisplayName
		} else {
			name = msg.SenderID
		}
	}
	m.printf(color.New(color.FgCyan), "[%s] %s: %s\n", stamp, name, msg.Content)
}

func (m *Messenger) printf(c *color.Color, format string, args ...any) {
	m.outMu.Lock()
	defer m.outMu.Unlock()
	c.Fprintf(m.out, format, args...)
}

func (m *Messenger) println(args ...any) {
	m.outMu.Lock()
	defer m.outMu.Unlock()
	fmt.Fprintln(m.out, args...)
}
