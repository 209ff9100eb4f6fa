package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"Messenger/internal/cache"
	"Messenger/internal/message"
	"Messenger/internal/session"
)

var (
	// ErrChannelNotOpen is returned by Send when there is no live connection
	ErrChannelNotOpen = errors.New("channel not open")
	// ErrSendOnUnopened is returned by Send while a connection is still being established
	ErrSendOnUnopened = errors.New("channel is still connecting")

	errSuperseded = errors.New("connection attempt superseded")
)

const defaultWriteTimeout = 10 * time.Second

// State is the lifecycle state of the live channel
type State int

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// EndpointResolver names the endpoint to dial for a user
type EndpointResolver interface {
	Resolve(ctx context.Context, userID string) (Endpoint, error)
}

// Publisher receives every message parsed off the wire
type Publisher interface {
	Publish(msg message.Message)
}

// ReconnectPolicy controls automatic redial after an unexpected disconnect
type ReconnectPolicy struct {
	Enabled    bool
	MinBackoff time.Duration
	MaxBackoff time.Duration
	MaxElapsed time.Duration
}

// Options configures a Manager
type Options struct {
	Resolver  EndpointResolver
	Publisher Publisher
	Seen      *cache.Seen
	Reconnect ReconnectPolicy
	Dialer    *websocket.Dialer
	Logger    *slog.Logger
	Tracer    trace.Tracer
	Meter     metric.Meter
}

// Manager owns the single live connection to the assigned messaging instance
type Manager struct {
	resolver  EndpointResolver
	publisher Publisher
	seen      *cache.Seen
	policy    ReconnectPolicy
	dialer    *websocket.Dialer
	logger    *slog.Logger
	tracer    trace.Tracer

	framesReceived  metric.Int64Counter
	framesMalformed metric.Int64Counter
	framesDuplicate metric.Int64Counter
	reconnects      metric.Int64Counter

	mu              sync.Mutex
	state           State
	conn            *websocket.Conn
	gen             uint64
	user            session.User
	cancelReconnect context.CancelFunc
	listeners       []func(State)

	writeMu sync.Mutex
}

// NewManager creates a Manager in the Closed state
func NewManager(opts Options) (*Manager, error) {
	if opts.Resolver == nil {
		return nil, fmt.Errorf("resolver cannot be nil")
	}
	if opts.Publisher == nil {
		return nil, fmt.Errorf("publisher cannot be nil")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = tracenoop.NewTracerProvider().Tracer("channel")
	}
	meter := opts.Meter
	if meter == nil {
		meter = metricnoop.NewMeterProvider().Meter("channel")
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	m := &Manager{
		resolver:  opts.Resolver,
		publisher: opts.Publisher,
		seen:      opts.Seen,
		policy:    opts.Reconnect,
		dialer:    dialer,
		logger:    logger.With("component", "channel"),
		tracer:    tracer,
	}

	counters := []struct {
		name string
		desc string
		dst  *metric.Int64Counter
	}{
		{"channel.frames.received", "Frames read from the live channel", &m.framesReceived},
		{"channel.frames.malformed", "Frames dropped because they could not be parsed", &m.framesMalformed},
		{"channel.frames.duplicate", "Frames dropped as redeliveries", &m.framesDuplicate},
		{"channel.reconnects", "Automatic reconnect attempts", &m.reconnects},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("failed to create counter %s: %w", c.name, err)
		}
		*c.dst = counter
	}

	return m, nil
}

// State returns the current state
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Tracked returns how many recent frame keys are held for redelivery detection
func (m *Manager) Tracked() int {
	if m.seen == nil {
		return 0
	}
	return m.seen.Len()
}

// OnStateChange registers fn to be called after every state transition
func (m *Manager) OnStateChange(fn func(State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Connect resolves the user's endpoint and opens the live connection.
// Any existing connection is closed first and any pending reconnect is cancelled.
// Frames seen by a different user are forgotten.
func (m *Manager) Connect(ctx context.Context, user session.User) error {
	m.mu.Lock()
	m.stopReconnectLocked()
	switched := m.user.ID != user.ID
	m.user = user
	m.mu.Unlock()

	if switched && m.seen != nil {
		m.seen.Clear()
	}

	return m.open(ctx, user)
}

// Reconnect re-opens the connection for the last connected user
func (m *Manager) Reconnect(ctx context.Context) error {
	m.mu.Lock()
	user := m.user
	m.mu.Unlock()

	if user.ID == "" {
		return fmt.Errorf("%w: no user to reconnect", ErrChannelNotOpen)
	}
	return m.Connect(ctx, user)
}

func (m *Manager) open(ctx context.Context, user session.User) error {
	ctx, span := m.tracer.Start(ctx, "channel.connect", trace.WithAttributes(attribute.String("user_id", user.ID)))
	defer span.End()

	m.mu.Lock()
	if err := ctx.Err(); err != nil {
		m.mu.Unlock()
		return err
	}
	m.gen++
	gen := m.gen
	prev := m.conn
	m.conn = nil
	notify := m.setStateLocked(StateConnecting)
	m.mu.Unlock()
	notify()

	if prev != nil {
		m.logger.Info("closing previous connection before connecting")
		closeConn(prev)
	}

	fail := func(err error) error {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		m.mu.Lock()
		if m.gen != gen {
			m.mu.Unlock()
			return errSuperseded
		}
		notify := m.setStateLocked(StateClosed)
		m.mu.Unlock()
		notify()
		return err
	}

	ep, err := m.resolver.Resolve(ctx, user.ID)
	if err != nil {
		return fail(err)
	}

	target, err := DialURL(ep.Address, user)
	if err != nil {
		return fail(err)
	}

	conn, _, err := m.dialer.DialContext(ctx, target, nil)
	if err != nil {
		m.logger.Warn("dial failed", "address", ep.Address, "error", err)
		return fail(fmt.Errorf("failed to connect to %s: %w", ep.Address, err))
	}

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		closeConn(conn)
		return errSuperseded
	}
	m.conn = conn
	notify = m.setStateLocked(StateOpen)
	m.mu.Unlock()
	notify()

	m.logger.Info("channel open", "user_id", user.ID, "service_id", ep.ServiceID, "address", ep.Address)
	go m.readLoop(gen, conn)
	return nil
}

func (m *Manager) readLoop(gen uint64, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.connectionLost(gen, conn, err)
			return
		}
		m.handleFrame(data)
	}
}

func (m *Manager) handleFrame(data []byte) {
	ctx := context.Background()
	m.framesReceived.Add(ctx, 1)

	msg, err := message.Parse(data, time.Now())
	if err != nil {
		m.framesMalformed.Add(ctx, 1)
		m.logger.Warn("dropping malformed frame", "error", err, "size", len(data))
		return
	}

	if m.seen != nil && m.seen.CheckAndMark(msg.Key()) {
		m.framesDuplicate.Add(ctx, 1)
		m.logger.Debug("dropping redelivered frame", "message_id", msg.ID, "conversation_id", msg.ConversationID)
		return
	}

	m.publisher.Publish(msg)
}

// connectionLost handles the end of a reader. Readers of superseded or
// deliberately closed connections see a newer generation and do nothing.
func (m *Manager) connectionLost(gen uint64, conn *websocket.Conn, cause error) {
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	notify := m.setStateLocked(StateClosed)
	user := m.user

	var ctx context.Context
	var cancel context.CancelFunc
	if m.policy.Enabled {
		m.stopReconnectLocked()
		ctx, cancel = context.WithCancel(context.Background())
		m.cancelReconnect = cancel
	}
	m.mu.Unlock()

	conn.Close()
	notify()

	if websocket.IsCloseError(cause, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		m.logger.Info("channel closed by server", "reason", cause)
	} else {
		m.logger.Warn("channel lost", "error", cause)
	}

	if ctx != nil {
		go m.reconnectLoop(ctx, cancel, user)
	}
}

func (m *Manager) reconnectLoop(ctx context.Context, cancel context.CancelFunc, user session.User) {
	defer cancel()

	b := backoff.NewExponentialBackOff()
	if m.policy.MinBackoff > 0 {
		b.InitialInterval = m.policy.MinBackoff
	}
	if m.policy.MaxBackoff > 0 {
		b.MaxInterval = m.policy.MaxBackoff
	}
	b.MaxElapsedTime = m.policy.MaxElapsed

	attempt := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		m.reconnects.Add(ctx, 1)
		err := m.open(ctx, user)
		if errors.Is(err, errSuperseded) || errors.Is(err, context.Canceled) {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		m.logger.Warn("reconnect attempt failed", "error", err, "retry_in", wait)
	}

	if err := backoff.RetryNotify(attempt, backoff.WithContext(b, ctx), notify); err != nil {
		if ctx.Err() == nil && !errors.Is(err, errSuperseded) {
			m.logger.Error("giving up on reconnect", "error", err)
		}
		return
	}
	m.logger.Info("reconnected", "user_id", user.ID)
}

// Send writes one frame to the open connection
func (m *Manager) Send(ctx context.Context, frame message.Wire) error {
	m.mu.Lock()
	state, conn := m.state, m.conn
	m.mu.Unlock()

	if state == StateConnecting {
		return ErrSendOnUnopened
	}
	if conn == nil {
		return ErrChannelNotOpen
	}

	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultWriteTimeout)
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	if err := conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("%w: %v", ErrChannelNotOpen, err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// Close shuts the connection and cancels any reconnect. Safe to call repeatedly.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.stopReconnectLocked()
	m.gen++
	conn := m.conn
	m.conn = nil
	notify := m.setStateLocked(StateClosed)
	m.mu.Unlock()

	if conn != nil {
		closeConn(conn)
		m.logger.Info("channel closed")
	}
	notify()
	return nil
}

func (m *Manager) stopReconnectLocked() {
	if m.cancelReconnect != nil {
		m.cancelReconnect()
		m.cancelReconnect = nil
	}
}

// setStateLocked records s and returns a func that notifies listeners.
// The returned func must be called after m.mu is released.
func (m *Manager) setStateLocked(s State) func() {
	if m.state == s {
		return func() {}
	}
	from := m.state
	m.state = s
	listeners := make([]func(State), len(m.listeners))
	copy(listeners, m.listeners)

	m.logger.Info("channel state changed", "from", from.String(), "to", s.String())
	return func() {
		for _, fn := range listeners {
			fn(s)
		}
	}
}

func closeConn(conn *websocket.Conn) {
	_ = conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	conn.Close()
}
