package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"

	"Messenger/internal/message"
	"Messenger/internal/session"
)

// ErrEmptyContent is returned when a message has nothing to send after trimming
var ErrEmptyContent = errors.New("message content is empty")

const defaultEchoTimeout = 10 * time.Second

// Sender writes an outgoing frame to the live channel
type Sender interface {
	Send(ctx context.Context, frame message.Wire) error
}

// PendingSink shows locally sent messages until the echo confirms them
type PendingSink interface {
	AddPending(msg message.Message)
	ExpirePending(clientID string) bool
}

// Intent is a message the user asked to send
type Intent struct {
	ConversationID string `validate:"required"`
	SenderID       string `validate:"required"`
	SenderName     string
	Content        string `validate:"required,max=4096"`
}

// Options configures a Coordinator
type Options struct {
	Sender Sender
	// Pending enables optimistic display when non-nil
	Pending     PendingSink
	EchoTimeout time.Duration
	Logger      *slog.Logger
	Meter       metric.Meter
}

// Coordinator turns user input into outgoing frames
type Coordinator struct {
	sender      Sender
	pending     PendingSink
	echoTimeout time.Duration
	validate    *validator.Validate
	logger      *slog.Logger
	sent        metric.Int64Counter
	now         func() time.Time
	afterFunc   func(time.Duration, func())
}

// New creates a Coordinator
func New(opts Options) (*Coordinator, error) {
	if opts.Sender == nil {
		return nil, fmt.Errorf("sender cannot be nil")
	}
	echoTimeout := opts.EchoTimeout
	if echoTimeout <= 0 {
		echoTimeout = defaultEchoTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	meter := opts.Meter
	if meter == nil {
		meter = metricnoop.NewMeterProvider().Meter("outbox")
	}

	sent, err := meter.Int64Counter("outbox.sent", metric.WithDescription("Messages submitted to the live channel"))
	if err != nil {
		return nil, fmt.Errorf("failed to create counter: %w", err)
	}

	return &Coordinator{
		sender:      opts.Sender,
		pending:     opts.Pending,
		echoTimeout: echoTimeout,
		validate:    validator.New(),
		logger:      logger.With("component", "outbox"),
		sent:        sent,
		now:         time.Now,
		afterFunc: func(d time.Duration, f func()) {
			time.AfterFunc(d, f)
		},
	}, nil
}

// Submit sends content to conversationID as user.
// Nothing is queued: a send failure is returned and the pending entry, if any, is withdrawn.
func (c *Coordinator) Submit(ctx context.Context, conversationID, content string, user session.User) (message.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return message.Message{}, ErrEmptyContent
	}

	intent := Intent{
		ConversationID: conversationID,
		SenderID:       user.ID,
		SenderName:     user.Name,
		Content:        content,
	}
	if err := c.validate.Struct(intent); err != nil {
		return message.Message{}, fmt.Errorf("invalid message: %w", err)
	}

	msg := message.Message{
		ConversationID: intent.ConversationID,
		SenderID:       intent.SenderID,
		SenderName:     intent.SenderName,
		Content:        intent.Content,
		SentAt:         c.now().UTC(),
		ClientID:       uuid.NewString(),
		Pending:        c.pending != nil,
	}

	if c.pending != nil {
		c.pending.AddPending(msg)
	}

	frame := message.Outgoing(intent.ConversationID, intent.SenderID, intent.SenderName, intent.Content)
	if err := c.sender.Send(ctx, frame); err != nil {
		if c.pending != nil {
			c.pending.ExpirePending(msg.ClientID)
		}
		c.logger.Warn("send failed", "conversation_id", conversationID, "error", err)
		return message.Message{}, fmt.Errorf("failed to send message: %w", err)
	}

	c.sent.Add(ctx, 1, metric.WithAttributes(attribute.Bool("optimistic", c.pending != nil)))
	c.logger.Debug("message sent", "conversation_id", conversationID, "client_id", msg.ClientID)

	if c.pending != nil {
		clientID := msg.ClientID
		c.afterFunc(c.echoTimeout, func() {
			if c.pending.ExpirePending(clientID) {
				c.logger.Warn("no echo received for sent message", "client_id", clientID, "timeout", c.echoTimeout)
			}
		})
	}

	return msg, nil
}
