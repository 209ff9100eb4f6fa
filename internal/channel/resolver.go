package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	"Messenger/internal/backend"
	"Messenger/internal/session"
)

// ErrDirectoryUnavailable is returned when the registry cannot name a messaging instance
var ErrDirectoryUnavailable = errors.New("service directory unavailable")

// Endpoint is the messaging instance a user should connect to
type Endpoint struct {
	ServiceID string
	Address   string
}

// AssignmentLookup is the registry call the Resolver depends on
type AssignmentLookup interface {
	Assignment(ctx context.Context, userID string) (backend.Assignment, error)
}

// Resolver asks the registry for the user's endpoint on every call.
// Nothing is cached; only the last answer is remembered for display.
type Resolver struct {
	lookup AssignmentLookup
	logger *slog.Logger

	mu   sync.RWMutex
	last Endpoint
}

// NewResolver creates a Resolver
func NewResolver(lookup AssignmentLookup, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{lookup: lookup, logger: logger.With("component", "resolver")}
}

// Resolve returns the endpoint currently assigned to userID
func (r *Resolver) Resolve(ctx context.Context, userID string) (Endpoint, error) {
	a, err := r.lookup.Assignment(ctx, userID)
	if err != nil {
		r.logger.Warn("registry lookup failed", "user_id", userID, "error", err)
		return Endpoint{}, fmt.Errorf("%w: %v", ErrDirectoryUnavailable, err)
	}
	if strings.TrimSpace(a.Address) == "" {
		r.logger.Warn("registry returned no address", "user_id", userID, "service_id", a.ServiceID)
		return Endpoint{}, fmt.Errorf("%w: no address assigned", ErrDirectoryUnavailable)
	}

	ep := Endpoint{ServiceID: a.ServiceID, Address: a.Address}

	r.mu.Lock()
	r.last = ep
	r.mu.Unlock()

	r.logger.Info("endpoint resolved", "user_id", userID, "service_id", ep.ServiceID, "address", ep.Address)
	return ep, nil
}

// Last returns the most recently resolved endpoint
func (r *Resolver) Last() Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.last
}

// DialURL appends the userId and token query parameters the messaging service authenticates with
func DialURL(address string, user session.User) (string, error) {
	u, err := url.Parse(address)
	if err != nil {
		return "", fmt.Errorf("invalid endpoint address %q: %w", address, err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid endpoint address %q: unsupported scheme", address)
	}

	q := u.Query()
	q.Set("userId", user.ID)
	q.Set("token", user.Token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
