package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrNotAuthenticated is returned when no usable user record is stored
var ErrNotAuthenticated = errors.New("not authenticated")

// User is the authenticated user. It is the only state kept across runs.
type User struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Email        string    `json:"email,omitempty"`
	Token        string    `json:"token"`
	RefreshToken string    `json:"refreshToken,omitempty"`
	LoggedInAt   time.Time `json:"-"`
}

// TokenExpiry reads the exp claim of a JWT without verifying its signature.
// Opaque tokens report ok=false.
func TokenExpiry(token string) (time.Time, bool) {
	if token == "" {
		return time.Time{}, false
	}

	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

// Expired reports whether the user's token can no longer authenticate
func (u User) Expired(now time.Time) bool {
	if u.Token == "" {
		return true
	}
	exp, ok := TokenExpiry(u.Token)
	return ok && !now.Before(exp)
}

// Store persists the single authenticated user record in SQLite
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewStore creates the users table if needed and returns a Store
func NewStore(db *sql.DB, logger *slog.Logger) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("database cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	createUsersTable := `
	CREATE TABLE IF NOT EXISTS users (
		slot INTEGER PRIMARY KEY CHECK (slot = 1),
		id TEXT NOT NULL,
		name TEXT,
		email TEXT,
		token TEXT,
		refresh_token TEXT,
		logged_in_at DATETIME
	);`

	if _, err := db.Exec(createUsersTable); err != nil {
		return nil, fmt.Errorf("failed to create users table: %w", err)
	}

	return &Store{db: db, logger: logger.With("component", "session")}, nil
}

// Save replaces the stored user record
func (s *Store) Save(ctx context.Context, u User) error {
	if u.LoggedInAt.IsZero() {
		u.LoggedInAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO users (slot, id, name, email, token, refresh_token, logged_in_at) VALUES (1, ?, ?, ?, ?, ?, ?)",
		u.ID, u.Name, u.Email, u.Token, u.RefreshToken, u.LoggedInAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save user: %w", err)
	}

	s.logger.Info("user saved", "user_id", u.ID)
	return nil
}

// Load returns the stored user, or ErrNotAuthenticated when there is none
func (s *Store) Load(ctx context.Context) (*User, error) {
	var u User
	var name, email, token, refresh sql.NullString
	var loggedIn sql.NullTime

	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, email, token, refresh_token, logged_in_at FROM users WHERE slot = 1",
	).Scan(&u.ID, &name, &email, &token, &refresh, &loggedIn)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotAuthenticated
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}

	u.Name = name.String
	u.Email = email.String
	u.Token = token.String
	u.RefreshToken = refresh.String
	u.LoggedInAt = loggedIn.Time

	return &u, nil
}

// Clear removes the stored user record (logout)
func (s *Store) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM users"); err != nil {
		return fmt.Errorf("failed to clear user: %w", err)
	}
	s.logger.Info("user cleared")
	return nil
}
