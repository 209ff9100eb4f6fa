package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"Messenger/internal/message"
	"Messenger/internal/session"
)

var (
	// ErrInvalidCredentials is returned when the identity service rejects a login or refresh
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrUserExists is returned when registering an email that is taken
	ErrUserExists = errors.New("user already exists")
)

// Profile is the public view of a user
type Profile struct {
	ID    string
	Name  string
	Email string
}

// userResponse is the identity service's user record.
// Login and register responses also carry the gateway-issued tokens.
type userResponse struct {
	ID           message.ID `json:"id"`
	Name         string     `json:"name"`
	Email        string     `json:"email"`
	Token        string     `json:"token"`
	RefreshToken string     `json:"refreshToken"`
}

func (r userResponse) profile() Profile {
	return Profile{ID: r.ID.String(), Name: r.Name, Email: r.Email}
}

func (r userResponse) user() session.User {
	return session.User{
		ID:           r.ID.String(),
		Name:         r.Name,
		Email:        r.Email,
		Token:        r.Token,
		RefreshToken: r.RefreshToken,
	}
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type registerRequest struct {
	Name string `json:"name"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type refreshResponse struct {
	Token string `json:"token"`
}

// Login authenticates with email and password
func (c *Client) Login(ctx context.Context, email, password string) (session.User, error) {
	var resp userResponse
	err := c.do(ctx, request{
		op:     "identity.login",
		method: http.MethodPost,
		path:   "/users/login",
		body:   loginRequest{Email: email, Password: password},
	}, &resp)
	if HasStatus(err, http.StatusUnauthorized, http.StatusForbidden) {
		return session.User{}, fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}
	if err != nil {
		return session.User{}, err
	}
	if resp.ID == "" || resp.Token == "" {
		return session.User{}, fmt.Errorf("identity.login: response is missing id or token")
	}

	c.logger.Info("logged in", "user_id", resp.ID)
	return resp.user(), nil
}

// Register creates an account. Credentials travel once as HTTP Basic auth.
func (c *Client) Register(ctx context.Context, name, email, password string) (session.User, error) {
	var resp userResponse
	err := c.do(ctx, request{
		op:        "identity.register",
		method:    http.MethodPost,
		path:      "/users/register",
		body:      registerRequest{Name: name},
		basicAuth: &[2]string{email, password},
	}, &resp)
	if HasStatus(err, http.StatusConflict) {
		return session.User{}, fmt.Errorf("%w: %v", ErrUserExists, err)
	}
	if err != nil {
		return session.User{}, err
	}
	if resp.ID == "" || resp.Token == "" {
		return session.User{}, fmt.Errorf("identity.register: response is missing id or token")
	}

	c.logger.Info("registered", "user_id", resp.ID)
	return resp.user(), nil
}

// Refresh exchanges a refresh token for a new access token
func (c *Client) Refresh(ctx context.Context, refreshToken string) (string, error) {
	var resp refreshResponse
	err := c.do(ctx, request{
		op:     "identity.refresh",
		method: http.MethodPost,
		path:   "/gateway/auth/refresh",
		body:   refreshRequest{RefreshToken: refreshToken},
	}, &resp)
	if HasStatus(err, http.StatusUnauthorized, http.StatusForbidden) {
		return "", fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}
	if err != nil {
		return "", err
	}
	if resp.Token == "" {
		return "", fmt.Errorf("identity.refresh: response is missing token")
	}
	return resp.Token, nil
}

// GetUser fetches a user's profile by id
func (c *Client) GetUser(ctx context.Context, userID string) (Profile, error) {
	var resp userResponse
	err := c.do(ctx, request{
		op:     "identity.get_user",
		method: http.MethodGet,
		path:   "/users/" + url.PathEscape(userID),
	}, &resp)
	if err != nil {
		return Profile{}, err
	}
	return resp.profile(), nil
}

// SearchUsers finds users whose name or email matches query
func (c *Client) SearchUsers(ctx context.Context, query string) ([]Profile, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}

	var resp []userResponse
	err := c.do(ctx, request{
		op:     "identity.search",
		method: http.MethodGet,
		path:   "/users/search",
		query:  url.Values{"query": {query}},
	}, &resp)
	if err != nil {
		return nil, err
	}

	profiles := make([]Profile, 0, len(resp))
	for _, r := range resp {
		profiles = append(profiles, r.profile())
	}
	return profiles, nil
}
