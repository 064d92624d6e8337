package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"oidcbff/flow"
)

// RefreshFunc trades a refresh token at the named provider.
type RefreshFunc func(ctx context.Context, provider, refreshToken string) (*flow.TokenResponse, error)

// Manager layers the login and refresh lifecycles on top of a Store.
type Manager struct {
	Store
	refresh RefreshFunc
	logger  *slog.Logger
}

// NewManager wraps store. refresh may be nil when refresh is not offered.
func NewManager(store Store, refresh RefreshFunc, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{Store: store, refresh: refresh, logger: logger}
}

// ConsumeAuth takes the authorization session id and checks the returned
// state against it. The session is gone afterwards whatever the outcome.
func (m *Manager) ConsumeAuth(ctx context.Context, id, state string) (*AuthorizationSession, error) {
	if id == "" {
		return nil, ErrSessionNotFound
	}
	a, err := m.TakeAuth(ctx, id)
	if err != nil {
		return nil, err
	}
	if state == "" || a.State != state {
		return nil, ErrStateMismatch
	}
	return a, nil
}

// Refresh exchanges the refresh token held by session id and replaces the
// session with a new one. The old session is deleted on every path once it
// has been found.
func (m *Manager) Refresh(ctx context.Context, id string) (string, error) {
	sess, err := m.GetUser(ctx, id)
	if err != nil {
		return "", err
	}
	if sess == nil {
		return "", ErrSessionNotFound
	}
	if sess.RefreshToken == "" || m.refresh == nil {
		m.drop(ctx, id)
		return "", ErrNoRefreshToken
	}

	tokens, err := m.refresh(ctx, sess.Provider, sess.RefreshToken)
	m.drop(ctx, id)
	if err != nil {
		if !errors.Is(err, flow.ErrRefreshFailed) {
			err = fmt.Errorf("%w: %w", flow.ErrRefreshFailed, err)
		}
		m.logger.Warn("session refresh failed", "provider", sess.Provider, "user_id", sess.UserID, "error", err)
		return "", err
	}

	refreshToken := tokens.RefreshToken
	if refreshToken == "" {
		refreshToken = sess.RefreshToken
	}
	return m.CreateUser(ctx, NewUserSession{
		UserID:       sess.UserID,
		Provider:     sess.Provider,
		RefreshToken: refreshToken,
		AccessToken:  tokens.AccessToken,
		AccessExpiry: tokens.Expiry,
	})
}

func (m *Manager) drop(ctx context.Context, id string) {
	if err := m.DeleteUser(context.WithoutCancel(ctx), id); err != nil {
		m.logger.Error("delete user session", "error", err)
	}
}
