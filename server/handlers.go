package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"oidcbff/flow"
	"oidcbff/session"
	"oidcbff/users"
)

type errorBody struct {
	Error       string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

func (a *App) handleLogin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	name := q.Get("provider")
	if name == "" {
		name = a.Config.Server.DefaultProvider
	}
	provider, err := a.Providers.Get(name)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unknown_provider", "provider not configured")
		return
	}
	annotate(ctx, "", provider.Name)

	redirect := q.Get("redirect_uri")
	if redirect == "" {
		redirect = "/"
	} else if !a.redirects.allowed(redirect) {
		a.Logger.Warn("login redirect rejected", "provider", provider.Name, "redirect_uri", redirect)
		writeError(w, http.StatusBadRequest, "invalid_redirect", "redirect_uri not allowed")
		return
	}

	verifier, challenge := flow.GeneratePKCEPair()
	state, err := flow.GenerateState()
	if err != nil {
		a.Logger.Error("generate state", "error", err)
		writeError(w, http.StatusInternalServerError, "server_error", "")
		return
	}
	id, err := a.Sessions.CreateAuth(ctx, verifier, state, provider.Name, redirect)
	if err != nil {
		a.Logger.Error("create auth session", "error", err)
		writeError(w, http.StatusInternalServerError, "server_error", "")
		return
	}

	a.cookies.setAuth(w, id)
	logins.WithLabelValues(provider.Name, "started").Inc()
	http.Redirect(w, r, a.Exchanger.AuthCodeURL(provider, state, challenge), http.StatusFound)
}

func (a *App) handleCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()
	authID := cookieValue(r, authCookieName)

	if providerErr := q.Get("error"); providerErr != "" {
		a.Logger.Warn("provider returned error", "error", providerErr, "description", q.Get("error_description"))
		if authID != "" {
			if err := a.Sessions.DeleteAuth(ctx, authID); err != nil {
				a.Logger.Error("delete auth session", "error", err)
			}
		}
		a.cookies.clearAuth(w)
		writeError(w, http.StatusBadRequest, "login_failed", "provider returned an error")
		return
	}
	if authID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "no login in progress")
		return
	}

	auth, err := a.Sessions.ConsumeAuth(ctx, authID, q.Get("state"))
	a.cookies.clearAuth(w)
	switch {
	case errors.Is(err, session.ErrStateMismatch):
		a.Logger.Warn("callback state mismatch", "request_id", RequestIDFromContext(ctx))
		writeError(w, http.StatusBadRequest, "invalid_state", "state mismatch")
		return
	case errors.Is(err, session.ErrSessionNotFound), errors.Is(err, session.ErrSessionExpired):
		writeError(w, http.StatusBadRequest, "invalid_request", "login session expired")
		return
	case err != nil:
		a.Logger.Error("consume auth session", "error", err)
		writeError(w, http.StatusInternalServerError, "server_error", "")
		return
	}
	annotate(ctx, "", auth.Provider)

	code := q.Get("code")
	if code == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "missing code")
		return
	}
	provider, err := a.Providers.Get(auth.Provider)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unknown_provider", "provider not configured")
		return
	}

	tokens, err := a.Exchanger.ExchangeCode(ctx, code, auth.Verifier, provider)
	if err != nil {
		a.Logger.Error("code exchange failed", "provider", provider.Name, "error", err)
		logins.WithLabelValues(provider.Name, "exchange_failed").Inc()
		writeError(w, http.StatusInternalServerError, "login_failed", "")
		return
	}
	claims, err := a.Exchanger.UserClaims(ctx, tokens.AccessToken, tokens.IDToken, provider)
	if err != nil {
		a.Logger.Error("user claims", "provider", provider.Name, "error", err)
		logins.WithLabelValues(provider.Name, "claims_failed").Inc()
		writeError(w, http.StatusInternalServerError, "login_failed", "")
		return
	}
	user, err := a.Provisioner.Provision(ctx, claims, provider.Name)
	if err != nil {
		a.Logger.Error("provisioning failed", "provider", provider.Name, "error", err)
		logins.WithLabelValues(provider.Name, "provisioning_failed").Inc()
		writeError(w, http.StatusInternalServerError, "login_failed", "")
		return
	}

	sid, err := a.Sessions.CreateUser(ctx, session.NewUserSession{
		UserID:       user.ID,
		Provider:     provider.Name,
		RefreshToken: tokens.RefreshToken,
		AccessToken:  tokens.AccessToken,
		AccessExpiry: tokens.Expiry,
	})
	if err != nil {
		a.Logger.Error("create user session", "error", err)
		writeError(w, http.StatusInternalServerError, "server_error", "")
		return
	}

	a.cookies.setUser(w, sid)
	annotate(ctx, user.ID, provider.Name)
	logins.WithLabelValues(provider.Name, "ok").Inc()

	target := auth.RedirectURI
	if target == "" {
		target = "/"
	}
	http.Redirect(w, r, target, http.StatusFound)
}

// handleLogout ends the browser session and returns 200 with the provider's
// logout_url when it has one. A live session must present its CSRF token in
// X-CSRF-Token, otherwise the request fails with 403 and nothing is deleted.
// Without a session cookie the call is a no-op that still returns 200.
func (a *App) handleLogout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	resp := map[string]any{}

	if sid := cookieValue(r, userCookieName); sid != "" {
		sess, err := a.Sessions.GetUser(ctx, sid)
		if err != nil {
			a.Logger.Error("load user session", "error", err)
			writeError(w, http.StatusInternalServerError, "server_error", "")
			return
		}
		if sess != nil {
			if !a.CSRF.Validate(sid, r.Header.Get(csrfHeader)) {
				writeError(w, http.StatusForbidden, "invalid_csrf", "missing or invalid CSRF token")
				return
			}
			if err := a.Sessions.DeleteUser(ctx, sid); err != nil {
				a.Logger.Error("delete user session", "error", err)
				writeError(w, http.StatusInternalServerError, "server_error", "")
				return
			}
			annotate(ctx, sess.UserID, sess.Provider)
			if p, err := a.Providers.Get(sess.Provider); err == nil && p.EndSessionURL != "" {
				resp["logout_url"] = a.endSessionURL(p)
			}
		}
	}

	a.cookies.clearUser(w)
	writeJSON(w, http.StatusOK, resp)
}

func (a *App) endSessionURL(p *flow.Provider) string {
	u, err := url.Parse(p.EndSessionURL)
	if err != nil {
		return p.EndSessionURL
	}
	q := u.Query()
	q.Set("client_id", p.ClientID)
	q.Set("post_logout_redirect_uri", strings.TrimSuffix(a.Config.Server.PublicURL, "/")+"/")
	u.RawQuery = q.Encode()
	return u.String()
}

type meResponse struct {
	Authenticated bool        `json:"authenticated"`
	User          *users.User `json:"user,omitempty"`
	Provider      string      `json:"provider,omitempty"`
	CSRFToken     string      `json:"csrf_token,omitempty"`
}

func (a *App) handleMe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sid := cookieValue(r, userCookieName)
	if sid == "" {
		writeJSON(w, http.StatusOK, meResponse{})
		return
	}
	sess, err := a.Sessions.GetUser(ctx, sid)
	if err != nil {
		a.Logger.Error("load user session", "error", err)
		writeError(w, http.StatusInternalServerError, "server_error", "")
		return
	}
	if sess == nil {
		a.cookies.clearUser(w)
		writeJSON(w, http.StatusOK, meResponse{})
		return
	}

	user, err := a.Users.GetUserByID(ctx, sess.UserID)
	if errors.Is(err, users.ErrNotFound) {
		if err := a.Sessions.DeleteUser(ctx, sid); err != nil {
			a.Logger.Error("delete user session", "error", err)
		}
		a.cookies.clearUser(w)
		writeJSON(w, http.StatusOK, meResponse{})
		return
	}
	if err != nil {
		a.Logger.Error("load user", "error", err)
		writeError(w, http.StatusInternalServerError, "server_error", "")
		return
	}

	annotate(ctx, user.ID, sess.Provider)
	writeJSON(w, http.StatusOK, meResponse{
		Authenticated: true,
		User:          user,
		Provider:      sess.Provider,
		CSRFToken:     a.CSRF.Generate(sid),
	})
}

func (a *App) handleRefresh(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sid := cookieValue(r, userCookieName)
	if sid == "" {
		writeError(w, http.StatusUnauthorized, "unauthenticated", "no session")
		return
	}

	newID, err := a.Sessions.Refresh(ctx, sid)
	if err != nil {
		reason := "failed"
		if errors.Is(err, session.ErrSessionNotFound) {
			reason = "no_session"
		} else if errors.Is(err, session.ErrNoRefreshToken) {
			reason = "no_refresh_token"
		}
		sessionRefreshes.WithLabelValues(reason).Inc()
		a.Logger.Info("session refresh rejected", "reason", reason, "error", err)
		a.cookies.clearUser(w)
		writeError(w, http.StatusUnauthorized, "unauthenticated", "session refresh failed")
		return
	}

	sessionRefreshes.WithLabelValues("ok").Inc()
	a.cookies.setUser(w, newID)
	writeJSON(w, http.StatusOK, map[string]any{
		"refreshed":  true,
		"csrf_token": a.CSRF.Generate(newID),
	})
}

func (a *App) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *App) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	checks := map[string]string{"keys": "ok", "sessions": "ok", "users": "ok"}
	status := http.StatusOK
	if !a.Ready() {
		checks["keys"] = "warming"
		status = http.StatusServiceUnavailable
	}
	if err := a.Sessions.Ping(ctx); err != nil {
		a.Logger.Warn("session store unavailable", "error", err)
		checks["sessions"] = "unavailable"
		status = http.StatusServiceUnavailable
	}
	if err := a.Users.Ping(ctx); err != nil {
		a.Logger.Warn("user store unavailable", "error", err)
		checks["users"] = "unavailable"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, checks)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, desc string) {
	writeJSON(w, status, errorBody{Error: code, Description: desc})
}
