package server

import (
	"net/http"
	"time"
)

const (
	authCookieName = "auth_session_id"
	userCookieName = "user_session_id"
	csrfHeader     = "X-CSRF-Token"
)

// cookieJar writes the two session cookies with consistent attributes.
type cookieJar struct {
	domain  string
	secure  bool
	authTTL time.Duration
	userTTL time.Duration
}

func newCookieJar(cfg Config) cookieJar {
	return cookieJar{
		domain:  cfg.Server.CookieDomain,
		secure:  !cfg.Server.DevMode,
		authTTL: parseDuration(cfg.Sessions.AuthTTL, 10*time.Minute),
		userTTL: parseDuration(cfg.Sessions.UserTTL, 24*time.Hour),
	}
}

func (j cookieJar) set(w http.ResponseWriter, name, value string, ttl time.Duration) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Domain:   j.domain,
		HttpOnly: true,
		Secure:   j.secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(ttl.Seconds()),
	})
}

func (j cookieJar) clear(w http.ResponseWriter, name string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		Domain:   j.domain,
		HttpOnly: true,
		Secure:   j.secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}

func (j cookieJar) setAuth(w http.ResponseWriter, id string) { j.set(w, authCookieName, id, j.authTTL) }
func (j cookieJar) setUser(w http.ResponseWriter, id string) { j.set(w, userCookieName, id, j.userTTL) }
func (j cookieJar) clearAuth(w http.ResponseWriter)          { j.clear(w, authCookieName) }
func (j cookieJar) clearUser(w http.ResponseWriter)          { j.clear(w, userCookieName) }

func cookieValue(r *http.Request, name string) string {
	c, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return c.Value
}
