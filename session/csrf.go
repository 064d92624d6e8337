package session

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"strconv"
	"time"
)

// CSRFWindow is the granularity of the timestamp mixed into a CSRF token.
const CSRFWindow = time.Hour

// CSRF derives per-session tokens from a server key. Nothing is stored: a
// token is valid for the window it was issued in and the one after.
type CSRF struct {
	key []byte
	now func() time.Time
}

// NewCSRF uses key, or a random key when key is empty. A random key means
// tokens do not survive a restart or work across replicas.
func NewCSRF(key []byte) (*CSRF, error) {
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, err
		}
	}
	return &CSRF{key: key, now: time.Now}, nil
}

// WithClock replaces time.Now.
func (c *CSRF) WithClock(now func() time.Time) *CSRF {
	c.now = now
	return c
}

func (c *CSRF) window() int64 {
	return c.now().Unix() / int64(CSRFWindow/time.Second)
}

func (c *CSRF) mac(sessionID string, window int64) []byte {
	h := hmac.New(sha256.New, c.key)
	h.Write([]byte(sessionID))
	h.Write([]byte{':'})
	h.Write([]byte(strconv.FormatInt(window, 10)))
	return h.Sum(nil)
}

// Generate returns the token for sessionID in the current window.
func (c *CSRF) Generate(sessionID string) string {
	return base64.RawURLEncoding.EncodeToString(c.mac(sessionID, c.window()))
}

// Validate reports whether token was issued for sessionID in the current or
// previous window.
func (c *CSRF) Validate(sessionID, token string) bool {
	if sessionID == "" || token == "" {
		return false
	}
	got, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil || len(got) != sha256.Size {
		return false
	}
	w := c.window()
	return hmac.Equal(got, c.mac(sessionID, w)) || hmac.Equal(got, c.mac(sessionID, w-1))
}
