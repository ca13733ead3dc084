// Package session bridges verified bearer tokens to local user sessions.
// It owns the browser session cookie, the Redis-backed revoked-token
// list, and the per-request resolution of "who is this" that both the
// API and browser surfaces share.
package session

import (
	"net/http"
	"time"

	"github.com/kazokunote/kazokunote-server/internal/config"
)

// CookieManager reads, writes, and clears the session cookie that
// carries the raw bearer token for browser navigation. The cookie gets
// a fixed max-age on every set; it is never refreshed silently.
type CookieManager struct {
	name string
	ttl  time.Duration
}

// NewCookieManager creates a CookieManager from the session config.
func NewCookieManager(cfg config.SessionConfig) *CookieManager {
	return &CookieManager{name: cfg.CookieName, ttl: cfg.CookieTTL}
}

// Read returns the token stored in the session cookie, or "" when the
// cookie is absent.
func (m *CookieManager) Read(r *http.Request) string {
	c, err := r.Cookie(m.name)
	if err != nil {
		return ""
	}
	return c.Value
}

// Set writes the session cookie. HttpOnly keeps it away from scripts,
// SameSite=Lax lets top-level navigations from the provider's redirect
// carry it, and Secure is set whenever the request arrived over TLS.
func (m *CookieManager) Set(w http.ResponseWriter, r *http.Request, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     m.name,
		Value:    token,
		Path:     "/",
		MaxAge:   int(m.ttl.Seconds()),
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})
}

// Clear expires the session cookie. Clearing an absent cookie is a
// no-op for the browser, so Clear is safe to call unconditionally.
func (m *CookieManager) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     m.name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}
