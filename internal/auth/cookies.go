package auth

import (
	"net/http"
	"time"
)

const (
	accessCookieName  = "admin_access_token"
	refreshCookieName = "admin_refresh_token"
	csrfCookieName    = "admin_csrf"
)

// CookieWriter owns the two httponly session cookies and the readable
// CSRF cookie.
type CookieWriter struct {
	secure bool
	now    func() time.Time
}

func NewCookieWriter(secure bool) CookieWriter {
	return CookieWriter{
		secure: secure,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (c CookieWriter) AccessCookieName() string  { return accessCookieName }
func (c CookieWriter) RefreshCookieName() string { return refreshCookieName }
func (c CookieWriter) CSRFCookieName() string    { return csrfCookieName }

func (c CookieWriter) SetSession(w http.ResponseWriter, tokens TokenPair) {
	now := c.now()
	http.SetCookie(w, c.sessionCookie(accessCookieName, tokens.AccessToken, tokens.AccessExpiresAt.Sub(now)))
	http.SetCookie(w, c.sessionCookie(refreshCookieName, tokens.RefreshToken, tokens.RefreshExpiresAt.Sub(now)))
}

func (c CookieWriter) ClearSession(w http.ResponseWriter) {
	http.SetCookie(w, c.sessionCookie(accessCookieName, "", -time.Hour))
	http.SetCookie(w, c.sessionCookie(refreshCookieName, "", -time.Hour))
}

// SetCSRF issues the non-httponly token client scripts echo back in the
// X-CSRF-Token header.
func (c CookieWriter) SetCSRF(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     csrfCookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int((365 * 24 * time.Hour).Seconds()),
		HttpOnly: false,
		Secure:   c.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (c CookieWriter) sessionCookie(name, value string, ttl time.Duration) *http.Cookie {
	maxAge := int(ttl.Seconds())
	if value == "" {
		maxAge = -1
	}

	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   c.secure,
		SameSite: http.SameSiteLaxMode,
	}
}
