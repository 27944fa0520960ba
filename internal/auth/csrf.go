package auth

import (
	"net/http"
)

const csrfHeaderName = "X-CSRF-Token"

// CSRF double-submit protection: a browser holds one readable cookie
// and must echo it as a header on every state-changing call.
type CSRF struct {
	cookies CookieWriter
}

func NewCSRF(cookies CookieWriter) *CSRF {
	return &CSRF{cookies: cookies}
}

// Ensure issues the CSRF cookie on any navigation that does not carry
// one yet. Safe to wrap around the whole admin area.
func (c *CSRF) Ensure(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := cookieValue(r, c.cookies.CSRFCookieName()); !ok {
			token, err := randomToken(32)
			if err == nil {
				c.cookies.SetCSRF(w, token)
			}
		}
		next.ServeHTTP(w, r)
	})
}

// Require rejects state-changing requests whose header does not match
// the cookie. Reads pass through untouched.
func (c *CSRF) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			next.ServeHTTP(w, r)
			return
		}

		cookie, ok := cookieValue(r, c.cookies.CSRFCookieName())
		header := r.Header.Get(csrfHeaderName)
		if !ok || header == "" || !secretsEqual(cookie, header) {
			writeError(w, http.StatusForbidden, "csrf token mismatch")
			return
		}

		next.ServeHTTP(w, r)
	})
}
