package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

type VerdictKind int

const (
	VerdictRejected VerdictKind = iota
	VerdictAuthenticated
	VerdictRotated
)

// Verdict is the explicit outcome of a session check. Rotation is
// reported rather than applied, so the HTTP layer decides when cookies
// change.
type Verdict struct {
	Kind         VerdictKind
	Identity     Identity
	Tokens       TokenPair
	ClearCookies bool
	Reason       error
}

// Guard authenticates protected requests from the two session cookies.
type Guard struct {
	service *Service
	cookies CookieWriter
}

func NewGuard(service *Service, cookies CookieWriter) *Guard {
	return &Guard{service: service, cookies: cookies}
}

// Check runs the two-step session algorithm: a valid unexpired access
// token is accepted with no store lookup at all; an absent or expired
// one falls back to rotating the refresh token. A malformed or
// tampered access token never reaches the fallback.
func (g *Guard) Check(ctx context.Context, accessToken, refreshToken string, meta RequestMeta) Verdict {
	accessToken = strings.TrimSpace(accessToken)
	refreshToken = strings.TrimSpace(refreshToken)

	if accessToken != "" {
		identity, err := parseAccessToken(g.service.jwtSecret, accessToken)
		if err == nil {
			return Verdict{Kind: VerdictAuthenticated, Identity: identity}
		}
		if !errors.Is(err, errAccessTokenExpired) {
			return Verdict{Kind: VerdictRejected, Reason: ErrUnauthenticated, ClearCookies: true}
		}
	}

	if refreshToken == "" {
		return Verdict{Kind: VerdictRejected, Reason: ErrUnauthenticated}
	}

	tokens, identity, err := g.service.Refresh(ctx, refreshToken, meta)
	if err != nil {
		if errors.Is(err, ErrUnauthenticated) {
			// Includes replay of a rotated token; the session is
			// torn down rather than silently recovered.
			return Verdict{Kind: VerdictRejected, Reason: ErrUnauthenticated, ClearCookies: true}
		}
		return Verdict{Kind: VerdictRejected, Reason: err}
	}

	return Verdict{Kind: VerdictRotated, Identity: identity, Tokens: tokens}
}

type contextKey string

const identityKey contextKey = "auth.identity"

// IdentityFromContext returns the identity the middleware stored for
// the current request.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	identity, ok := ctx.Value(identityKey).(Identity)
	return identity, ok
}

// Middleware guards a protected handler. API paths get a JSON 401;
// page paths are redirected to the login page instead.
func (g *Guard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		access, _ := cookieValue(r, g.cookies.AccessCookieName())
		refresh, _ := cookieValue(r, g.cookies.RefreshCookieName())

		verdict := g.Check(r.Context(), access, refresh, metaFromRequest(r))
		switch verdict.Kind {
		case VerdictAuthenticated:
		case VerdictRotated:
			g.cookies.SetSession(w, verdict.Tokens)
		default:
			if verdict.ClearCookies {
				g.cookies.ClearSession(w)
			}
			if isAPIPath(r.URL.Path) {
				status := http.StatusUnauthorized
				message := "unauthenticated"
				if !errors.Is(verdict.Reason, ErrUnauthenticated) {
					status = http.StatusInternalServerError
					message = "failed to authenticate request"
				}
				writeError(w, status, message)
			} else {
				http.Redirect(w, r, "/admin/login", http.StatusSeeOther)
			}
			return
		}

		ctx := context.WithValue(r.Context(), identityKey, verdict.Identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func isAPIPath(path string) bool {
	return strings.HasPrefix(path, "/api/") || strings.HasPrefix(path, "/auth/")
}

func metaFromRequest(r *http.Request) RequestMeta {
	return RequestMeta{IP: clientIP(r), UserAgent: r.UserAgent()}
}

func cookieValue(r *http.Request, name string) (string, bool) {
	cookie, err := r.Cookie(name)
	if err != nil || cookie.Value == "" {
		return "", false
	}
	return cookie.Value, true
}

func clientIP(r *http.Request) string {
	xForwardedFor := strings.TrimSpace(r.Header.Get("X-Forwarded-For"))
	if xForwardedFor != "" {
		parts := strings.Split(xForwardedFor, ",")
		if ip := strings.TrimSpace(parts[0]); ip != "" {
			return ip
		}
	}

	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}

	return "unknown"
}
