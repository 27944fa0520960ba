package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"

	"store-admin-api/internal/mail"
)

var usernameRegex = regexp.MustCompile(`^[a-z0-9_.-]{3,32}$`)

const maxJSONBodyBytes = 1 << 20

type Handler struct {
	service *Service
	cookies CookieWriter
}

func NewHandler(service *Service, cookies CookieWriter) *Handler {
	return &Handler{service: service, cookies: cookies}
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type challengeRequest struct {
	ChallengeID string `json:"challengeId"`
	Code        string `json:"code,omitempty"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

type setupRequest struct {
	Email string `json:"email"`
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var body loginRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	body.Username = strings.TrimSpace(body.Username)
	body.Password = strings.TrimSpace(body.Password)
	if !usernameRegex.MatchString(strings.ToLower(body.Username)) {
		writeError(w, http.StatusBadRequest, "username format is invalid")
		return
	}
	if len(body.Password) < 12 || len(body.Password) > 200 {
		writeError(w, http.StatusBadRequest, "password format is invalid")
		return
	}

	result, err := h.service.Login(r.Context(), body.Username, body.Password, metaFromRequest(r))
	if err != nil {
		h.respondAuthError(w, err, "failed to login")
		return
	}

	if result.Requires2FA {
		writeJSON(w, http.StatusOK, map[string]any{
			"success":     true,
			"requires2fa": true,
			"challengeId": result.ChallengeID,
			"delivery":    result.Delivery,
		})
		return
	}

	h.cookies.SetSession(w, result.Tokens)
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (h *Handler) VerifyLogin(w http.ResponseWriter, r *http.Request) {
	var body challengeRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	if strings.TrimSpace(body.ChallengeID) == "" || strings.TrimSpace(body.Code) == "" {
		writeError(w, http.StatusBadRequest, "challengeId and code are required")
		return
	}

	tokens, err := h.service.VerifyLogin(r.Context(), body.ChallengeID, body.Code, metaFromRequest(r))
	if err != nil {
		h.respondAuthError(w, err, "failed to verify code")
		return
	}

	h.cookies.SetSession(w, tokens)
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (h *Handler) ResendLogin(w http.ResponseWriter, r *http.Request) {
	var body challengeRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	if strings.TrimSpace(body.ChallengeID) == "" {
		writeError(w, http.StatusBadRequest, "challengeId is required")
		return
	}

	challengeID, err := h.service.ResendChallenge(r.Context(), body.ChallengeID)
	if err != nil {
		h.respondAuthError(w, err, "failed to resend code")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true, "challengeId": challengeID})
}

func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	refresh, ok := cookieValue(r, h.cookies.RefreshCookieName())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}

	tokens, _, err := h.service.Refresh(r.Context(), refresh, metaFromRequest(r))
	if err != nil {
		if errors.Is(err, ErrUnauthenticated) {
			h.cookies.ClearSession(w)
			writeError(w, http.StatusUnauthorized, "unauthenticated")
			return
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to refresh session")
		return
	}

	h.cookies.SetSession(w, tokens)
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	refresh, _ := cookieValue(r, h.cookies.RefreshCookieName())

	if err := h.service.Logout(r.Context(), refresh); err != nil {
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to logout")
		return
	}

	h.cookies.ClearSession(w)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	identity, ok := IdentityFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}

	var body changePasswordRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	if len(strings.TrimSpace(body.NewPassword)) < 12 || len(body.NewPassword) > 200 {
		writeError(w, http.StatusBadRequest, "new password format is invalid")
		return
	}

	if err := h.service.ChangePassword(r.Context(), identity.UserID, body.CurrentPassword, body.NewPassword); err != nil {
		h.respondAuthError(w, err, "failed to change password")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (h *Handler) TwoFactorSettings(w http.ResponseWriter, r *http.Request) {
	identity, ok := IdentityFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}

	enabled, email, err := h.service.TwoFactorSettings(r.Context(), identity.UserID)
	if err != nil {
		h.respondAuthError(w, err, "failed to load settings")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"enabled": enabled, "email": email})
}

func (h *Handler) TwoFactorSetup(w http.ResponseWriter, r *http.Request) {
	identity, ok := IdentityFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}

	var body setupRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	if !strings.Contains(body.Email, "@") {
		writeError(w, http.StatusBadRequest, "email format is invalid")
		return
	}

	challengeID, err := h.service.BeginTwoFactorSetup(r.Context(), identity.UserID, body.Email)
	if err != nil {
		h.respondAuthError(w, err, "failed to start two-factor setup")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true, "challengeId": challengeID})
}

func (h *Handler) TwoFactorVerifySetup(w http.ResponseWriter, r *http.Request) {
	identity, ok := IdentityFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}

	var body challengeRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	if strings.TrimSpace(body.ChallengeID) == "" || strings.TrimSpace(body.Code) == "" {
		writeError(w, http.StatusBadRequest, "challengeId and code are required")
		return
	}

	if err := h.service.VerifyTwoFactorSetup(r.Context(), identity.UserID, body.ChallengeID, body.Code); err != nil {
		h.respondAuthError(w, err, "failed to verify setup code")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (h *Handler) TwoFactorDisable(w http.ResponseWriter, r *http.Request) {
	identity, ok := IdentityFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}

	if err := h.service.DisableTwoFactor(r.Context(), identity.UserID); err != nil {
		h.respondAuthError(w, err, "failed to disable two-factor")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (h *Handler) respondAuthError(w http.ResponseWriter, err error, fallback string) {
	var rateErr RateLimitedError
	var cooldownErr CooldownError

	switch {
	case errors.Is(err, ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "invalid credentials")
	case errors.Is(err, ErrUnauthenticated):
		writeError(w, http.StatusUnauthorized, "unauthenticated")
	case errors.As(err, &rateErr):
		w.Header().Set("Retry-After", strconv.Itoa(ceilSeconds(rateErr.RetryAfter)))
		writeError(w, http.StatusTooManyRequests, "too many login attempts")
	case errors.As(err, &cooldownErr):
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":      "resend cooldown active",
			"retryAfter": ceilSeconds(cooldownErr.Remaining),
		})
	case errors.Is(err, ErrChallengeNotFound), errors.Is(err, ErrChallengeConsumed), errors.Is(err, ErrChallengeExpired):
		writeError(w, http.StatusUnauthorized, "invalid or expired challenge")
	case errors.Is(err, ErrAttemptsExceeded):
		writeError(w, http.StatusUnauthorized, "too many incorrect codes")
	case errors.Is(err, ErrInvalidCode):
		writeError(w, http.StatusUnauthorized, "invalid code")
	case errors.Is(err, mail.ErrNotConfigured):
		writeError(w, http.StatusServiceUnavailable, "email service not configured")
	case errors.Is(err, mail.ErrDeliveryFailed):
		writeError(w, http.StatusServiceUnavailable, "email delivery failed")
	default:
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, fallback)
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return false
	}

	return true
}

func ceilSeconds(d time.Duration) int {
	seconds := int((d + time.Second - 1) / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	return seconds
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
