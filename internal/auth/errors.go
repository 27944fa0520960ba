package auth

import (
	"errors"
	"fmt"
	"time"
)

// InvalidCredentials deliberately covers both unknown-username and
// wrong-password so responses cannot be used for account enumeration.
var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUnauthenticated    = errors.New("unauthenticated")
	ErrChallengeNotFound  = errors.New("challenge not found")
	ErrChallengeConsumed  = errors.New("challenge already consumed")
	ErrChallengeExpired   = errors.New("challenge expired")
	ErrAttemptsExceeded   = errors.New("challenge attempts exceeded")
	ErrInvalidCode        = errors.New("invalid code")
)

type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e RateLimitedError) Error() string {
	return "too many login attempts"
}

type CooldownError struct {
	Remaining time.Duration
}

func (e CooldownError) Error() string {
	return fmt.Sprintf("resend cooldown active for %ds", int(e.Remaining.Seconds()))
}
