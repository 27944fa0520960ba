package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	defaultAccessTTL        = 15 * time.Minute
	defaultRefreshTTL       = 7 * 24 * time.Hour
	defaultCodeTTL          = 10 * time.Minute
	defaultResendCooldown   = 60 * time.Second
	defaultMaxCodeAttempts  = 5
	refreshTokenSecretBytes = 48
)

// Store is the persistence surface the service needs. *Repository is
// the Postgres implementation; tests substitute an in-memory fake.
type Store interface {
	GetActiveUserByUsername(ctx context.Context, username string) (User, error)
	GetUserByID(ctx context.Context, id string) (User, error)
	SeedAdminUser(ctx context.Context, username, passwordHash string) error
	UpdatePassword(ctx context.Context, userID, passwordHash string) error
	SetTwoFactor(ctx context.Context, userID string, enabled bool, email string, verified bool) error
	TouchLastLogin(ctx context.Context, userID string, at time.Time) error

	InsertRefreshToken(ctx context.Context, rec RefreshTokenRecord) error
	RotateRefreshToken(ctx context.Context, oldHash string, next RefreshTokenRecord) (string, error)
	RevokeRefreshToken(ctx context.Context, tokenHash string) error

	InsertTwoFactorToken(ctx context.Context, tok TwoFactorToken) error
	GetTwoFactorToken(ctx context.Context, id string) (TwoFactorToken, error)
	IncrementChallengeAttempts(ctx context.Context, id string) (int, error)
	ConsumeTwoFactorToken(ctx context.Context, id string, at time.Time) error
	RefreshTwoFactorToken(ctx context.Context, id, codeHash string, sentAt, expiresAt time.Time) error
}

// CodeSender delivers a one-time code out of band. The plaintext code
// crosses this boundary exactly once and is never persisted or logged.
type CodeSender interface {
	SendCode(ctx context.Context, email, code string) error
}

type Service struct {
	store           Store
	limiter         *LoginRateLimiter
	sender          CodeSender
	hasher          PasswordHasher
	jwtSecret       []byte
	accessTTL       time.Duration
	refreshTTL      time.Duration
	codeTTL         time.Duration
	resendCooldown  time.Duration
	maxCodeAttempts int
	now             func() time.Time
}

func NewService(store Store, limiter *LoginRateLimiter, sender CodeSender, jwtSecret string) *Service {
	return &Service{
		store:           store,
		limiter:         limiter,
		sender:          sender,
		hasher:          BcryptHasher{},
		jwtSecret:       []byte(jwtSecret),
		accessTTL:       defaultAccessTTL,
		refreshTTL:      defaultRefreshTTL,
		codeTTL:         defaultCodeTTL,
		resendCooldown:  defaultResendCooldown,
		maxCodeAttempts: defaultMaxCodeAttempts,
		now:             func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) WithTokenTTLs(accessTTL, refreshTTL time.Duration) *Service {
	if accessTTL > 0 {
		s.accessTTL = accessTTL
	}
	if refreshTTL > 0 {
		s.refreshTTL = refreshTTL
	}
	return s
}

func (s *Service) WithTwoFactorConfig(codeTTL, resendCooldown time.Duration, maxAttempts int) *Service {
	if codeTTL > 0 {
		s.codeTTL = codeTTL
	}
	if resendCooldown > 0 {
		s.resendCooldown = resendCooldown
	}
	if maxAttempts > 0 {
		s.maxCodeAttempts = maxAttempts
	}
	return s
}

func (s *Service) AccessTTL() time.Duration  { return s.accessTTL }
func (s *Service) RefreshTTL() time.Duration { return s.refreshTTL }

// Login verifies credentials behind the rate limiter. Unknown username,
// wrong password and disabled account all fail identically, and each
// registers one failed attempt against the caller's address. A
// two-factor user gets a pending challenge instead of tokens.
func (s *Service) Login(ctx context.Context, username, password string, meta RequestMeta) (LoginResult, error) {
	username = strings.TrimSpace(strings.ToLower(username))
	password = strings.TrimSpace(password)

	if limited, retryAfter := s.limiter.Limited(meta.IP); limited {
		return LoginResult{}, RateLimitedError{RetryAfter: retryAfter}
	}

	if username == "" || password == "" {
		s.limiter.NoteFailure(meta.IP)
		return LoginResult{}, ErrInvalidCredentials
	}

	user, err := s.store.GetActiveUserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.limiter.NoteFailure(meta.IP)
			return LoginResult{}, ErrInvalidCredentials
		}
		return LoginResult{}, err
	}

	if !s.hasher.Verify(user.PasswordHash, password) {
		s.limiter.NoteFailure(meta.IP)
		return LoginResult{}, ErrInvalidCredentials
	}

	if user.TwoFactorRequired() {
		challengeID, err := s.issueChallenge(ctx, user.ID, PurposeLogin, user.TwoFactorEmail)
		if err != nil {
			return LoginResult{}, err
		}
		return LoginResult{
			Requires2FA: true,
			ChallengeID: challengeID,
			Delivery:    maskEmail(user.TwoFactorEmail),
		}, nil
	}

	if err := s.store.TouchLastLogin(ctx, user.ID, s.now()); err != nil {
		return LoginResult{}, err
	}

	tokens, err := s.issuePair(ctx, user, meta)
	if err != nil {
		return LoginResult{}, err
	}

	return LoginResult{Tokens: tokens}, nil
}

// Refresh exchanges a live refresh token for a fresh pair, revoking the
// old token in the same step. A missing, revoked or expired token is
// ErrUnauthenticated; the caller must clear session cookies on it.
func (s *Service) Refresh(ctx context.Context, rawRefresh string, meta RequestMeta) (TokenPair, Identity, error) {
	rawRefresh = strings.TrimSpace(rawRefresh)
	if rawRefresh == "" {
		return TokenPair{}, Identity{}, ErrUnauthenticated
	}

	newSecret, err := randomToken(refreshTokenSecretBytes)
	if err != nil {
		return TokenPair{}, Identity{}, fmt.Errorf("generate refresh token: %w", err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return TokenPair{}, Identity{}, fmt.Errorf("generate refresh token id: %w", err)
	}

	now := s.now()
	next := RefreshTokenRecord{
		ID:        id.String(),
		TokenHash: hashSecret(newSecret),
		ExpiresAt: now.Add(s.refreshTTL),
		CreatedAt: now,
		IP:        meta.IP,
		UserAgent: meta.UserAgent,
	}

	userID, err := s.store.RotateRefreshToken(ctx, hashSecret(rawRefresh), next)
	if err != nil {
		return TokenPair{}, Identity{}, err
	}

	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return TokenPair{}, Identity{}, ErrUnauthenticated
		}
		return TokenPair{}, Identity{}, err
	}
	if !user.IsActive {
		_ = s.store.RevokeRefreshToken(ctx, next.TokenHash)
		return TokenPair{}, Identity{}, ErrUnauthenticated
	}

	access, err := signAccessToken(s.jwtSecret, user, now, now.Add(s.accessTTL))
	if err != nil {
		return TokenPair{}, Identity{}, err
	}

	pair := TokenPair{
		AccessToken:      access,
		RefreshToken:     newSecret,
		AccessExpiresAt:  now.Add(s.accessTTL),
		RefreshExpiresAt: next.ExpiresAt,
	}

	return pair, Identity{UserID: user.ID, Username: user.Username, Role: user.Role}, nil
}

// Logout revokes the presented refresh token. It succeeds even when the
// token is already revoked or unknown.
func (s *Service) Logout(ctx context.Context, rawRefresh string) error {
	rawRefresh = strings.TrimSpace(rawRefresh)
	if rawRefresh == "" {
		return nil
	}
	return s.store.RevokeRefreshToken(ctx, hashSecret(rawRefresh))
}

func (s *Service) ChangePassword(ctx context.Context, userID, currentPassword, newPassword string) error {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrUnauthenticated
		}
		return err
	}

	if !s.hasher.Verify(user.PasswordHash, strings.TrimSpace(currentPassword)) {
		return ErrInvalidCredentials
	}

	hash, err := s.hasher.Hash(strings.TrimSpace(newPassword))
	if err != nil {
		return err
	}

	return s.store.UpdatePassword(ctx, user.ID, hash)
}

// SeedAdmin provisions the bootstrap account when the user table is
// empty. Both values must be set together or not at all.
func (s *Service) SeedAdmin(ctx context.Context, username, password string) error {
	username = strings.TrimSpace(strings.ToLower(username))
	password = strings.TrimSpace(password)

	if username == "" && password == "" {
		return nil
	}
	if username == "" || password == "" {
		return fmt.Errorf("ADMIN_USERNAME and ADMIN_PASSWORD are required together")
	}

	hash, err := s.hasher.Hash(password)
	if err != nil {
		return err
	}

	return s.store.SeedAdminUser(ctx, username, hash)
}

func (s *Service) issuePair(ctx context.Context, user User, meta RequestMeta) (TokenPair, error) {
	now := s.now()

	access, err := signAccessToken(s.jwtSecret, user, now, now.Add(s.accessTTL))
	if err != nil {
		return TokenPair{}, err
	}

	refreshSecret, err := randomToken(refreshTokenSecretBytes)
	if err != nil {
		return TokenPair{}, fmt.Errorf("generate refresh token: %w", err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return TokenPair{}, fmt.Errorf("generate refresh token id: %w", err)
	}

	rec := RefreshTokenRecord{
		ID:        id.String(),
		UserID:    user.ID,
		TokenHash: hashSecret(refreshSecret),
		ExpiresAt: now.Add(s.refreshTTL),
		CreatedAt: now,
		IP:        meta.IP,
		UserAgent: meta.UserAgent,
	}
	if err := s.store.InsertRefreshToken(ctx, rec); err != nil {
		return TokenPair{}, err
	}

	return TokenPair{
		AccessToken:      access,
		RefreshToken:     refreshSecret,
		AccessExpiresAt:  now.Add(s.accessTTL),
		RefreshExpiresAt: rec.ExpiresAt,
	}, nil
}

func maskEmail(email string) string {
	at := strings.IndexByte(email, '@')
	if at <= 0 {
		return email
	}
	return email[:1] + "***" + email[at:]
}
