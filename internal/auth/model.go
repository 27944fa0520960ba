package auth

import "time"

type User struct {
	ID                string
	Username          string
	PasswordHash      string
	Role              string
	IsActive          bool
	TwoFactorEnabled  bool
	TwoFactorEmail    string
	TwoFactorVerified bool
	LastLoginAt       *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// TwoFactorRequired reports whether login must pass through an email
// challenge before tokens are issued.
func (u User) TwoFactorRequired() bool {
	return u.TwoFactorEnabled && u.TwoFactorVerified && u.TwoFactorEmail != ""
}

type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

type RefreshTokenRecord struct {
	ID         string
	UserID     string
	TokenHash  string
	ExpiresAt  time.Time
	CreatedAt  time.Time
	RevokedAt  *time.Time
	ReplacedBy *string
	IP         string
	UserAgent  string
}

type ChallengePurpose string

const (
	PurposeLogin ChallengePurpose = "login"
	PurposeSetup ChallengePurpose = "setup"
)

type TwoFactorToken struct {
	ID         string
	UserID     string
	CodeHash   string
	Purpose    ChallengePurpose
	Email      string
	Attempts   int
	LastSentAt time.Time
	ExpiresAt  time.Time
	ConsumedAt *time.Time
	CreatedAt  time.Time
}

// RequestMeta is the client metadata stamped onto refresh token rows.
type RequestMeta struct {
	IP        string
	UserAgent string
}

// Identity is what the session guard hands to protected handlers.
type Identity struct {
	UserID   string
	Username string
	Role     string
}

// LoginResult is the outcome of a successful credential check: either a
// token pair, or a pending two-factor challenge that must be verified
// before any tokens exist.
type LoginResult struct {
	Requires2FA bool
	ChallengeID string
	Delivery    string
	Tokens      TokenPair
}
