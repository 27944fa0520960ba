package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// issueChallenge creates a challenge row and only then hands the
// plaintext code to the sender. The row is durable before delivery is
// attempted, so a failed send leaves a resendable challenge behind, and
// the code itself exists only in the outbound message.
func (s *Service) issueChallenge(ctx context.Context, userID string, purpose ChallengePurpose, email string) (string, error) {
	code, err := randomCode()
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate challenge id: %w", err)
	}

	now := s.now()
	tok := TwoFactorToken{
		ID:         id.String(),
		UserID:     userID,
		CodeHash:   hashSecret(code),
		Purpose:    purpose,
		Email:      email,
		Attempts:   0,
		LastSentAt: now,
		ExpiresAt:  now.Add(s.codeTTL),
		CreatedAt:  now,
	}
	if err := s.store.InsertTwoFactorToken(ctx, tok); err != nil {
		return "", err
	}

	if err := s.sender.SendCode(ctx, email, code); err != nil {
		return "", err
	}

	return tok.ID, nil
}

// ResendChallenge regenerates the code for a pending challenge. Inside
// the cooldown it fails with the remaining wait. An expired or
// attempts-exhausted challenge is terminal and never resurrected: those
// get a fresh challenge under a new id instead of patching the old row.
func (s *Service) ResendChallenge(ctx context.Context, challengeID string) (string, error) {
	tok, err := s.store.GetTwoFactorToken(ctx, strings.TrimSpace(challengeID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrChallengeNotFound
		}
		return "", err
	}
	if tok.ConsumedAt != nil {
		return "", ErrChallengeConsumed
	}

	now := s.now()
	if remaining := tok.LastSentAt.Add(s.resendCooldown).Sub(now); remaining > 0 {
		return "", CooldownError{Remaining: remaining}
	}

	if now.After(tok.ExpiresAt) || tok.Attempts >= s.maxCodeAttempts {
		return s.issueChallenge(ctx, tok.UserID, tok.Purpose, tok.Email)
	}

	code, err := randomCode()
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	if err := s.store.RefreshTwoFactorToken(ctx, tok.ID, hashSecret(code), now, now.Add(s.codeTTL)); err != nil {
		return "", err
	}

	if err := s.sender.SendCode(ctx, tok.Email, code); err != nil {
		return "", err
	}

	return tok.ID, nil
}

// verifyChallenge walks the challenge state machine. Terminal states
// are checked first; a live token then pays one attempt before the hash
// comparison, so the ceiling holds no matter the outcome. A mismatch
// leaves the token retryable.
func (s *Service) verifyChallenge(ctx context.Context, challengeID, code string, purpose ChallengePurpose) (string, error) {
	tok, err := s.store.GetTwoFactorToken(ctx, strings.TrimSpace(challengeID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrChallengeNotFound
		}
		return "", err
	}
	if tok.Purpose != purpose {
		return "", ErrChallengeNotFound
	}
	if tok.ConsumedAt != nil {
		return "", ErrChallengeConsumed
	}

	now := s.now()
	if now.After(tok.ExpiresAt) {
		return "", ErrChallengeExpired
	}
	if tok.Attempts >= s.maxCodeAttempts {
		return "", ErrAttemptsExceeded
	}

	attempts, err := s.store.IncrementChallengeAttempts(ctx, tok.ID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrChallengeNotFound
		}
		return "", err
	}
	if attempts > s.maxCodeAttempts {
		return "", ErrAttemptsExceeded
	}

	if !secretsEqual(tok.CodeHash, hashSecret(strings.TrimSpace(code))) {
		return "", ErrInvalidCode
	}

	if err := s.store.ConsumeTwoFactorToken(ctx, tok.ID, now); err != nil {
		return "", err
	}

	return tok.UserID, nil
}

// VerifyLogin completes a two-factor login: a correct code turns the
// pending challenge into a session.
func (s *Service) VerifyLogin(ctx context.Context, challengeID, code string, meta RequestMeta) (TokenPair, error) {
	userID, err := s.verifyChallenge(ctx, challengeID, code, PurposeLogin)
	if err != nil {
		return TokenPair{}, err
	}

	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return TokenPair{}, ErrUnauthenticated
		}
		return TokenPair{}, err
	}
	if !user.IsActive {
		return TokenPair{}, ErrUnauthenticated
	}

	if err := s.store.TouchLastLogin(ctx, user.ID, s.now()); err != nil {
		return TokenPair{}, err
	}

	return s.issuePair(ctx, user, meta)
}

// BeginTwoFactorSetup sends a setup code to the address the admin wants
// to enable. The address is only recorded on the user once the code
// comes back verified.
func (s *Service) BeginTwoFactorSetup(ctx context.Context, userID, email string) (string, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" {
		return "", fmt.Errorf("setup email is required")
	}

	return s.issueChallenge(ctx, userID, PurposeSetup, email)
}

// VerifyTwoFactorSetup consumes a setup challenge and enables
// two-factor login with the verified address.
func (s *Service) VerifyTwoFactorSetup(ctx context.Context, userID, challengeID, code string) error {
	tokenUserID, err := s.verifyChallenge(ctx, challengeID, code, PurposeSetup)
	if err != nil {
		return err
	}
	if tokenUserID != userID {
		return ErrChallengeNotFound
	}

	tok, err := s.store.GetTwoFactorToken(ctx, challengeID)
	if err != nil {
		return err
	}

	return s.store.SetTwoFactor(ctx, userID, true, tok.Email, true)
}

func (s *Service) DisableTwoFactor(ctx context.Context, userID string) error {
	return s.store.SetTwoFactor(ctx, userID, false, "", false)
}

func (s *Service) TwoFactorSettings(ctx context.Context, userID string) (enabled bool, email string, err error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, "", ErrUnauthenticated
		}
		return false, "", err
	}

	return user.TwoFactorRequired(), maskEmail(user.TwoFactorEmail), nil
}
