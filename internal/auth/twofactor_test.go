package auth

import (
	"context"
	"errors"
	"testing"
	"time"
)

func setupTwoFactorService(t *testing.T) (*Service, *memStore, *fakeSender) {
	t.Helper()

	service, store, sender := setupService(t)
	user := store.users["user-1"]
	user.TwoFactorEnabled = true
	user.TwoFactorVerified = true
	user.TwoFactorEmail = "admin@example.com"
	store.users["user-1"] = user
	return service, store, sender
}

func loginChallenge(t *testing.T, service *Service, sender *fakeSender) (challengeID, code string) {
	t.Helper()

	result, err := service.Login(context.Background(), "admin", testPassword, RequestMeta{IP: "1.2.3.4"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if !result.Requires2FA || result.ChallengeID == "" {
		t.Fatalf("expected pending challenge, got %+v", result)
	}
	if result.Tokens.AccessToken != "" || result.Tokens.RefreshToken != "" {
		t.Fatalf("a 2FA user must not receive tokens from login")
	}
	return result.ChallengeID, sender.lastCode()
}

func TestTwoFactorLoginFlow(t *testing.T) {
	service, store, sender := setupTwoFactorService(t)

	challengeID, code := loginChallenge(t, service, sender)
	if result := store.challenges[challengeID]; result.CodeHash == code {
		t.Fatalf("plaintext code must never be stored")
	}
	if sender.to[0] != "admin@example.com" {
		t.Fatalf("code must go to the configured address")
	}

	tokens, err := service.VerifyLogin(context.Background(), challengeID, code, RequestMeta{IP: "1.2.3.4"})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if tokens.AccessToken == "" || tokens.RefreshToken == "" {
		t.Fatalf("expected tokens after verification")
	}

	// The challenge is consumed and cannot authenticate twice.
	if _, err := service.VerifyLogin(context.Background(), challengeID, code, RequestMeta{IP: "1.2.3.4"}); !errors.Is(err, ErrChallengeConsumed) {
		t.Fatalf("expected consumed challenge, got %v", err)
	}
}

func TestTwoFactorWrongCodeIsRetryable(t *testing.T) {
	service, _, sender := setupTwoFactorService(t)

	challengeID, code := loginChallenge(t, service, sender)

	if _, err := service.VerifyLogin(context.Background(), challengeID, "000000", RequestMeta{}); !errors.Is(err, ErrInvalidCode) {
		t.Fatalf("expected invalid code, got %v", err)
	}

	// Still verifiable after a mismatch.
	if _, err := service.VerifyLogin(context.Background(), challengeID, code, RequestMeta{}); err != nil {
		t.Fatalf("verify after mismatch: %v", err)
	}
}

func TestTwoFactorAttemptCeiling(t *testing.T) {
	service, _, sender := setupTwoFactorService(t)

	challengeID, code := loginChallenge(t, service, sender)

	for i := 0; i < 5; i++ {
		if _, err := service.VerifyLogin(context.Background(), challengeID, "000000", RequestMeta{}); !errors.Is(err, ErrInvalidCode) {
			t.Fatalf("attempt %d: %v", i, err)
		}
	}

	// Even the correct code fails on the sixth attempt.
	if _, err := service.VerifyLogin(context.Background(), challengeID, code, RequestMeta{}); !errors.Is(err, ErrAttemptsExceeded) {
		t.Fatalf("expected attempts exceeded, got %v", err)
	}
}

func TestTwoFactorExpiry(t *testing.T) {
	service, store, sender := setupTwoFactorService(t)

	challengeID, code := loginChallenge(t, service, sender)

	tok := store.challenges[challengeID]
	tok.ExpiresAt = time.Now().UTC().Add(-time.Minute)
	store.challenges[challengeID] = tok

	if _, err := service.VerifyLogin(context.Background(), challengeID, code, RequestMeta{}); !errors.Is(err, ErrChallengeExpired) {
		t.Fatalf("expected expired challenge, got %v", err)
	}
}

func TestResendCooldownAndInvalidation(t *testing.T) {
	service, store, sender := setupTwoFactorService(t)

	challengeID, oldCode := loginChallenge(t, service, sender)

	// Inside the cooldown the resend is rejected with a wait hint.
	_, err := service.ResendChallenge(context.Background(), challengeID)
	var cooldownErr CooldownError
	if !errors.As(err, &cooldownErr) {
		t.Fatalf("expected cooldown, got %v", err)
	}
	if cooldownErr.Remaining <= 0 {
		t.Fatalf("expected positive remaining cooldown")
	}

	// Past the cooldown the code is refreshed in place and the old
	// code stops verifying.
	tok := store.challenges[challengeID]
	tok.LastSentAt = tok.LastSentAt.Add(-2 * time.Minute)
	store.challenges[challengeID] = tok

	newID, err := service.ResendChallenge(context.Background(), challengeID)
	if err != nil {
		t.Fatalf("resend: %v", err)
	}
	if newID != challengeID {
		t.Fatalf("a live challenge must be refreshed in place")
	}

	newCode := sender.lastCode()
	if newCode == oldCode {
		t.Fatalf("resend must regenerate the code")
	}
	if _, err := service.VerifyLogin(context.Background(), challengeID, oldCode, RequestMeta{}); !errors.Is(err, ErrInvalidCode) {
		t.Fatalf("old code must no longer verify, got %v", err)
	}
	if _, err := service.VerifyLogin(context.Background(), challengeID, newCode, RequestMeta{}); err != nil {
		t.Fatalf("new code must verify: %v", err)
	}
}

func TestResendOfExhaustedChallengeIssuesNewOne(t *testing.T) {
	service, store, sender := setupTwoFactorService(t)

	challengeID, code := loginChallenge(t, service, sender)

	for i := 0; i < 5; i++ {
		if _, err := service.VerifyLogin(context.Background(), challengeID, "000000", RequestMeta{}); !errors.Is(err, ErrInvalidCode) {
			t.Fatalf("attempt %d: %v", i, err)
		}
	}

	tok := store.challenges[challengeID]
	tok.LastSentAt = tok.LastSentAt.Add(-2 * time.Minute)
	store.challenges[challengeID] = tok

	newID, err := service.ResendChallenge(context.Background(), challengeID)
	if err != nil {
		t.Fatalf("resend: %v", err)
	}
	if newID == challengeID {
		t.Fatalf("an attempts-exhausted challenge must be replaced, not refreshed")
	}

	// The exhausted id stays dead even with the code it once carried.
	if _, err := service.VerifyLogin(context.Background(), challengeID, code, RequestMeta{}); !errors.Is(err, ErrAttemptsExceeded) {
		t.Fatalf("exhausted challenge must stay terminal, got %v", err)
	}
	if _, err := service.VerifyLogin(context.Background(), newID, sender.lastCode(), RequestMeta{}); err != nil {
		t.Fatalf("verify replacement: %v", err)
	}
}

func TestResendOfExpiredChallengeIssuesNewOne(t *testing.T) {
	service, store, sender := setupTwoFactorService(t)

	challengeID, _ := loginChallenge(t, service, sender)

	tok := store.challenges[challengeID]
	tok.LastSentAt = tok.LastSentAt.Add(-2 * time.Minute)
	tok.ExpiresAt = time.Now().UTC().Add(-time.Minute)
	store.challenges[challengeID] = tok

	newID, err := service.ResendChallenge(context.Background(), challengeID)
	if err != nil {
		t.Fatalf("resend: %v", err)
	}
	if newID == challengeID {
		t.Fatalf("an expired challenge must be replaced, not refreshed")
	}
	if _, err := service.VerifyLogin(context.Background(), newID, sender.lastCode(), RequestMeta{}); err != nil {
		t.Fatalf("verify replacement: %v", err)
	}
}

func TestDeliveryFailureSurfaces(t *testing.T) {
	service, _, sender := setupTwoFactorService(t)
	sender.fail = errors.New("smtp unavailable")

	_, err := service.Login(context.Background(), "admin", testPassword, RequestMeta{IP: "1.2.3.4"})
	if err == nil {
		t.Fatalf("delivery failure must not be swallowed")
	}
	if sender.calls != 1 {
		t.Fatalf("expected one delivery attempt, got %d", sender.calls)
	}
}

func TestTwoFactorSetupFlow(t *testing.T) {
	service, store, sender := setupService(t)

	challengeID, err := service.BeginTwoFactorSetup(context.Background(), "user-1", "New.Admin@Example.com")
	if err != nil {
		t.Fatalf("begin setup: %v", err)
	}
	if store.challenges[challengeID].Purpose != PurposeSetup {
		t.Fatalf("setup challenge must carry the setup purpose")
	}

	// A setup code cannot complete a login.
	if _, err := service.VerifyLogin(context.Background(), challengeID, sender.lastCode(), RequestMeta{}); !errors.Is(err, ErrChallengeNotFound) {
		t.Fatalf("purposes must not be interchangeable, got %v", err)
	}

	if err := service.VerifyTwoFactorSetup(context.Background(), "user-1", challengeID, sender.lastCode()); err != nil {
		t.Fatalf("verify setup: %v", err)
	}

	user := store.users["user-1"]
	if !user.TwoFactorEnabled || !user.TwoFactorVerified || user.TwoFactorEmail != "new.admin@example.com" {
		t.Fatalf("settings not applied: %+v", user)
	}

	if err := service.DisableTwoFactor(context.Background(), "user-1"); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if store.users["user-1"].TwoFactorEnabled {
		t.Fatalf("disable must clear the flag")
	}
}
