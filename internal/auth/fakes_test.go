package auth

import (
	"context"
	"database/sql"
	"sync"
	"time"
)

// memStore is an in-memory Store with the same contract as the
// Postgres repository, including the conditional-update rotation.
type memStore struct {
	mu         sync.Mutex
	users      map[string]User
	refresh    map[string]RefreshTokenRecord
	challenges map[string]TwoFactorToken

	refreshLookups int
}

func newMemStore() *memStore {
	return &memStore{
		users:      make(map[string]User),
		refresh:    make(map[string]RefreshTokenRecord),
		challenges: make(map[string]TwoFactorToken),
	}
}

func (m *memStore) addUser(user User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[user.ID] = user
}

func (m *memStore) GetActiveUserByUsername(_ context.Context, username string) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, user := range m.users {
		if user.Username == username && user.IsActive {
			return user, nil
		}
	}
	return User{}, sql.ErrNoRows
}

func (m *memStore) GetUserByID(_ context.Context, id string) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[id]
	if !ok {
		return User{}, sql.ErrNoRows
	}
	return user, nil
}

func (m *memStore) SeedAdminUser(_ context.Context, username, passwordHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.users) > 0 {
		return nil
	}
	m.users["seed"] = User{ID: "seed", Username: username, PasswordHash: passwordHash, Role: "admin", IsActive: true}
	return nil
}

func (m *memStore) UpdatePassword(_ context.Context, userID, passwordHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	user := m.users[userID]
	user.PasswordHash = passwordHash
	m.users[userID] = user
	return nil
}

func (m *memStore) SetTwoFactor(_ context.Context, userID string, enabled bool, email string, verified bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	user := m.users[userID]
	user.TwoFactorEnabled = enabled
	user.TwoFactorEmail = email
	user.TwoFactorVerified = verified
	m.users[userID] = user
	return nil
}

func (m *memStore) TouchLastLogin(_ context.Context, userID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	user := m.users[userID]
	user.LastLoginAt = &at
	m.users[userID] = user
	return nil
}

func (m *memStore) InsertRefreshToken(_ context.Context, rec RefreshTokenRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refresh[rec.TokenHash] = rec
	return nil
}

func (m *memStore) RotateRefreshToken(_ context.Context, oldHash string, next RefreshTokenRecord) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.refreshLookups++

	now := time.Now().UTC()
	rec, ok := m.refresh[oldHash]
	if !ok || rec.RevokedAt != nil {
		return "", ErrUnauthenticated
	}
	if now.After(rec.ExpiresAt) {
		rec.RevokedAt = &now
		m.refresh[oldHash] = rec
		return "", ErrUnauthenticated
	}

	rec.RevokedAt = &now
	replacement := next.TokenHash
	rec.ReplacedBy = &replacement
	m.refresh[oldHash] = rec

	next.UserID = rec.UserID
	m.refresh[next.TokenHash] = next
	return rec.UserID, nil
}

func (m *memStore) RevokeRefreshToken(_ context.Context, tokenHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.refresh[tokenHash]
	if !ok {
		return nil
	}
	if rec.RevokedAt == nil {
		now := time.Now().UTC()
		rec.RevokedAt = &now
		m.refresh[tokenHash] = rec
	}
	return nil
}

func (m *memStore) InsertTwoFactorToken(_ context.Context, tok TwoFactorToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.challenges[tok.ID] = tok
	return nil
}

func (m *memStore) GetTwoFactorToken(_ context.Context, id string) (TwoFactorToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tok, ok := m.challenges[id]
	if !ok {
		return TwoFactorToken{}, sql.ErrNoRows
	}
	return tok, nil
}

func (m *memStore) IncrementChallengeAttempts(_ context.Context, id string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tok, ok := m.challenges[id]
	if !ok {
		return 0, sql.ErrNoRows
	}
	tok.Attempts++
	m.challenges[id] = tok
	return tok.Attempts, nil
}

func (m *memStore) ConsumeTwoFactorToken(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tok, ok := m.challenges[id]
	if ok && tok.ConsumedAt == nil {
		tok.ConsumedAt = &at
		m.challenges[id] = tok
	}
	return nil
}

func (m *memStore) RefreshTwoFactorToken(_ context.Context, id, codeHash string, sentAt, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tok, ok := m.challenges[id]
	if ok && tok.ConsumedAt == nil {
		tok.CodeHash = codeHash
		tok.Attempts = 0
		tok.LastSentAt = sentAt
		tok.ExpiresAt = expiresAt
		m.challenges[id] = tok
	}
	return nil
}

// fakeSender records delivered codes so tests can replay them.
type fakeSender struct {
	mu    sync.Mutex
	sent  []string
	to    []string
	fail  error
	calls int
}

func (f *fakeSender) SendCode(_ context.Context, email, code string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail != nil {
		return f.fail
	}
	f.sent = append(f.sent, code)
	f.to = append(f.to, email)
	return nil
}

func (f *fakeSender) lastCode() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return ""
	}
	return f.sent[len(f.sent)-1]
}

func newTestService(store Store) (*Service, *fakeSender) {
	sender := &fakeSender{}
	limiter := NewLoginRateLimiter(10, 15*time.Minute)
	return NewService(store, limiter, sender, "test-secret"), sender
}

func testUser(hasher PasswordHasher, password string) User {
	hash, _ := hasher.Hash(password)
	return User{
		ID:           "user-1",
		Username:     "admin",
		PasswordHash: hash,
		Role:         "admin",
		IsActive:     true,
	}
}
