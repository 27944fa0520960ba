package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

type CleanupResult struct {
	DeletedRefreshTokens   int64 `json:"deleted_refresh_tokens"`
	DeletedTwoFactorTokens int64 `json:"deleted_two_factor_tokens"`
}

func (r *Repository) GetActiveUserByUsername(ctx context.Context, username string) (User, error) {
	return r.scanUser(r.db.QueryRowContext(ctx, `
		SELECT id, username, password_hash, role, is_active,
		       two_factor_enabled, two_factor_email, two_factor_verified,
		       last_login_at, created_at, updated_at
		FROM admin_users
		WHERE username = $1 AND is_active = TRUE
	`, username))
}

func (r *Repository) GetUserByID(ctx context.Context, id string) (User, error) {
	return r.scanUser(r.db.QueryRowContext(ctx, `
		SELECT id, username, password_hash, role, is_active,
		       two_factor_enabled, two_factor_email, two_factor_verified,
		       last_login_at, created_at, updated_at
		FROM admin_users
		WHERE id = $1
	`, id))
}

func (r *Repository) scanUser(row *sql.Row) (User, error) {
	var user User
	var twoFactorEmail sql.NullString
	var lastLogin sql.NullTime
	err := row.Scan(
		&user.ID, &user.Username, &user.PasswordHash, &user.Role, &user.IsActive,
		&user.TwoFactorEnabled, &twoFactorEmail, &user.TwoFactorVerified,
		&lastLogin, &user.CreatedAt, &user.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, err
		}
		return User{}, fmt.Errorf("query admin user: %w", err)
	}
	if twoFactorEmail.Valid {
		user.TwoFactorEmail = twoFactorEmail.String
	}
	if lastLogin.Valid {
		value := lastLogin.Time.UTC()
		user.LastLoginAt = &value
	}

	return user, nil
}

// SeedAdminUser inserts the bootstrap admin account only when no user
// exists yet. It never overwrites a provisioned account.
func (r *Repository) SeedAdminUser(ctx context.Context, username, passwordHash string) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate user id: %w", err)
	}

	now := time.Now().UTC()
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO admin_users (id, username, password_hash, role, is_active, created_at, updated_at)
		SELECT $1, $2, $3, 'admin', TRUE, $4, $4
		WHERE NOT EXISTS (SELECT 1 FROM admin_users)
	`, id.String(), username, passwordHash, now)
	if err != nil {
		return fmt.Errorf("seed admin user: %w", err)
	}

	return nil
}

func (r *Repository) UpdatePassword(ctx context.Context, userID, passwordHash string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE admin_users
		SET password_hash = $2, updated_at = $3
		WHERE id = $1
	`, userID, passwordHash, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}

	return nil
}

func (r *Repository) SetTwoFactor(ctx context.Context, userID string, enabled bool, email string, verified bool) error {
	var emailValue any
	if email != "" {
		emailValue = email
	}

	_, err := r.db.ExecContext(ctx, `
		UPDATE admin_users
		SET two_factor_enabled = $2, two_factor_email = $3, two_factor_verified = $4, updated_at = $5
		WHERE id = $1
	`, userID, enabled, emailValue, verified, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update two factor settings: %w", err)
	}

	return nil
}

func (r *Repository) TouchLastLogin(ctx context.Context, userID string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE admin_users
		SET last_login_at = $2
		WHERE id = $1
	`, userID, at.UTC())
	if err != nil {
		return fmt.Errorf("touch last login: %w", err)
	}

	return nil
}

func (r *Repository) InsertRefreshToken(ctx context.Context, rec RefreshTokenRecord) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO auth_refresh_tokens (id, user_id, token_hash, expires_at, created_at, ip, user_agent)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, rec.ID, rec.UserID, rec.TokenHash, rec.ExpiresAt.UTC(), rec.CreatedAt.UTC(), rec.IP, rec.UserAgent)
	if err != nil {
		return fmt.Errorf("insert refresh token: %w", err)
	}

	return nil
}

// RotateRefreshToken revokes the row matching oldHash and inserts its
// successor in one transaction. The revoke is a single conditional
// update; zero affected rows means the token is unknown, already
// rotated, or expired, and all three collapse into ErrUnauthenticated so
// a replayed token is indistinguishable from garbage. An expired row is
// revoked on the way out for hygiene.
func (r *Repository) RotateRefreshToken(ctx context.Context, oldHash string, next RefreshTokenRecord) (string, error) {
	now := time.Now().UTC()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin rotation tx: %w", err)
	}
	defer tx.Rollback()

	var userID string
	err = tx.QueryRowContext(ctx, `
		UPDATE auth_refresh_tokens
		SET revoked_at = $2, replaced_by = $3
		WHERE token_hash = $1 AND revoked_at IS NULL AND expires_at > $2
		RETURNING user_id
	`, oldHash, now, next.TokenHash).Scan(&userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			if _, hygieneErr := tx.ExecContext(ctx, `
				UPDATE auth_refresh_tokens
				SET revoked_at = COALESCE(revoked_at, $2)
				WHERE token_hash = $1 AND expires_at <= $2
			`, oldHash, now); hygieneErr == nil {
				_ = tx.Commit()
			}
			return "", ErrUnauthenticated
		}
		return "", fmt.Errorf("revoke rotated refresh token: %w", err)
	}

	next.UserID = userID
	_, err = tx.ExecContext(ctx, `
		INSERT INTO auth_refresh_tokens (id, user_id, token_hash, expires_at, created_at, ip, user_agent)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, next.ID, next.UserID, next.TokenHash, next.ExpiresAt.UTC(), next.CreatedAt.UTC(), next.IP, next.UserAgent)
	if err != nil {
		return "", fmt.Errorf("insert rotated refresh token: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit rotation tx: %w", err)
	}

	return userID, nil
}

// RevokeRefreshToken is idempotent: revoking an unknown or already
// revoked token is not an error.
func (r *Repository) RevokeRefreshToken(ctx context.Context, tokenHash string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE auth_refresh_tokens
		SET revoked_at = COALESCE(revoked_at, $2)
		WHERE token_hash = $1
	`, tokenHash, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}

	return nil
}

func (r *Repository) InsertTwoFactorToken(ctx context.Context, tok TwoFactorToken) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO auth_two_factor_tokens (id, user_id, code_hash, purpose, email, attempts, last_sent_at, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, tok.ID, tok.UserID, tok.CodeHash, string(tok.Purpose), tok.Email, tok.Attempts,
		tok.LastSentAt.UTC(), tok.ExpiresAt.UTC(), tok.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert two factor token: %w", err)
	}

	return nil
}

func (r *Repository) GetTwoFactorToken(ctx context.Context, id string) (TwoFactorToken, error) {
	var tok TwoFactorToken
	var purpose string
	var consumedAt sql.NullTime
	err := r.db.QueryRowContext(ctx, `
		SELECT id, user_id, code_hash, purpose, email, attempts, last_sent_at, expires_at, consumed_at, created_at
		FROM auth_two_factor_tokens
		WHERE id = $1
	`, id).Scan(&tok.ID, &tok.UserID, &tok.CodeHash, &purpose, &tok.Email,
		&tok.Attempts, &tok.LastSentAt, &tok.ExpiresAt, &consumedAt, &tok.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return TwoFactorToken{}, err
		}
		return TwoFactorToken{}, fmt.Errorf("query two factor token: %w", err)
	}
	tok.Purpose = ChallengePurpose(purpose)
	if consumedAt.Valid {
		value := consumedAt.Time.UTC()
		tok.ConsumedAt = &value
	}

	return tok, nil
}

// IncrementChallengeAttempts bumps the counter atomically and returns
// the new value, so concurrent guesses cannot share an attempt slot.
func (r *Repository) IncrementChallengeAttempts(ctx context.Context, id string) (int, error) {
	var attempts int
	err := r.db.QueryRowContext(ctx, `
		UPDATE auth_two_factor_tokens
		SET attempts = attempts + 1
		WHERE id = $1
		RETURNING attempts
	`, id).Scan(&attempts)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, err
		}
		return 0, fmt.Errorf("increment challenge attempts: %w", err)
	}

	return attempts, nil
}

func (r *Repository) ConsumeTwoFactorToken(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE auth_two_factor_tokens
		SET consumed_at = $2
		WHERE id = $1 AND consumed_at IS NULL
	`, id, at.UTC())
	if err != nil {
		return fmt.Errorf("consume two factor token: %w", err)
	}

	return nil
}

// RefreshTwoFactorToken swaps in a regenerated code, extends expiry and
// resets the attempt counter in place.
func (r *Repository) RefreshTwoFactorToken(ctx context.Context, id, codeHash string, sentAt, expiresAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE auth_two_factor_tokens
		SET code_hash = $2, attempts = 0, last_sent_at = $3, expires_at = $4
		WHERE id = $1 AND consumed_at IS NULL
	`, id, codeHash, sentAt.UTC(), expiresAt.UTC())
	if err != nil {
		return fmt.Errorf("refresh two factor token: %w", err)
	}

	return nil
}

// CleanupStaleAuthData is batched housekeeping; expiry is always
// enforced at read time, so this only reclaims space.
func (r *Repository) CleanupStaleAuthData(ctx context.Context, refreshRetention, challengeRetention time.Duration, batchSize int) (CleanupResult, error) {
	if batchSize <= 0 {
		batchSize = 500
	}
	if refreshRetention <= 0 {
		refreshRetention = 14 * 24 * time.Hour
	}
	if challengeRetention <= 0 {
		challengeRetention = 24 * time.Hour
	}

	now := time.Now().UTC()

	deletedRefresh, err := r.deleteStaleRefreshTokens(ctx, now.Add(-refreshRetention), batchSize)
	if err != nil {
		return CleanupResult{}, err
	}

	deletedChallenges, err := r.deleteStaleTwoFactorTokens(ctx, now.Add(-challengeRetention), batchSize)
	if err != nil {
		return CleanupResult{}, err
	}

	return CleanupResult{
		DeletedRefreshTokens:   deletedRefresh,
		DeletedTwoFactorTokens: deletedChallenges,
	}, nil
}

func (r *Repository) deleteStaleRefreshTokens(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		WITH stale AS (
			SELECT id
			FROM auth_refresh_tokens
			WHERE expires_at < $1 OR (revoked_at IS NOT NULL AND revoked_at < $1)
			ORDER BY created_at ASC
			LIMIT $2
		)
		DELETE FROM auth_refresh_tokens t
		USING stale
		WHERE t.id = stale.id
	`, cutoff, batchSize)
	if err != nil {
		return 0, fmt.Errorf("delete stale refresh tokens: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("stale refresh tokens rows affected: %w", err)
	}

	return affected, nil
}

func (r *Repository) deleteStaleTwoFactorTokens(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		WITH stale AS (
			SELECT id
			FROM auth_two_factor_tokens
			WHERE expires_at < $1 OR (consumed_at IS NOT NULL AND consumed_at < $1)
			ORDER BY created_at ASC
			LIMIT $2
		)
		DELETE FROM auth_two_factor_tokens t
		USING stale
		WHERE t.id = stale.id
	`, cutoff, batchSize)
	if err != nil {
		return 0, fmt.Errorf("delete stale two factor tokens: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("stale two factor tokens rows affected: %w", err)
	}

	return affected, nil
}
