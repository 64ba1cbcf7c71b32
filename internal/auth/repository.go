package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

const pgUniqueViolation = "23505"

const userColumns = `id, email, password_hash, first_name, last_name, is_staff, is_superuser, last_login, created_at, updated_at`

type Repository struct {
	db *sql.DB
}

type CleanupResult struct {
	DeletedRefreshTokens int64 `json:"deleted_refresh_tokens"`
	DeletedLoginAttempts int64 `json:"deleted_login_attempts"`
	DeletedRateLimits    int64 `json:"deleted_rate_limits"`
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (User, error) {
	var user User
	var passwordHash sql.NullString
	var lastLogin sql.NullTime
	if err := row.Scan(
		&user.ID, &user.Email, &passwordHash, &user.FirstName, &user.LastName,
		&user.IsStaff, &user.IsSuperuser, &lastLogin, &user.CreatedAt, &user.UpdatedAt,
	); err != nil {
		return User{}, err
	}
	if passwordHash.Valid {
		value := passwordHash.String
		user.PasswordHash = &value
	}
	if lastLogin.Valid {
		value := lastLogin.Time.UTC()
		user.LastLogin = &value
	}
	return user, nil
}

func (r *Repository) GetUserByID(ctx context.Context, id int64) (User, error) {
	user, err := scanUser(r.db.QueryRowContext(ctx, `
		SELECT `+userColumns+`
		FROM users
		WHERE id = $1
	`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrNotFound
		}
		return User{}, fmt.Errorf("query user by id: %w", err)
	}
	return user, nil
}

func (r *Repository) GetUserByEmail(ctx context.Context, email string) (User, error) {
	user, err := scanUser(r.db.QueryRowContext(ctx, `
		SELECT `+userColumns+`
		FROM users
		WHERE LOWER(email) = LOWER($1)
	`, email))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrNotFound
		}
		return User{}, fmt.Errorf("query user by email: %w", err)
	}
	return user, nil
}

func (r *Repository) CreateUser(ctx context.Context, input NewUser) (User, EmailAddress, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return User{}, EmailAddress{}, fmt.Errorf("begin create user tx: %w", err)
	}
	defer tx.Rollback()

	var passwordHash any
	if input.PasswordHash != nil {
		passwordHash = *input.PasswordHash
	}

	user, err := scanUser(tx.QueryRowContext(ctx, `
		INSERT INTO users (email, password_hash, first_name, last_name, is_staff, is_superuser)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+userColumns+`
	`, input.Email, passwordHash, input.FirstName, input.LastName, input.IsStaff, input.IsSuperuser))
	if err != nil {
		if isUniqueViolation(err) {
			return User{}, EmailAddress{}, ErrEmailTaken
		}
		return User{}, EmailAddress{}, fmt.Errorf("insert user: %w", err)
	}

	address := EmailAddress{UserID: user.ID, Email: input.Email, Verified: input.Verified, Primary: true}
	if err := tx.QueryRowContext(ctx, `
		INSERT INTO email_addresses (user_id, email, verified, is_primary, verified_at)
		VALUES ($1, $2, $3, TRUE, CASE WHEN $3 THEN NOW() END)
		RETURNING id
	`, user.ID, input.Email, input.Verified).Scan(&address.ID); err != nil {
		return User{}, EmailAddress{}, fmt.Errorf("insert email address: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return User{}, EmailAddress{}, fmt.Errorf("commit create user tx: %w", err)
	}

	return user, address, nil
}

func (r *Repository) UpsertSuperuser(ctx context.Context, email, passwordHash string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var userID int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO users (email, password_hash, is_staff, is_superuser)
		VALUES ($1, $2, TRUE, TRUE)
		ON CONFLICT ((LOWER(email)))
		DO UPDATE SET
			password_hash = EXCLUDED.password_hash,
			is_staff = TRUE,
			is_superuser = TRUE,
			updated_at = NOW()
		RETURNING id
	`, email, passwordHash).Scan(&userID)
	if err != nil {
		return fmt.Errorf("upsert superuser: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO email_addresses (user_id, email, verified, is_primary, verified_at)
		VALUES ($1, $2, TRUE, TRUE, NOW())
		ON CONFLICT (user_id, (LOWER(email)))
		DO UPDATE SET verified = TRUE, verified_at = COALESCE(email_addresses.verified_at, NOW())
	`, userID, email); err != nil {
		return fmt.Errorf("upsert superuser email: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	return nil
}

func (r *Repository) UpdateLastLogin(ctx context.Context, userID int64, at time.Time) error {
	if _, err := r.db.ExecContext(ctx, `
		UPDATE users
		SET last_login = $2
		WHERE id = $1
	`, userID, at.UTC()); err != nil {
		return fmt.Errorf("update last login: %w", err)
	}
	return nil
}

// SwapPasswordHash replaces the hash only if it still equals oldHash.
func (r *Repository) SwapPasswordHash(ctx context.Context, userID int64, oldHash *string, newHash string) (bool, error) {
	var old any
	if oldHash != nil {
		old = *oldHash
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE users
		SET password_hash = $3, updated_at = NOW()
		WHERE id = $1 AND password_hash IS NOT DISTINCT FROM $2
	`, userID, old, newHash)
	if err != nil {
		return false, fmt.Errorf("update password hash: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("password hash rows affected: %w", err)
	}

	return affected == 1, nil
}

func scanEmailAddress(row rowScanner) (EmailAddress, error) {
	var address EmailAddress
	if err := row.Scan(&address.ID, &address.UserID, &address.Email, &address.Verified, &address.Primary); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return EmailAddress{}, ErrNotFound
		}
		return EmailAddress{}, fmt.Errorf("scan email address: %w", err)
	}
	return address, nil
}

func (r *Repository) GetEmailAddress(ctx context.Context, userID int64, email string) (EmailAddress, error) {
	return scanEmailAddress(r.db.QueryRowContext(ctx, `
		SELECT id, user_id, email, verified, is_primary
		FROM email_addresses
		WHERE user_id = $1 AND LOWER(email) = LOWER($2)
	`, userID, email))
}

func (r *Repository) GetEmailAddressByID(ctx context.Context, id int64) (EmailAddress, error) {
	return scanEmailAddress(r.db.QueryRowContext(ctx, `
		SELECT id, user_id, email, verified, is_primary
		FROM email_addresses
		WHERE id = $1
	`, id))
}

func (r *Repository) CreateEmailAddress(ctx context.Context, userID int64, email string, verified bool) (EmailAddress, error) {
	return scanEmailAddress(r.db.QueryRowContext(ctx, `
		INSERT INTO email_addresses (user_id, email, verified, is_primary, verified_at)
		VALUES ($1, $2, $3, TRUE, CASE WHEN $3 THEN NOW() END)
		ON CONFLICT (user_id, (LOWER(email)))
		DO UPDATE SET verified = email_addresses.verified OR EXCLUDED.verified
		RETURNING id, user_id, email, verified, is_primary
	`, userID, email, verified))
}

// MarkEmailVerified flips the flag and reports whether this call did the flip.
func (r *Repository) MarkEmailVerified(ctx context.Context, addressID int64) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE email_addresses
		SET verified = TRUE, verified_at = NOW()
		WHERE id = $1 AND verified = FALSE
	`, addressID)
	if err != nil {
		return false, fmt.Errorf("mark email verified: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark email verified rows affected: %w", err)
	}

	return affected == 1, nil
}

func (r *Repository) CreateRefreshToken(ctx context.Context, record RefreshTokenRecord) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO auth_refresh_tokens (jti, user_id, expires_at)
		VALUES ($1, $2, $3)
	`, record.JTI, record.UserID, record.ExpiresAt.UTC())
	if err != nil {
		return fmt.Errorf("insert refresh token: %w", err)
	}

	return nil
}

func (r *Repository) GetRefreshToken(ctx context.Context, jti string) (RefreshTokenRecord, error) {
	record := RefreshTokenRecord{JTI: jti}
	var revokedAt sql.NullTime
	err := r.db.QueryRowContext(ctx, `
		SELECT user_id, expires_at, revoked_at
		FROM auth_refresh_tokens
		WHERE jti = $1
	`, jti).Scan(&record.UserID, &record.ExpiresAt, &revokedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return RefreshTokenRecord{}, ErrNotFound
		}
		return RefreshTokenRecord{}, fmt.Errorf("query refresh token: %w", err)
	}
	if revokedAt.Valid {
		value := revokedAt.Time.UTC()
		record.RevokedAt = &value
	}

	return record, nil
}

func (r *Repository) RotateRefreshToken(ctx context.Context, oldJTI string, next RefreshTokenRecord) (int64, error) {
	now := time.Now().UTC()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin refresh rotation tx: %w", err)
	}
	defer tx.Rollback()

	var userID int64
	var expiresAt time.Time
	var revokedAt sql.NullTime
	err = tx.QueryRowContext(ctx, `
		SELECT user_id, expires_at, revoked_at
		FROM auth_refresh_tokens
		WHERE jti = $1
		FOR UPDATE
	`, oldJTI).Scan(&userID, &expiresAt, &revokedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrInvalidToken
		}
		return 0, fmt.Errorf("read refresh token: %w", err)
	}

	if revokedAt.Valid || now.After(expiresAt.UTC()) {
		return 0, ErrInvalidToken
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO auth_refresh_tokens (jti, user_id, expires_at)
		VALUES ($1, $2, $3)
	`, next.JTI, userID, next.ExpiresAt.UTC())
	if err != nil {
		return 0, fmt.Errorf("insert rotated refresh token: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE auth_refresh_tokens
		SET revoked_at = $2, replaced_by = $3
		WHERE jti = $1
	`, oldJTI, now, next.JTI)
	if err != nil {
		return 0, fmt.Errorf("revoke old refresh token: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit refresh rotation tx: %w", err)
	}

	return userID, nil
}

// RevokeRefreshToken blacklists the token, recording it first if it was never seen.
func (r *Repository) RevokeRefreshToken(ctx context.Context, record RefreshTokenRecord) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO auth_refresh_tokens (jti, user_id, expires_at, revoked_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (jti)
		DO UPDATE SET revoked_at = COALESCE(auth_refresh_tokens.revoked_at, EXCLUDED.revoked_at)
	`, record.JTI, record.UserID, record.ExpiresAt.UTC(), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}

	return nil
}

func (r *Repository) GetLoginAttempt(ctx context.Context, email string) (LoginAttempt, error) {
	var attempt LoginAttempt
	attempt.Email = email

	var lockedUntil sql.NullTime
	err := r.db.QueryRowContext(ctx, `
		SELECT failed_attempts, locked_until
		FROM auth_login_attempts
		WHERE email = $1
	`, email).Scan(&attempt.FailedAttempts, &lockedUntil)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return attempt, nil
		}
		return LoginAttempt{}, fmt.Errorf("query login attempt: %w", err)
	}
	if lockedUntil.Valid {
		value := lockedUntil.Time.UTC()
		attempt.LockedUntil = &value
	}

	return attempt, nil
}

func (r *Repository) RegisterFailedAttempt(ctx context.Context, email string, maxAttempts int, lockDuration time.Duration, now time.Time) (*time.Time, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin login attempt tx: %w", err)
	}
	defer tx.Rollback()

	var failed int
	var lockedUntil sql.NullTime
	err = tx.QueryRowContext(ctx, `
		SELECT failed_attempts, locked_until
		FROM auth_login_attempts
		WHERE email = $1
		FOR UPDATE
	`, email).Scan(&failed, &lockedUntil)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			failed = 0
			lockedUntil = sql.NullTime{}
		} else {
			return nil, fmt.Errorf("lock login attempt row: %w", err)
		}
	}

	if lockedUntil.Valid && now.Before(lockedUntil.Time) {
		until := lockedUntil.Time.UTC()
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit existing lock tx: %w", err)
		}
		return &until, nil
	}

	failed++
	var nextLock *time.Time
	var nextLockValue any
	if failed >= maxAttempts {
		until := now.UTC().Add(lockDuration)
		nextLock = &until
		nextLockValue = until
		failed = 0
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO auth_login_attempts (email, failed_attempts, locked_until, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (email)
		DO UPDATE SET
			failed_attempts = EXCLUDED.failed_attempts,
			locked_until = EXCLUDED.locked_until,
			updated_at = EXCLUDED.updated_at
	`, email, failed, nextLockValue, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("upsert failed login attempt: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit login attempt tx: %w", err)
	}

	return nextLock, nil
}

func (r *Repository) ResetLoginAttempt(ctx context.Context, email string) error {
	_, err := r.db.ExecContext(ctx, `
		DELETE FROM auth_login_attempts
		WHERE email = $1
	`, email)
	if err != nil {
		return fmt.Errorf("reset login attempts: %w", err)
	}

	return nil
}

// Allow counts a hit for key inside a fixed window shared by every replica.
func (r *Repository) Allow(ctx context.Context, key string, maxHits int, window time.Duration, now time.Time) (bool, time.Duration, error) {
	threshold := now.UTC().Add(-window)

	var hits int
	var windowStartedAt time.Time
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO auth_rate_limits (key, window_started_at, hits, updated_at)
		VALUES ($1, $2, 1, $2)
		ON CONFLICT (key) DO UPDATE
		SET
			hits = CASE
				WHEN auth_rate_limits.window_started_at <= $3 THEN 1
				ELSE auth_rate_limits.hits + 1
			END,
			window_started_at = CASE
				WHEN auth_rate_limits.window_started_at <= $3 THEN $2
				ELSE auth_rate_limits.window_started_at
			END,
			updated_at = $2
		RETURNING hits, window_started_at
	`, key, now.UTC(), threshold).Scan(&hits, &windowStartedAt)
	if err != nil {
		return false, 0, fmt.Errorf("upsert rate limit window: %w", err)
	}

	if hits <= maxHits {
		return true, 0, nil
	}

	retryAfter := windowStartedAt.Add(window).Sub(now.UTC())
	if retryAfter < time.Second {
		retryAfter = time.Second
	}

	return false, retryAfter, nil
}

func (r *Repository) CleanupStaleAuthData(ctx context.Context, refreshRetention time.Duration, loginAttemptRetention time.Duration, batchSize int) (CleanupResult, error) {
	if batchSize <= 0 {
		batchSize = 500
	}
	if refreshRetention <= 0 {
		refreshRetention = 14 * 24 * time.Hour
	}
	if loginAttemptRetention <= 0 {
		loginAttemptRetention = 30 * 24 * time.Hour
	}

	refreshCutoff := time.Now().UTC().Add(-refreshRetention)
	loginCutoff := time.Now().UTC().Add(-loginAttemptRetention)

	deletedRefreshTokens, err := r.deleteBatch(ctx, "stale refresh tokens", `
		WITH stale AS (
			SELECT jti
			FROM auth_refresh_tokens
			WHERE expires_at < $1
			ORDER BY expires_at ASC
			LIMIT $2
		)
		DELETE FROM auth_refresh_tokens t
		USING stale
		WHERE t.jti = stale.jti
	`, refreshCutoff, batchSize)
	if err != nil {
		return CleanupResult{}, err
	}

	deletedLoginAttempts, err := r.deleteBatch(ctx, "stale login attempts", `
		WITH stale AS (
			SELECT email
			FROM auth_login_attempts
			WHERE updated_at < $1
			  AND (locked_until IS NULL OR locked_until < NOW())
			ORDER BY updated_at ASC
			LIMIT $2
		)
		DELETE FROM auth_login_attempts t
		USING stale
		WHERE t.email = stale.email
	`, loginCutoff, batchSize)
	if err != nil {
		return CleanupResult{}, err
	}

	deletedRateLimits, err := r.deleteBatch(ctx, "stale rate limits", `
		WITH stale AS (
			SELECT key
			FROM auth_rate_limits
			WHERE updated_at < $1
			ORDER BY updated_at ASC
			LIMIT $2
		)
		DELETE FROM auth_rate_limits t
		USING stale
		WHERE t.key = stale.key
	`, loginCutoff, batchSize)
	if err != nil {
		return CleanupResult{}, err
	}

	return CleanupResult{
		DeletedRefreshTokens: deletedRefreshTokens,
		DeletedLoginAttempts: deletedLoginAttempts,
		DeletedRateLimits:    deletedRateLimits,
	}, nil
}

func (r *Repository) deleteBatch(ctx context.Context, what, query string, cutoff time.Time, batchSize int) (int64, error) {
	res, err := r.db.ExecContext(ctx, query, cutoff, batchSize)
	if err != nil {
		return 0, fmt.Errorf("delete %s: %w", what, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%s rows affected: %w", what, err)
	}

	return affected, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
