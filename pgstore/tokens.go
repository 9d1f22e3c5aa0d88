package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/helioslabs/authgate"
)

// Token state is realm-independent: refresh rows and access tombstones for
// every tenant live in public, keyed by account id and token hash.

const refreshTokenColumns = `id, account_id, tenant_id, user_type, token_hash,
	issued_at, expires_at, revoked_at, client_ip, user_agent`

// CreateRefreshToken inserts one refresh token row.
func (s *Store) CreateRefreshToken(ctx context.Context, rec *authgate.RefreshTokenRecord) error {
	query := fmt.Sprintf(`
		INSERT INTO public.refresh_tokens (%s)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, NULL, $8, $9)`,
		refreshTokenColumns,
	)

	_, err := s.db.Exec(ctx, query,
		rec.ID, rec.AccountID, rec.TenantID, string(rec.UserType), rec.TokenHash,
		rec.IssuedAt, rec.ExpiresAt, rec.ClientIP, rec.UserAgent,
	)
	if err != nil {
		return fmt.Errorf("create refresh token: %w", err)
	}
	return nil
}

// FindRefreshToken returns the row for tokenHash, revoked rows included.
func (s *Store) FindRefreshToken(ctx context.Context, tokenHash string) (*authgate.RefreshTokenRecord, error) {
	query := fmt.Sprintf(
		`SELECT %s FROM public.refresh_tokens WHERE token_hash = $1`,
		refreshTokenColumns,
	)
	return scanRefreshToken(s.db.QueryRow(ctx, query, tokenHash))
}

// RotateRefreshToken revokes the old row and inserts the next one in a
// single transaction. The conditional revoke is the single-use gate: when
// the old row is already revoked or missing, zero rows update and the
// caller gets authgate.ErrNotFound with nothing inserted.
func (s *Store) RotateRefreshToken(ctx context.Context, oldTokenHash string, next *authgate.RefreshTokenRecord) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		UPDATE public.refresh_tokens SET revoked_at = now()
		WHERE token_hash = $1 AND revoked_at IS NULL`,
		oldTokenHash,
	)
	if err != nil {
		return fmt.Errorf("revoke rotated token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return authgate.ErrNotFound
	}

	insert := fmt.Sprintf(`
		INSERT INTO public.refresh_tokens (%s)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, NULL, $8, $9)`,
		refreshTokenColumns,
	)
	_, err = tx.Exec(ctx, insert,
		next.ID, next.AccountID, next.TenantID, string(next.UserType), next.TokenHash,
		next.IssuedAt, next.ExpiresAt, next.ClientIP, next.UserAgent,
	)
	if err != nil {
		return fmt.Errorf("insert rotated token: %w", err)
	}

	return tx.Commit(ctx)
}

// RevokeRefreshToken marks one live row revoked. Revoking an already
// revoked or unknown token is a no-op.
func (s *Store) RevokeRefreshToken(ctx context.Context, tokenHash string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE public.refresh_tokens SET revoked_at = now()
		WHERE token_hash = $1 AND revoked_at IS NULL`,
		tokenHash,
	)
	if err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}
	return nil
}

// RevokeAllForAccount revokes every live refresh token of the account.
func (s *Store) RevokeAllForAccount(ctx context.Context, accountID string) (int64, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE public.refresh_tokens SET revoked_at = now()
		WHERE account_id = $1 AND revoked_at IS NULL`,
		accountID,
	)
	if err != nil {
		return 0, fmt.Errorf("revoke all refresh tokens: %w", err)
	}
	return tag.RowsAffected(), nil
}

// InsertRevokedAccessToken writes one jti tombstone. Revoking the same jti
// twice is idempotent.
func (s *Store) InsertRevokedAccessToken(ctx context.Context, rec *authgate.RevokedToken) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO public.revoked_access_tokens
			(jti, account_id, user_type, tenant_id, expires_at, revoked_at, reason)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7)
		ON CONFLICT (jti) DO NOTHING`,
		rec.JTI, rec.AccountID, string(rec.UserType), rec.TenantID,
		rec.ExpiresAt, rec.RevokedAt, rec.Reason,
	)
	if err != nil {
		return fmt.Errorf("insert revoked access token: %w", err)
	}
	return nil
}

// FindRevokedAccessToken returns authgate.ErrNotFound when jti has no
// tombstone.
func (s *Store) FindRevokedAccessToken(ctx context.Context, jti string) (*authgate.RevokedToken, error) {
	var rec authgate.RevokedToken
	var userType string
	var tenantID *string
	err := s.db.QueryRow(ctx, `
		SELECT jti, account_id, user_type, tenant_id, expires_at, revoked_at, reason
		FROM public.revoked_access_tokens WHERE jti = $1`,
		jti,
	).Scan(&rec.JTI, &rec.AccountID, &userType, &tenantID, &rec.ExpiresAt, &rec.RevokedAt, &rec.Reason)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, authgate.ErrNotFound
		}
		return nil, fmt.Errorf("find revoked access token: %w", err)
	}
	rec.UserType = authgate.UserType(userType)
	if tenantID != nil {
		rec.TenantID = *tenantID
	}
	return &rec, nil
}

// PurgeExpired removes refresh rows and tombstones whose tokens can no
// longer be presented. Meant for a periodic maintenance job.
func (s *Store) PurgeExpired(ctx context.Context, before time.Time) (int64, error) {
	var purged int64

	tag, err := s.db.Exec(ctx,
		`DELETE FROM public.refresh_tokens WHERE expires_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("purge refresh tokens: %w", err)
	}
	purged += tag.RowsAffected()

	tag, err = s.db.Exec(ctx,
		`DELETE FROM public.revoked_access_tokens WHERE expires_at < $1`, before)
	if err != nil {
		return purged, fmt.Errorf("purge revoked access tokens: %w", err)
	}
	purged += tag.RowsAffected()

	return purged, nil
}

func scanRefreshToken(row pgx.Row) (*authgate.RefreshTokenRecord, error) {
	var rec authgate.RefreshTokenRecord
	var tenantID, clientIP, userAgent *string
	var userType string

	err := row.Scan(
		&rec.ID, &rec.AccountID, &tenantID, &userType, &rec.TokenHash,
		&rec.IssuedAt, &rec.ExpiresAt, &rec.RevokedAt, &clientIP, &userAgent,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, authgate.ErrNotFound
		}
		return nil, fmt.Errorf("scan refresh token: %w", err)
	}

	rec.UserType = authgate.UserType(userType)
	if tenantID != nil {
		rec.TenantID = *tenantID
	}
	if clientIP != nil {
		rec.ClientIP = *clientIP
	}
	if userAgent != nil {
		rec.UserAgent = *userAgent
	}

	return &rec, nil
}
