package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/helioslabs/authgate"
)

const accountColumns = `id, tenant_id, username, email, phone, role, permissions,
	password_hash, password_history, password_changed_at,
	failed_login_attempts, locked_until,
	mfa_enabled, mfa_method, mfa_secret, active, last_login_at`

// FindByIdentity looks an account up by username or email within the scope.
func (s *Store) FindByIdentity(ctx context.Context, scope authgate.Scope, identity string) (*authgate.Account, error) {
	schema, err := schemaFor(scope)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(
		`SELECT %s FROM %s WHERE username = $1 OR email = $1`,
		accountColumns, tableRef(schema, "accounts"),
	)
	return s.scanAccount(s.db.QueryRow(ctx, query, identity))
}

// FindByID returns authgate.ErrNotFound on miss.
func (s *Store) FindByID(ctx context.Context, scope authgate.Scope, id string) (*authgate.Account, error) {
	schema, err := schemaFor(scope)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(
		`SELECT %s FROM %s WHERE id = $1`,
		accountColumns, tableRef(schema, "accounts"),
	)
	return s.scanAccount(s.db.QueryRow(ctx, query, id))
}

// RecordLoginFailure increments the failure counter and stamps the lockout
// expiry in the same conditional write when the new count reaches
// threshold. One UPDATE, one mutation, no read-modify-write race.
func (s *Store) RecordLoginFailure(
	ctx context.Context,
	scope authgate.Scope,
	id string,
	threshold int,
	lockFor time.Duration,
) (int, *time.Time, error) {
	schema, err := schemaFor(scope)
	if err != nil {
		return 0, nil, err
	}

	query := fmt.Sprintf(`
		UPDATE %s SET
			failed_login_attempts = failed_login_attempts + 1,
			locked_until = CASE
				WHEN failed_login_attempts + 1 >= $2 THEN now() + make_interval(secs => $3)
				ELSE locked_until
			END,
			updated_at = now()
		WHERE id = $1
		RETURNING failed_login_attempts, locked_until`,
		tableRef(schema, "accounts"),
	)

	var attempts int
	var lockedUntil *time.Time
	err = s.db.QueryRow(ctx, query, id, threshold, lockFor.Seconds()).Scan(&attempts, &lockedUntil)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil, authgate.ErrNotFound
		}
		return 0, nil, fmt.Errorf("record login failure: %w", err)
	}
	return attempts, lockedUntil, nil
}

// ResetLoginState zeroes the counter, clears the lock, and stamps the last
// successful login.
func (s *Store) ResetLoginState(ctx context.Context, scope authgate.Scope, id string, lastLogin time.Time) error {
	schema, err := schemaFor(scope)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`
		UPDATE %s SET
			failed_login_attempts = 0,
			locked_until = NULL,
			last_login_at = $2,
			updated_at = now()
		WHERE id = $1`,
		tableRef(schema, "accounts"),
	)

	tag, err := s.db.Exec(ctx, query, id, lastLogin)
	if err != nil {
		return fmt.Errorf("reset login state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return authgate.ErrNotFound
	}
	return nil
}

// UpdatePassword replaces the hash and the retained history in one write.
func (s *Store) UpdatePassword(
	ctx context.Context,
	scope authgate.Scope,
	id string,
	newHash string,
	history []string,
	changedAt time.Time,
) error {
	schema, err := schemaFor(scope)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`
		UPDATE %s SET
			password_hash = $2,
			password_history = $3,
			password_changed_at = $4,
			updated_at = now()
		WHERE id = $1`,
		tableRef(schema, "accounts"),
	)

	tag, err := s.db.Exec(ctx, query, id, newHash, history, changedAt)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return authgate.ErrNotFound
	}
	return nil
}

// UpdateMFA sets the enrollment state.
func (s *Store) UpdateMFA(
	ctx context.Context,
	scope authgate.Scope,
	id string,
	enabled bool,
	method authgate.MFAMethod,
	secret string,
) error {
	schema, err := schemaFor(scope)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`
		UPDATE %s SET
			mfa_enabled = $2,
			mfa_method = $3,
			mfa_secret = $4,
			updated_at = now()
		WHERE id = $1`,
		tableRef(schema, "accounts"),
	)

	tag, err := s.db.Exec(ctx, query, id, enabled, string(method), secret)
	if err != nil {
		return fmt.Errorf("update mfa: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return authgate.ErrNotFound
	}
	return nil
}

// ReplaceRecoveryCodes swaps the full code set in one transaction.
func (s *Store) ReplaceRecoveryCodes(ctx context.Context, scope authgate.Scope, id string, hashes [][32]byte) error {
	schema, err := schemaFor(scope)
	if err != nil {
		return err
	}
	table := tableRef(schema, "recovery_codes")

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE account_id = $1`, table), id); err != nil {
		return fmt.Errorf("clear recovery codes: %w", err)
	}

	insert := fmt.Sprintf(`INSERT INTO %s (account_id, code_hash) VALUES ($1, $2)`, table)
	for _, hash := range hashes {
		if _, err := tx.Exec(ctx, insert, id, hash[:]); err != nil {
			return fmt.Errorf("insert recovery code: %w", err)
		}
	}

	return tx.Commit(ctx)
}

// ConsumeRecoveryCode flips one matching unused code to used. The WHERE
// clause carries the used guard, so concurrent presenters of the same code
// race on a single row update and at most one sees true.
func (s *Store) ConsumeRecoveryCode(ctx context.Context, scope authgate.Scope, id string, hash [32]byte) (bool, error) {
	schema, err := schemaFor(scope)
	if err != nil {
		return false, err
	}

	query := fmt.Sprintf(`
		UPDATE %s SET used = true, used_at = now()
		WHERE account_id = $1 AND code_hash = $2 AND NOT used`,
		tableRef(schema, "recovery_codes"),
	)

	tag, err := s.db.Exec(ctx, query, id, hash[:])
	if err != nil {
		return false, fmt.Errorf("consume recovery code: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) scanAccount(row pgx.Row) (*authgate.Account, error) {
	var a authgate.Account
	var tenantID, phone, mfaMethod, mfaSecret *string
	var passwordChangedAt, lastLoginAt *time.Time

	err := row.Scan(
		&a.ID, &tenantID, &a.Username, &a.Email, &phone, &a.Role, &a.Permissions,
		&a.PasswordHash, &a.PasswordHistory, &passwordChangedAt,
		&a.FailedLoginAttempts, &a.LockedUntil,
		&a.MFAEnabled, &mfaMethod, &mfaSecret, &a.Active, &lastLoginAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, authgate.ErrNotFound
		}
		return nil, fmt.Errorf("scan account: %w", err)
	}

	if tenantID != nil {
		a.TenantID = *tenantID
	}
	if phone != nil {
		a.Phone = *phone
	}
	if mfaMethod != nil {
		a.MFAMethod = authgate.MFAMethod(*mfaMethod)
	}
	if mfaSecret != nil {
		a.MFASecret = *mfaSecret
	}
	if passwordChangedAt != nil {
		a.PasswordChangedAt = *passwordChangedAt
	}
	a.LastLoginAt = lastLoginAt

	return &a, nil
}
