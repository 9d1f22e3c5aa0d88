// Package pgstore implements the engine's durable interfaces —
// AccountRepository, TenantDirectory, and TokenStore — on PostgreSQL via
// pgx. Tenant accounts live in per-tenant schemas; the system realm and
// all token state live in public.
package pgstore

import (
	"context"
	"fmt"
	"regexp"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/helioslabs/authgate"
)

// DB is the pgx surface the store needs. *pgxpool.Pool satisfies it, as
// does pgxmock in tests.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store is the PostgreSQL implementation of the engine's durable stores.
type Store struct {
	db     DB
	logger *zap.Logger
}

// New returns a Store over db.
func New(db DB, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, logger: logger}
}

// schemaNamePattern is the allowlist for tenant schema names. Schema names
// reach SQL as identifiers, not parameters, so anything outside this
// pattern is rejected before query construction.
var schemaNamePattern = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

func schemaFor(scope authgate.Scope) (string, error) {
	if scope.Tenant == nil {
		return "public", nil
	}
	name := scope.Tenant.SchemaName
	if !schemaNamePattern.MatchString(name) {
		return "", fmt.Errorf("invalid tenant schema name %q", name)
	}
	return name, nil
}

// tableRef quotes a schema-qualified table reference.
func tableRef(schema, table string) string {
	return pgx.Identifier{schema, table}.Sanitize()
}
