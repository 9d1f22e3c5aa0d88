package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/helioslabs/authgate"
)

// Resolve looks a tenant up by id or slug. The auth_settings column is
// jsonb; absent keys leave the zero values that fall back to engine
// defaults.
func (s *Store) Resolve(ctx context.Context, ref string) (*authgate.Tenant, error) {
	var t authgate.Tenant
	var status string
	var settings []byte

	err := s.db.QueryRow(ctx, `
		SELECT id, slug, schema_name, status, auth_settings
		FROM public.tenants
		WHERE id::text = $1 OR slug = $1`,
		ref,
	).Scan(&t.ID, &t.Slug, &t.SchemaName, &status, &settings)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, authgate.ErrNotFound
		}
		return nil, fmt.Errorf("resolve tenant: %w", err)
	}

	t.Status = authgate.TenantStatus(status)
	if len(settings) > 0 {
		if err := json.Unmarshal(settings, &t.AuthSettings); err != nil {
			return nil, fmt.Errorf("decode tenant auth settings: %w", err)
		}
	}

	return &t, nil
}
