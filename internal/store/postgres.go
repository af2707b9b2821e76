package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/isplane/subscriber-sync-server/internal/upstream"
)

// pgStore is the Postgres-backed Store implementation.
type pgStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a Store over the given connection pool.
// The caller keeps ownership of the pool; Close releases it.
func NewPostgresStore(pool *pgxpool.Pool) Store {
	return &pgStore{pool: pool}
}

var _ Store = (*pgStore)(nil)

const upsertProfileQuery = `
INSERT INTO service_profiles (
	integration_id, external_id, name, download_kbps, upload_kbps, monthly_price, updated_at
) VALUES ($1, $2, $3, $4, $5, $6, now())
ON CONFLICT (integration_id, external_id) DO UPDATE SET
	name = EXCLUDED.name,
	download_kbps = EXCLUDED.download_kbps,
	upload_kbps = EXCLUDED.upload_kbps,
	monthly_price = EXCLUDED.monthly_price,
	updated_at = now()
RETURNING (xmax = 0) AS inserted`

const upsertUserQuery = `
INSERT INTO subscribers (
	integration_id, external_id, username, profile_external_id,
	firstname, lastname, enabled, expiration, updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
ON CONFLICT (integration_id, external_id) DO UPDATE SET
	username = EXCLUDED.username,
	profile_external_id = EXCLUDED.profile_external_id,
	firstname = EXCLUDED.firstname,
	lastname = EXCLUDED.lastname,
	enabled = EXCLUDED.enabled,
	expiration = EXCLUDED.expiration,
	updated_at = now()
RETURNING (xmax = 0) AS inserted`

func (s *pgStore) UpsertProfile(ctx context.Context, integrationID string, rec upstream.ProfileRecord) (Result, error) {
	var inserted bool
	err := s.pool.QueryRow(ctx, upsertProfileQuery,
		integrationID,
		rec.ExternalID,
		rec.Name,
		rec.DownloadKbps,
		rec.UploadKbps,
		rec.MonthlyPrice,
	).Scan(&inserted)
	if err != nil {
		return "", fmt.Errorf("failed to upsert profile %s: %w", rec.ExternalID, err)
	}

	if inserted {
		return ResultCreated, nil
	}
	return ResultUpdated, nil
}

func (s *pgStore) UpsertUser(ctx context.Context, integrationID string, rec upstream.UserRecord) (Result, error) {
	var inserted bool
	err := s.pool.QueryRow(ctx, upsertUserQuery,
		integrationID,
		rec.ExternalID,
		rec.Username,
		rec.ProfileExternalID,
		rec.FirstName,
		rec.LastName,
		rec.Enabled,
		rec.Expiration,
	).Scan(&inserted)
	if err != nil {
		return "", fmt.Errorf("failed to upsert user %s: %w", rec.ExternalID, err)
	}

	if inserted {
		return ResultCreated, nil
	}
	return ResultUpdated, nil
}

func (s *pgStore) Close() {
	s.pool.Close()
}
