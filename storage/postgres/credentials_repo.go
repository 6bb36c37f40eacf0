package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/strydr/strydr-auth/credentials"
	"github.com/strydr/strydr-auth/tenantcrypto"
)

// CredentialsRepo implements credentials.Repo on postgres. Only sealed
// bundles touch the database; plaintext credential material never does.
type CredentialsRepo struct {
	pool *pgxpool.Pool
}

func NewCredentialsRepo(pool *pgxpool.Pool) *CredentialsRepo {
	return &CredentialsRepo{pool: pool}
}

func (r *CredentialsRepo) Upsert(ctx context.Context, record *credentials.Record) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO tenant_credentials (tenant_id, user_id, provider, nonce, ciphertext, expires_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (tenant_id, user_id, provider)
		DO UPDATE SET nonce = $4, ciphertext = $5, expires_at = $6, updated_at = $7`,
		record.TenantID, record.UserID, record.Provider,
		record.Bundle.Nonce, record.Bundle.Ciphertext, record.ExpiresAt, record.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, "[CredentialsRepo.Upsert] upsert")
	}
	return nil
}

func (r *CredentialsRepo) Get(ctx context.Context, tenantID, userID, provider string) (*credentials.Record, error) {
	record := credentials.Record{Bundle: &tenantcrypto.Bundle{}}
	err := r.pool.QueryRow(ctx, `
		SELECT tenant_id, user_id, provider, nonce, ciphertext, expires_at, updated_at
		FROM tenant_credentials WHERE tenant_id = $1 AND user_id = $2 AND provider = $3`,
		tenantID, userID, provider).
		Scan(&record.TenantID, &record.UserID, &record.Provider,
			&record.Bundle.Nonce, &record.Bundle.Ciphertext, &record.ExpiresAt, &record.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, credentials.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "[CredentialsRepo.Get] query")
	}
	return &record, nil
}

func (r *CredentialsRepo) Delete(ctx context.Context, tenantID, userID, provider string) error {
	if _, err := r.pool.Exec(ctx, `
		DELETE FROM tenant_credentials
		WHERE tenant_id = $1 AND user_id = $2 AND provider = $3`,
		tenantID, userID, provider); err != nil {
		return errors.Wrap(err, "[CredentialsRepo.Delete] delete")
	}
	return nil
}

func (r *CredentialsRepo) List(ctx context.Context) ([]*credentials.Record, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT tenant_id, user_id, provider, nonce, ciphertext, expires_at, updated_at
		FROM tenant_credentials`)
	if err != nil {
		return nil, errors.Wrap(err, "[CredentialsRepo.List] query")
	}
	defer rows.Close()

	var records []*credentials.Record
	for rows.Next() {
		record := credentials.Record{Bundle: &tenantcrypto.Bundle{}}
		if err := rows.Scan(&record.TenantID, &record.UserID, &record.Provider,
			&record.Bundle.Nonce, &record.Bundle.Ciphertext, &record.ExpiresAt, &record.UpdatedAt); err != nil {
			return nil, errors.Wrap(err, "[CredentialsRepo.List] scan")
		}
		records = append(records, &record)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "[CredentialsRepo.List] rows")
	}
	return records, nil
}
