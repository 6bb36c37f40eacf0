package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/strydr/strydr-auth/token/keys"
)

// KeysRepo implements keys.Repo on postgres.
type KeysRepo struct {
	pool *pgxpool.Pool
}

func NewKeysRepo(pool *pgxpool.Pool) *KeysRepo {
	return &KeysRepo{pool: pool}
}

func (r *KeysRepo) Save(ctx context.Context, key *keys.StoredKey) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO signing_keys (kid, private_key_pem, created_at, retired_at)
		VALUES ($1, $2, $3, $4)`,
		key.KID, key.PrivateKeyPEM, key.CreatedAt, key.RetiredAt)
	if err != nil {
		return errors.Wrap(err, "[KeysRepo.Save] insert")
	}
	return nil
}

func (r *KeysRepo) MarkRetired(ctx context.Context, kid string, retiredAt time.Time) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE signing_keys SET retired_at = $2 WHERE kid = $1`, kid, retiredAt)
	if err != nil {
		return errors.Wrap(err, "[KeysRepo.MarkRetired] update")
	}
	if tag.RowsAffected() == 0 {
		return errors.Errorf("key %s not found", kid)
	}
	return nil
}

func (r *KeysRepo) Delete(ctx context.Context, kid string) error {
	if _, err := r.pool.Exec(ctx,
		`DELETE FROM signing_keys WHERE kid = $1`, kid); err != nil {
		return errors.Wrap(err, "[KeysRepo.Delete] delete")
	}
	return nil
}

func (r *KeysRepo) List(ctx context.Context) ([]*keys.StoredKey, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT kid, private_key_pem, created_at, retired_at
		FROM signing_keys ORDER BY created_at`)
	if err != nil {
		return nil, errors.Wrap(err, "[KeysRepo.List] query")
	}
	defer rows.Close()

	var stored []*keys.StoredKey
	for rows.Next() {
		var key keys.StoredKey
		if err := rows.Scan(&key.KID, &key.PrivateKeyPEM, &key.CreatedAt, &key.RetiredAt); err != nil {
			return nil, errors.Wrap(err, "[KeysRepo.List] scan")
		}
		stored = append(stored, &key)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "[KeysRepo.List] rows")
	}
	return stored, nil
}
