package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/strydr/strydr-auth/clients"
)

// ClientRepo implements clients.Repo on postgres.
type ClientRepo struct {
	pool *pgxpool.Pool
}

func NewClientRepo(pool *pgxpool.Pool) *ClientRepo {
	return &ClientRepo{pool: pool}
}

func (r *ClientRepo) Create(ctx context.Context, client *clients.Client) error {
	grantTypes := make([]string, len(client.GrantTypes))
	for i, gt := range client.GrantTypes {
		grantTypes[i] = string(gt)
	}

	_, err := r.pool.Exec(ctx, `
		INSERT INTO oauth_clients (id, secret_hash, name, redirect_uris, grant_types, disabled, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		client.ID, client.SecretHash, client.Name, client.RedirectURIs, grantTypes, client.Disabled, client.CreatedAt)
	if err != nil {
		return errors.Wrap(err, "[ClientRepo.Create] insert")
	}
	return nil
}

func (r *ClientRepo) Get(ctx context.Context, clientID string) (*clients.Client, error) {
	var client clients.Client
	var grantTypes []string

	err := r.pool.QueryRow(ctx, `
		SELECT id, secret_hash, name, redirect_uris, grant_types, disabled, created_at
		FROM oauth_clients WHERE id = $1`, clientID).
		Scan(&client.ID, &client.SecretHash, &client.Name, &client.RedirectURIs, &grantTypes, &client.Disabled, &client.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, clients.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "[ClientRepo.Get] query")
	}

	client.GrantTypes = make([]clients.GrantType, len(grantTypes))
	for i, gt := range grantTypes {
		client.GrantTypes[i] = clients.GrantType(gt)
	}
	return &client, nil
}

func (r *ClientRepo) Disable(ctx context.Context, clientID string) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE oauth_clients SET disabled = TRUE WHERE id = $1`, clientID)
	if err != nil {
		return errors.Wrap(err, "[ClientRepo.Disable] update")
	}
	if tag.RowsAffected() == 0 {
		return clients.ErrNotFound
	}
	return nil
}

func (r *ClientRepo) UpdateSecretHash(ctx context.Context, clientID, secretHash string) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE oauth_clients SET secret_hash = $2 WHERE id = $1`, clientID, secretHash)
	if err != nil {
		return errors.Wrap(err, "[ClientRepo.UpdateSecretHash] update")
	}
	if tag.RowsAffected() == 0 {
		return clients.ErrNotFound
	}
	return nil
}
