package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/strydr/strydr-auth/token/refresh"
)

// RefreshRepo implements refresh.Repo on postgres.
type RefreshRepo struct {
	pool *pgxpool.Pool
}

func NewRefreshRepo(pool *pgxpool.Pool) *RefreshRepo {
	return &RefreshRepo{pool: pool}
}

func (r *RefreshRepo) Insert(ctx context.Context, token *refresh.Token) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO refresh_tokens
			(token, family_id, client_id, user_id, tenant_id, scope, issued_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		token.Token, token.FamilyID, token.ClientID, token.UserID,
		token.TenantID, token.Scope, token.IssuedAt, token.ExpiresAt)
	if err != nil {
		return errors.Wrap(err, "[RefreshRepo.Insert] insert")
	}
	return nil
}

func (r *RefreshRepo) Get(ctx context.Context, token string) (*refresh.Token, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT token, family_id, client_id, user_id, tenant_id, scope, issued_at, expires_at, revoked_at, replaced_by
		FROM refresh_tokens WHERE token = $1`, token)
	return scanRefreshToken(row)
}

// Consume revokes the token in one conditional mutation. Concurrent
// exchanges of the same token are serialized by the row lock; exactly one
// caller gets the row back.
func (r *RefreshRepo) Consume(ctx context.Context, token string) (*refresh.Token, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE refresh_tokens
		SET revoked_at = now()
		WHERE token = $1 AND revoked_at IS NULL AND expires_at > now()
		RETURNING token, family_id, client_id, user_id, tenant_id, scope, issued_at, expires_at, revoked_at, replaced_by`,
		token)
	return scanRefreshToken(row)
}

func (r *RefreshRepo) LinkSuccessor(ctx context.Context, token, successor string) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE refresh_tokens SET replaced_by = $2 WHERE token = $1`, token, successor)
	if err != nil {
		return errors.Wrap(err, "[RefreshRepo.LinkSuccessor] update")
	}
	if tag.RowsAffected() == 0 {
		return errors.Errorf("token not found")
	}
	return nil
}

func (r *RefreshRepo) RevokeFamily(ctx context.Context, familyID string) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE refresh_tokens SET revoked_at = now()
		WHERE family_id = $1 AND revoked_at IS NULL`, familyID)
	if err != nil {
		return 0, errors.Wrap(err, "[RefreshRepo.RevokeFamily] update")
	}
	return tag.RowsAffected(), nil
}

func (r *RefreshRepo) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM refresh_tokens WHERE expires_at < $1`, before)
	if err != nil {
		return 0, errors.Wrap(err, "[RefreshRepo.DeleteExpired] delete")
	}
	return tag.RowsAffected(), nil
}

func scanRefreshToken(row pgx.Row) (*refresh.Token, error) {
	var token refresh.Token
	err := row.Scan(&token.Token, &token.FamilyID, &token.ClientID, &token.UserID,
		&token.TenantID, &token.Scope, &token.IssuedAt, &token.ExpiresAt,
		&token.RevokedAt, &token.ReplacedBy)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, refresh.ErrNotConsumable
	}
	if err != nil {
		return nil, errors.Wrap(err, "[scanRefreshToken] scan")
	}
	return &token, nil
}
