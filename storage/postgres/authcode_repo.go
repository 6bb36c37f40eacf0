package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/strydr/strydr-auth/authcode"
)

// AuthCodeRepo implements authcode.Repo on postgres.
type AuthCodeRepo struct {
	pool *pgxpool.Pool
}

func NewAuthCodeRepo(pool *pgxpool.Pool) *AuthCodeRepo {
	return &AuthCodeRepo{pool: pool}
}

func (r *AuthCodeRepo) Insert(ctx context.Context, code *authcode.Code) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO authorization_codes
			(code, client_id, user_id, tenant_id, redirect_uri, code_challenge, code_challenge_method, scope, issued_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		code.Code, code.ClientID, code.UserID, code.TenantID, code.RedirectURI,
		code.CodeChallenge, code.CodeChallengeMethod, code.Scope, code.IssuedAt, code.ExpiresAt)
	if err != nil {
		return errors.Wrap(err, "[AuthCodeRepo.Insert] insert")
	}
	return nil
}

func (r *AuthCodeRepo) Get(ctx context.Context, code string) (*authcode.Code, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT code, client_id, user_id, tenant_id, redirect_uri, code_challenge, code_challenge_method, scope, issued_at, expires_at, consumed_at
		FROM authorization_codes WHERE code = $1`, code)
	return scanCode(row)
}

// Consume is the single conditional mutation all exchanges race on. The
// WHERE clause filters to live unconsumed rows; losers see zero rows.
func (r *AuthCodeRepo) Consume(ctx context.Context, code string) (*authcode.Code, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE authorization_codes
		SET consumed_at = now()
		WHERE code = $1 AND consumed_at IS NULL AND expires_at > now()
		RETURNING code, client_id, user_id, tenant_id, redirect_uri, code_challenge, code_challenge_method, scope, issued_at, expires_at, consumed_at`,
		code)
	return scanCode(row)
}

func (r *AuthCodeRepo) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM authorization_codes WHERE expires_at < $1`, before)
	if err != nil {
		return 0, errors.Wrap(err, "[AuthCodeRepo.DeleteExpired] delete")
	}
	return tag.RowsAffected(), nil
}

func scanCode(row pgx.Row) (*authcode.Code, error) {
	var code authcode.Code
	err := row.Scan(&code.Code, &code.ClientID, &code.UserID, &code.TenantID,
		&code.RedirectURI, &code.CodeChallenge, &code.CodeChallengeMethod,
		&code.Scope, &code.IssuedAt, &code.ExpiresAt, &code.ConsumedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.New("code not found, expired or already consumed")
	}
	if err != nil {
		return nil, errors.Wrap(err, "[scanCode] scan")
	}
	return &code, nil
}
