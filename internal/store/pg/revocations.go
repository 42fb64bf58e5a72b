package pg

import (
	"context"
	"time"

	"sparing.org/internal/auth"
)

func (s *Store) Revoke(ctx context.Context, tok auth.RevokedToken) error {
	_, err := s.db.ExecContext(ctx, `
		insert into auth_token_blacklist(jti, user_id, expires_at, reason, created_at)
		values ($1, $2, $3, nullif($4,''), $5)
		on conflict (jti) do nothing
	`, tok.TokenID, tok.UserID, tok.ExpiresAt.UTC(), tok.Reason, s.now().UTC())
	return err
}

func (s *Store) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `
		select exists(select 1 from auth_token_blacklist where jti=$1)
	`, tokenID).Scan(&revoked)
	return revoked, err
}

func (s *Store) Sweep(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `delete from auth_token_blacklist where expires_at <= $1`, now.UTC())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
