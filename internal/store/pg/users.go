package pg

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"sparing.org/internal/auth"
	"sparing.org/internal/ids"
	"sparing.org/internal/telemetry"
)

// ErrConflict is returned when a site uid or user email already exists.
var ErrConflict = errors.New("pg: already exists")

func (s *Store) UserByEmail(ctx context.Context, email string) (auth.User, error) {
	var (
		u    auth.User
		role string
	)
	err := s.db.QueryRowContext(ctx, `
		select id, name, email, password_hash, role, is_active
		from users where email=$1
	`, strings.ToLower(strings.TrimSpace(email))).Scan(&u.ID, &u.Name, &u.Email, &u.PasswordHash, &role, &u.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.User{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.User{}, err
	}
	u.Role = auth.Role(role)
	return u, nil
}

func (s *Store) ViewerSites(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		select s.uid
		from viewer_sites vs join sites s on s.id = vs.site_id
		where vs.user_id=$1
		order by s.uid
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var uids []string
	for rows.Next() {
		var uid string
		if err := rows.Scan(&uid); err != nil {
			return nil, err
		}
		uids = append(uids, uid)
	}
	return uids, rows.Err()
}

// CreateSite registers a monitored site.
func (s *Store) CreateSite(ctx context.Context, uid, name, company string) (telemetry.Site, error) {
	site := telemetry.Site{UID: strings.TrimSpace(uid), Name: name, CompanyName: company, Active: true}
	if site.UID == "" {
		return telemetry.Site{}, errors.New("pg: site uid is required")
	}
	err := s.db.QueryRowContext(ctx, `
		insert into sites(uid, name, company_name, is_active, created_at, updated_at)
		values ($1, $2, $3, true, $4, $4)
		returning id
	`, site.UID, site.Name, site.CompanyName, s.now().UTC()).Scan(&site.ID)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return telemetry.Site{}, ErrConflict
		}
		return telemetry.Site{}, err
	}
	return site, nil
}

// CreateUser inserts u and, for viewers, its site assignments in one transaction.
// Unknown site uids fail with telemetry.ErrNotFound.
func (s *Store) CreateUser(ctx context.Context, u auth.User, siteUIDs []string) (auth.User, error) {
	if u.ID == "" {
		u.ID = ids.New()
	}
	u.Email = strings.ToLower(strings.TrimSpace(u.Email))
	if _, err := auth.ParseRole(string(u.Role)); err != nil {
		return auth.User{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return auth.User{}, err
	}
	defer func() { _ = tx.Rollback() }()

	now := s.now().UTC()
	if _, err := tx.ExecContext(ctx, `
		insert into users(id, name, email, password_hash, role, is_active, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, $7)
	`, u.ID, u.Name, u.Email, u.PasswordHash, string(u.Role), u.Active, now); err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return auth.User{}, ErrConflict
		}
		return auth.User{}, err
	}

	if u.Role == auth.RoleViewer {
		for _, uid := range siteUIDs {
			res, err := tx.ExecContext(ctx, `
				insert into viewer_sites(user_id, site_id)
				select $1, id from sites where uid=$2
				on conflict do nothing
			`, u.ID, uid)
			if err != nil {
				return auth.User{}, err
			}
			if n, _ := res.RowsAffected(); n == 0 {
				var exists bool
				if err := tx.QueryRowContext(ctx, `select exists(select 1 from sites where uid=$1)`, uid).Scan(&exists); err != nil {
					return auth.User{}, err
				}
				if !exists {
					return auth.User{}, telemetry.ErrNotFound
				}
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return auth.User{}, err
	}
	return u, nil
}
