package pg

import (
	"context"

	"sparing.org/internal/audit"
)

// AppendIngestAudit inserts one row into ingest_logs. Rows are never updated.
func (s *Store) AppendIngestAudit(ctx context.Context, e audit.Entry) error {
	_, err := s.db.ExecContext(ctx, `
		insert into ingest_logs(id, request_id, source_ip, user_id, role, site_uid, reading_id, status, error_msg, created_at)
		values ($1, nullif($2,''), nullif($3,''), nullif($4,''), nullif($5,''), nullif($6,''), nullif($7,''), $8, nullif($9,''), $10)
	`, e.ID, e.RequestID, e.SourceAddress, e.UserID, e.Role, e.SiteUID, e.ReadingID, string(e.Outcome), e.Error, e.At)
	return err
}
