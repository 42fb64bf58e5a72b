package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"sparing.org/internal/telemetry"
)

const measurementColumns = `ph, tss, debit, nh3n, cod, temp, rh, wind_speed_kmh, wind_deg, noise, co, so2, no2, o3, pm25, pm10, tvoc, voltage, "current"`

const readingColumns = `d.id, d.site_id, s.uid, d.device_id, d.ts, d.payload, d.created_at, coalesce(d.ingest_source,''), coalesce(d.ingest_idempotency_key,''), ` +
	`d.ph, d.tss, d.debit, d.nh3n, d.cod, d.temp, d.rh, d.wind_speed_kmh, d.wind_deg, d.noise, d.co, d.so2, d.no2, d.o3, d.pm25, d.pm10, d.tvoc, d.voltage, d."current"`

func measurementArgs(m telemetry.Measurements) []any {
	return []any{m.PH, m.TSS, m.Debit, m.NH3N, m.COD, m.Temp, m.RH, m.WindSpeedKmh, m.WindDeg, m.Noise,
		m.CO, m.SO2, m.NO2, m.O3, m.PM25, m.PM10, m.TVOC, m.Voltage, m.Current}
}

func measurementDest(m *telemetry.Measurements) []any {
	return []any{&m.PH, &m.TSS, &m.Debit, &m.NH3N, &m.COD, &m.Temp, &m.RH, &m.WindSpeedKmh, &m.WindDeg, &m.Noise,
		&m.CO, &m.SO2, &m.NO2, &m.O3, &m.PM25, &m.PM10, &m.TVOC, &m.Voltage, &m.Current}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReading(row rowScanner) (telemetry.Reading, error) {
	var (
		r       telemetry.Reading
		payload []byte
	)
	dest := append([]any{&r.ID, &r.SiteID, &r.SiteUID, &r.DeviceID, &r.Timestamp, &payload, &r.CreatedAt, &r.Source, &r.IdempotencyKey},
		measurementDest(&r.Measurements)...)
	if err := row.Scan(dest...); err != nil {
		return telemetry.Reading{}, err
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &r.Payload); err != nil {
			return telemetry.Reading{}, fmt.Errorf("decode payload: %w", err)
		}
	}
	r.Timestamp = r.Timestamp.UTC()
	r.CreatedAt = r.CreatedAt.UTC()
	return r, nil
}

func (s *Store) SiteByUID(ctx context.Context, uid string) (telemetry.Site, error) {
	var site telemetry.Site
	err := s.db.QueryRowContext(ctx, `
		select id, uid, name, company_name, is_active
		from sites where uid=$1
	`, uid).Scan(&site.ID, &site.UID, &site.Name, &site.CompanyName, &site.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return telemetry.Site{}, telemetry.ErrNotFound
	}
	if err != nil {
		return telemetry.Site{}, err
	}
	return site, nil
}

func (s *Store) ReadingByIdempotencyKey(ctx context.Context, key string) (telemetry.Reading, error) {
	row := s.db.QueryRowContext(ctx, `
		select `+readingColumns+`
		from sensor_data d join sites s on s.id = d.site_id
		where d.ingest_idempotency_key=$1
	`, key)
	r, err := scanReading(row)
	if errors.Is(err, sql.ErrNoRows) {
		return telemetry.Reading{}, telemetry.ErrNotFound
	}
	return r, err
}

// InsertReading writes r in its own transaction. A taken idempotency key surfaces
// as telemetry.ErrDuplicateKey from the unique constraint.
func (s *Store) InsertReading(ctx context.Context, r telemetry.Reading) error {
	return s.InsertReadings(ctx, []telemetry.Reading{r})
}

// InsertReadings writes rs in a single transaction; the first failing row rolls
// back the whole batch.
func (s *Store) InsertReadings(ctx context.Context, rs []telemetry.Reading) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, r := range rs {
		if err := insertReading(ctx, tx, r); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func insertReading(ctx context.Context, tx *sql.Tx, r telemetry.Reading) error {
	var payload []byte
	if r.Payload != nil {
		var err error
		if payload, err = json.Marshal(r.Payload); err != nil {
			return fmt.Errorf("encode payload: %w", err)
		}
	}

	args := append([]any{r.ID, r.SiteID, r.DeviceID, r.Timestamp, payload, r.CreatedAt, r.Source, r.IdempotencyKey},
		measurementArgs(r.Measurements)...)
	if _, err := tx.ExecContext(ctx, `
		insert into sensor_data(id, site_id, device_id, ts, payload, created_at, ingest_source, ingest_idempotency_key, `+measurementColumns+`)
		values ($1,$2,$3,$4,$5,$6,$7,nullif($8,''),$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26,$27)
	`, args...); err != nil {
		if pgErr, ok := maybePgError(err); ok {
			switch pgErr.Code {
			case pgErrUniqueViolation:
				return telemetry.ErrDuplicateKey
			case pgErrForeignKeyViolation:
				return telemetry.ErrNotFound
			}
		}
		return err
	}
	return nil
}

func (s *Store) ListReadings(ctx context.Context, f telemetry.ListFilter) ([]telemetry.Reading, int, error) {
	var (
		where []string
		args  []any
	)
	if len(f.SiteIDs) > 0 {
		marks := make([]string, len(f.SiteIDs))
		for i, id := range f.SiteIDs {
			args = append(args, id)
			marks[i] = fmt.Sprintf("$%d", len(args))
		}
		where = append(where, "d.site_id in ("+strings.Join(marks, ",")+")")
	}
	if f.DeviceID != nil {
		args = append(args, *f.DeviceID)
		where = append(where, fmt.Sprintf("d.device_id = $%d", len(args)))
	}
	if f.From != nil {
		args = append(args, f.From.UTC())
		where = append(where, fmt.Sprintf("d.ts >= $%d", len(args)))
	}
	if f.To != nil {
		args = append(args, f.To.UTC())
		where = append(where, fmt.Sprintf("d.ts < $%d", len(args)))
	}
	clause := ""
	if len(where) > 0 {
		clause = " where " + strings.Join(where, " and ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `select count(*) from sensor_data d`+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	order := "desc"
	if f.Ascending {
		order = "asc"
	}
	limit := f.Limit
	if limit <= 0 {
		limit = telemetry.DefaultPerPage
	}
	args = append(args, limit, f.Offset)
	query := `select ` + readingColumns + ` from sensor_data d join sites s on s.id = d.site_id` + clause +
		fmt.Sprintf(" order by d.ts %s, d.id %s limit $%d offset $%d", order, order, len(args)-1, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	items := make([]telemetry.Reading, 0, limit)
	for rows.Next() {
		r, err := scanReading(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, r)
	}
	return items, total, rows.Err()
}

func (s *Store) LastReading(ctx context.Context, siteID int64) (telemetry.Reading, error) {
	row := s.db.QueryRowContext(ctx, `
		select `+readingColumns+`
		from sensor_data d join sites s on s.id = d.site_id
		where d.site_id=$1
		order by d.ts desc, d.id desc
		limit 1
	`, siteID)
	r, err := scanReading(row)
	if errors.Is(err, sql.ErrNoRows) {
		return telemetry.Reading{}, telemetry.ErrNotFound
	}
	return r, err
}
