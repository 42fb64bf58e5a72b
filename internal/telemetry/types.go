package telemetry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Site is a monitored location. UID is the external identifier devices send.
type Site struct {
	ID          int64  `json:"id"`
	UID         string `json:"uid"`
	Name        string `json:"name"`
	CompanyName string `json:"company_name,omitempty"`
	Active      bool   `json:"is_active"`
}

// Measurements are the optional numeric channels of one reading. Fields with a
// validate tag are range-checked on ingest; the rest pass through unchecked.
type Measurements struct {
	PH           *float64 `json:"ph,omitempty" validate:"omitempty,gte=0,lte=14"`
	TSS          *float64 `json:"tss,omitempty" validate:"omitempty,gte=0"`
	Debit        *float64 `json:"debit,omitempty" validate:"omitempty,gte=0"`
	NH3N         *float64 `json:"nh3n,omitempty"`
	COD          *float64 `json:"cod,omitempty"`
	Temp         *float64 `json:"temp,omitempty" validate:"omitempty,gte=-40,lte=80"`
	RH           *float64 `json:"rh,omitempty" validate:"omitempty,gte=0,lte=100"`
	WindSpeedKmh *float64 `json:"wind_speed_kmh,omitempty" validate:"omitempty,gte=0"`
	WindDeg      *float64 `json:"wind_deg,omitempty"`
	Noise        *float64 `json:"noise,omitempty" validate:"omitempty,gte=0"`
	CO           *float64 `json:"co,omitempty"`
	SO2          *float64 `json:"so2,omitempty"`
	NO2          *float64 `json:"no2,omitempty"`
	O3           *float64 `json:"o3,omitempty"`
	PM25         *float64 `json:"pm25,omitempty"`
	PM10         *float64 `json:"pm10,omitempty"`
	TVOC         *float64 `json:"tvoc,omitempty"`
	Voltage      *float64 `json:"voltage,omitempty"`
	Current      *float64 `json:"current,omitempty"`
}

// Timestamp is a JSON time that also accepts zone-less values, which are read as UTC.
type Timestamp struct {
	time.Time
}

var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("timestamp must be a string: %w", err)
	}
	if parsed, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		t.Time = parsed
		return nil
	}
	for _, layout := range naiveLayouts {
		if parsed, err := time.ParseInLocation(layout, raw, time.UTC); err == nil {
			t.Time = parsed
			return nil
		}
	}
	return fmt.Errorf("invalid timestamp %q", raw)
}

// TS wraps t for use in ReadingInput.
func TS(t time.Time) *Timestamp { return &Timestamp{Time: t} }

// ReadingInput is one reading as submitted by a device or operator.
type ReadingInput struct {
	SiteUID   string     `json:"site_uid"`
	DeviceID  *int64     `json:"device_id,omitempty"`
	Timestamp *Timestamp `json:"ts,omitempty"`
	Measurements
	Payload map[string]any `json:"payload,omitempty"`
	// IdempotencyKey is optional; at most one reading persists per key.
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// Reading is a persisted measurement row.
type Reading struct {
	ID        string    `json:"id"`
	SiteID    int64     `json:"site_id"`
	SiteUID   string    `json:"site_uid"`
	DeviceID  *int64    `json:"device_id"`
	Timestamp time.Time `json:"ts"`
	Measurements
	Payload        map[string]any `json:"payload,omitempty"`
	Source         string         `json:"-"`
	IdempotencyKey string         `json:"-"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Result is the outcome of a successful single ingest. Replayed is set when the
// idempotency key matched an existing reading and nothing new was written.
type Result struct {
	ID       string `json:"id"`
	Replayed bool   `json:"replayed"`
}

// ItemOutcome is the per-item result of a bulk ingest, in input order.
type ItemOutcome struct {
	OK       bool   `json:"ok"`
	ID       string `json:"id,omitempty"`
	Replayed bool   `json:"replayed,omitempty"`
	Error    string `json:"error,omitempty"`
}

// ListFilter narrows ListReadings. Empty SiteIDs means every site; From is
// inclusive and To exclusive.
type ListFilter struct {
	SiteIDs   []int64
	DeviceID  *int64
	From      *time.Time
	To        *time.Time
	Ascending bool
	Limit     int
	Offset    int
}

// Page is one slice of a reading listing.
type Page struct {
	Total   int       `json:"total"`
	Page    int       `json:"page"`
	PerPage int       `json:"per_page"`
	Items   []Reading `json:"items"`
}

// identityFields survive every projection.
var identityFields = []string{"id", "ts", "site_id", "site_uid", "device_id"}

// ProjectedPage is a Page whose items carry only selected keys.
type ProjectedPage struct {
	Total   int              `json:"total"`
	Page    int              `json:"page"`
	PerPage int              `json:"per_page"`
	Items   []map[string]any `json:"items"`
}

// Project keeps the identity keys of every item plus the named fields. Unknown
// names are ignored and unset measurements stay absent.
func (p Page) Project(fields []string) (ProjectedPage, error) {
	keep := make(map[string]bool, len(fields)+len(identityFields))
	for _, f := range identityFields {
		keep[f] = true
	}
	for _, f := range fields {
		keep[f] = true
	}

	out := ProjectedPage{Total: p.Total, Page: p.Page, PerPage: p.PerPage, Items: make([]map[string]any, 0, len(p.Items))}
	for _, r := range p.Items {
		raw, err := json.Marshal(r)
		if err != nil {
			return ProjectedPage{}, fmt.Errorf("project reading %s: %w", r.ID, err)
		}
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		var item map[string]any
		if err := dec.Decode(&item); err != nil {
			return ProjectedPage{}, fmt.Errorf("project reading %s: %w", r.ID, err)
		}
		for k := range item {
			if !keep[k] {
				delete(item, k)
			}
		}
		out.Items = append(out.Items, item)
	}
	return out, nil
}
