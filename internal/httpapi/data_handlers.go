package httpapi

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"sparing.org/internal/auth"
	"sparing.org/internal/telemetry"
)

// Zone-less query times are read as UTC, like ingested timestamps.
var queryTimeLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

func (a *API) handleListData(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalFrom(r)
	if !ok {
		handleError(w, r, a.logger, auth.ErrUnauthenticated)
		return
	}
	q, err := parseListQuery(r.URL.Query())
	if err != nil {
		handleError(w, r, a.logger, err)
		return
	}
	page, err := a.reader.List(r.Context(), principal, q)
	if err != nil {
		handleError(w, r, a.logger, err)
		return
	}
	fields := parseFields(r.URL.Query().Get("fields"))
	if len(fields) == 0 {
		writeJSON(w, http.StatusOK, page)
		return
	}
	projected, err := page.Project(fields)
	if err != nil {
		handleError(w, r, a.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, projected)
}

// parseFields splits the comma-separated fields parameter of GET /data.
func parseFields(raw string) []string {
	var fields []string
	for _, f := range strings.Split(raw, ",") {
		if f = strings.TrimSpace(f); f != "" {
			fields = append(fields, f)
		}
	}
	return fields
}

func (a *API) handleLastData(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalFrom(r)
	if !ok {
		handleError(w, r, a.logger, auth.ErrUnauthenticated)
		return
	}
	last, found, err := a.reader.Last(r.Context(), principal, r.URL.Query().Get("site_uid"))
	if err != nil {
		handleError(w, r, a.logger, err)
		return
	}
	if !found {
		writeJSON(w, http.StatusOK, struct{}{})
		return
	}
	writeJSON(w, http.StatusOK, last)
}

func parseListQuery(v url.Values) (telemetry.Query, error) {
	q := telemetry.Query{SiteUID: strings.TrimSpace(v.Get("site_uid"))}

	if raw := strings.TrimSpace(v.Get("device_id")); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return telemetry.Query{}, invalidQuery("device_id must be an integer")
		}
		q.DeviceID = &id
	}
	for _, p := range []struct {
		name string
		dst  **time.Time
	}{{"date_from", &q.From}, {"date_to", &q.To}} {
		raw := strings.TrimSpace(v.Get(p.name))
		if raw == "" {
			continue
		}
		t, err := parseQueryTime(raw)
		if err != nil {
			return telemetry.Query{}, invalidQuery(p.name + " must be an RFC 3339 timestamp")
		}
		*p.dst = &t
	}

	switch strings.ToLower(strings.TrimSpace(v.Get("order"))) {
	case "", "desc":
	case "asc":
		q.Ascending = true
	default:
		return telemetry.Query{}, invalidQuery("order must be asc or desc")
	}

	var err error
	if q.Page, err = parsePositiveInt(v.Get("page"), "page"); err != nil {
		return telemetry.Query{}, err
	}
	if q.PerPage, err = parsePositiveInt(v.Get("per_page"), "per_page"); err != nil {
		return telemetry.Query{}, err
	}
	return q, nil
}

// parsePositiveInt returns 0 for an absent value so the reader applies its default.
func parsePositiveInt(raw, name string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, invalidQuery(name + " must be an integer")
	}
	if val < 1 {
		return 0, invalidQuery(name + " out of range")
	}
	return val, nil
}

func parseQueryTime(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t.UTC(), nil
	}
	for _, layout := range queryTimeLayouts {
		if t, err := time.ParseInLocation(layout, raw, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid time %q", raw)
}

func invalidQuery(msg string) error {
	return fmt.Errorf("%w: %s", telemetry.ErrInvalidQuery, msg)
}
