package telemetry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"sparing.org/internal/auth"
)

const (
	DefaultPerPage = 50
	MaxPerPage     = 500
)

// Query is a caller's listing request before scope is applied.
type Query struct {
	SiteUID   string
	DeviceID  *int64
	From      *time.Time
	To        *time.Time
	Ascending bool
	Page      int
	PerPage   int
}

// Reader serves the read paths. Out-of-scope sites yield empty results, never errors.
type Reader struct {
	store Store
}

// NewReader returns a Reader over store.
func NewReader(store Store) *Reader {
	return &Reader{store: store}
}

// List returns one page of readings visible to principal.
func (r *Reader) List(ctx context.Context, principal auth.Principal, q Query) (Page, error) {
	if q.Page == 0 {
		q.Page = 1
	}
	if q.PerPage == 0 {
		q.PerPage = DefaultPerPage
	}
	if q.Page < 1 {
		return Page{}, fmt.Errorf("%w: page must be >= 1", ErrInvalidQuery)
	}
	if q.PerPage < 1 || q.PerPage > MaxPerPage {
		return Page{}, fmt.Errorf("%w: per_page out of range", ErrInvalidQuery)
	}
	empty := Page{Page: q.Page, PerPage: q.PerPage, Items: []Reading{}}

	allow := auth.EffectiveSites(principal)
	f := ListFilter{
		DeviceID:  q.DeviceID,
		From:      q.From,
		To:        q.To,
		Ascending: q.Ascending,
		Limit:     q.PerPage,
		Offset:    (q.Page - 1) * q.PerPage,
	}

	if uid := strings.TrimSpace(q.SiteUID); uid != "" {
		if !allow.Permits(uid) {
			return empty, nil
		}
		site, err := r.store.SiteByUID(ctx, uid)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return empty, nil
			}
			return Page{}, unavailable("site lookup", err)
		}
		f.SiteIDs = []int64{site.ID}
	} else if !allow.IsUnrestricted() {
		for _, uid := range allow.Sites() {
			site, err := r.store.SiteByUID(ctx, uid)
			if err != nil {
				if errors.Is(err, ErrNotFound) {
					continue
				}
				return Page{}, unavailable("site lookup", err)
			}
			f.SiteIDs = append(f.SiteIDs, site.ID)
		}
		if len(f.SiteIDs) == 0 {
			return empty, nil
		}
	}

	items, total, err := r.store.ListReadings(ctx, f)
	if err != nil {
		return Page{}, unavailable("list readings", err)
	}
	if items == nil {
		items = []Reading{}
	}
	return Page{Total: total, Page: q.Page, PerPage: q.PerPage, Items: items}, nil
}

// Last returns the newest reading of a site. Unlike List this targets a named site,
// so an out-of-scope site is auth.ErrForbidden and an unknown one ErrNotFound.
// The bool is false when the site has no readings yet.
func (r *Reader) Last(ctx context.Context, principal auth.Principal, siteUID string) (Reading, bool, error) {
	siteUID = strings.TrimSpace(siteUID)
	if siteUID == "" {
		return Reading{}, false, fmt.Errorf("%w: site_uid is required", ErrInvalidQuery)
	}
	site, err := r.store.SiteByUID(ctx, siteUID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Reading{}, false, fmt.Errorf("%w: site %q", ErrNotFound, siteUID)
		}
		return Reading{}, false, unavailable("site lookup", err)
	}
	if err := auth.AuthorizeTarget(principal, site.UID); err != nil {
		return Reading{}, false, err
	}
	last, err := r.store.LastReading(ctx, site.ID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Reading{}, false, nil
		}
		return Reading{}, false, unavailable("last reading", err)
	}
	return last, true, nil
}

// Visible reports whether principal may observe reading r on a read path.
func Visible(principal auth.Principal, r Reading) bool {
	return auth.CanRead(principal, r.SiteUID)
}
