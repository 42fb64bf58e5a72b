package telemetry

import (
	"context"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"
)

var _ Store = (*InMemory)(nil)

// InMemory is a process-local Store for development and tests.
type InMemory struct {
	mu       sync.RWMutex
	nextSite int64
	sites    map[string]Site
	readings []Reading
	byKey    map[string]int
}

// NewInMemory returns an empty store.
func NewInMemory() *InMemory {
	return &InMemory{
		sites: make(map[string]Site),
		byKey: make(map[string]int),
	}
}

// AddSite registers a site and returns it with its assigned id. Adding an existing
// uid returns the stored site unchanged.
func (m *InMemory) AddSite(uid, name string) Site {
	uid = strings.TrimSpace(uid)
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sites[uid]; ok {
		return s
	}
	m.nextSite++
	s := Site{ID: m.nextSite, UID: uid, Name: name, Active: true}
	m.sites[uid] = s
	return s
}

func (m *InMemory) SiteByUID(_ context.Context, uid string) (Site, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sites[uid]
	if !ok {
		return Site{}, ErrNotFound
	}
	return s, nil
}

func (m *InMemory) ReadingByIdempotencyKey(_ context.Context, key string) (Reading, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	idx, ok := m.byKey[key]
	if !ok || key == "" {
		return Reading{}, ErrNotFound
	}
	return cloneReading(m.readings[idx]), nil
}

func (m *InMemory) InsertReading(ctx context.Context, r Reading) error {
	return m.InsertReadings(ctx, []Reading{r})
}

func (m *InMemory) InsertReadings(_ context.Context, rs []Reading) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	batch := make(map[string]bool)
	for _, r := range rs {
		if r.IdempotencyKey == "" {
			continue
		}
		if _, taken := m.byKey[r.IdempotencyKey]; taken || batch[r.IdempotencyKey] {
			return ErrDuplicateKey
		}
		batch[r.IdempotencyKey] = true
	}
	for _, r := range rs {
		if r.IdempotencyKey != "" {
			m.byKey[r.IdempotencyKey] = len(m.readings)
		}
		m.readings = append(m.readings, cloneReading(r))
	}
	return nil
}

func (m *InMemory) ListReadings(_ context.Context, f ListFilter) ([]Reading, int, error) {
	m.mu.RLock()
	matched := make([]Reading, 0)
	for _, r := range m.readings {
		if matches(r, f) {
			matched = append(matched, r)
		}
	}
	m.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool {
		if f.Ascending {
			return matched[i].Timestamp.Before(matched[j].Timestamp)
		}
		return matched[i].Timestamp.After(matched[j].Timestamp)
	})
	total := len(matched)
	if f.Offset >= total {
		return []Reading{}, total, nil
	}
	end := total
	if f.Limit > 0 && f.Offset+f.Limit < end {
		end = f.Offset + f.Limit
	}
	out := make([]Reading, 0, end-f.Offset)
	for _, r := range matched[f.Offset:end] {
		out = append(out, cloneReading(r))
	}
	return out, total, nil
}

func (m *InMemory) LastReading(_ context.Context, siteID int64) (Reading, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var (
		last  Reading
		found bool
	)
	for _, r := range m.readings {
		if r.SiteID != siteID {
			continue
		}
		if !found || r.Timestamp.After(last.Timestamp) {
			last, found = r, true
		}
	}
	if !found {
		return Reading{}, ErrNotFound
	}
	return cloneReading(last), nil
}

func (m *InMemory) Ping(context.Context) error { return nil }

// Len returns the number of stored readings.
func (m *InMemory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.readings)
}

func matches(r Reading, f ListFilter) bool {
	if len(f.SiteIDs) > 0 && !slices.Contains(f.SiteIDs, r.SiteID) {
		return false
	}
	if f.DeviceID != nil && (r.DeviceID == nil || *r.DeviceID != *f.DeviceID) {
		return false
	}
	if f.From != nil && r.Timestamp.Before(*f.From) {
		return false
	}
	if f.To != nil && !r.Timestamp.Before(*f.To) {
		return false
	}
	return true
}

func cloneReading(r Reading) Reading {
	r.Payload = maps.Clone(r.Payload)
	return r
}
