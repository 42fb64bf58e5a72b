package auth

import (
	"context"
	"slices"
	"strings"
	"sync"
)

// UserDirectory is the account lookup the login flow needs. Implementations return
// ErrNotFound for unknown emails.
type UserDirectory interface {
	UserByEmail(ctx context.Context, email string) (User, error)
	// ViewerSites lists the external site identifiers a viewer is assigned to.
	ViewerSites(ctx context.Context, userID string) ([]string, error)
}

var _ UserDirectory = (*MemoryDirectory)(nil)

// MemoryDirectory is an in-process UserDirectory for development and tests.
type MemoryDirectory struct {
	mu    sync.RWMutex
	users map[string]User
	sites map[string][]string
}

// NewMemoryDirectory returns an empty directory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{users: make(map[string]User), sites: make(map[string][]string)}
}

// Put adds or replaces u. sites is stored as the viewer's assignment list.
func (d *MemoryDirectory) Put(u User, sites ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	u.Email = strings.ToLower(strings.TrimSpace(u.Email))
	d.users[u.Email] = u
	d.sites[u.ID] = normalizeScope(sites)
}

func (d *MemoryDirectory) UserByEmail(_ context.Context, email string) (User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.users[strings.ToLower(strings.TrimSpace(email))]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

func (d *MemoryDirectory) ViewerSites(_ context.Context, userID string) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return slices.Clone(d.sites[userID]), nil
}
