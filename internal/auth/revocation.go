package auth

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// RevocationStore is the durable set of revoked token ids. Revoke must be idempotent.
// Sweep discards entries whose expiry is at or before now and returns how many it removed;
// an expired token is rejected by the expiry check, so its entry is no longer needed.
type RevocationStore interface {
	Revoke(ctx context.Context, tok RevokedToken) error
	IsRevoked(ctx context.Context, tokenID string) (bool, error)
	Sweep(ctx context.Context, now time.Time) (int, error)
}

var _ RevocationStore = (*MemoryRevocations)(nil)

// MemoryRevocations is a process-local RevocationStore keyed by token id.
type MemoryRevocations struct {
	mu      sync.RWMutex
	entries map[string]RevokedToken
}

// NewMemoryRevocations creates an empty in-process store.
func NewMemoryRevocations() *MemoryRevocations {
	return &MemoryRevocations{entries: make(map[string]RevokedToken)}
}

func (m *MemoryRevocations) Revoke(_ context.Context, tok RevokedToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[tok.TokenID]; ok {
		return nil
	}
	m.entries[tok.TokenID] = tok
	return nil
}

func (m *MemoryRevocations) IsRevoked(_ context.Context, tokenID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.entries[tokenID]
	return ok, nil
}

func (m *MemoryRevocations) Sweep(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, tok := range m.entries {
		if !tok.ExpiresAt.After(now) {
			delete(m.entries, id)
			removed++
		}
	}
	return removed, nil
}

// Len returns the number of tracked revocations.
func (m *MemoryRevocations) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// RunSweeper calls store.Sweep every interval until ctx is done. onSwept, if set,
// receives the number of entries removed by each sweep.
func RunSweeper(ctx context.Context, store RevocationStore, interval time.Duration, logger *slog.Logger, onSwept func(int)) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := store.Sweep(ctx, now.UTC())
			if err != nil {
				if logger != nil {
					logger.Warn("revocation sweep failed", slog.Any("error", err))
				}
				continue
			}
			if onSwept != nil {
				onSwept(n)
			}
			if n > 0 && logger != nil {
				logger.Debug("revocation sweep", slog.Int("removed", n))
			}
		}
	}
}
