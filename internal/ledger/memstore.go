package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/nupi-ai/habitvault/internal/capability"
)

// MemoryStore is an in-process GrantStore for tests and dry runs.
type MemoryStore struct {
	mu   sync.Mutex
	rows []Grant
	// FailNext makes the next mutating call return this error once.
	FailNext error
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) takeFailure() error {
	err := s.FailNext
	s.FailNext = nil
	return err
}

func (s *MemoryStore) InsertGrants(ctx context.Context, grants []Grant) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return err
	}
	s.rows = append(s.rows, grants...)
	return nil
}

func (s *MemoryStore) RevokeGrants(ctx context.Context, pluginID string, caps []capability.Capability, revokedBy string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return err
	}
	target := capability.NewSet(caps...)
	for i := range s.rows {
		r := &s.rows[i]
		if r.Active && r.PluginID == pluginID && target.Contains(r.Capability) {
			r.Active = false
			r.RevokedBy = revokedBy
			r.RevokedAt = at
		}
	}
	return nil
}

func (s *MemoryStore) GrantHistory(ctx context.Context, pluginID string) ([]Grant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Grant
	for _, r := range s.rows {
		if r.PluginID == pluginID {
			out = append(out, r)
		}
	}
	return out, nil
}
