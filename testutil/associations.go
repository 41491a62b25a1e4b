package testutil

import (
	"context"
	"sync"

	"github.com/scrimtrack/scrimtrack/identity"
)

// MemAssociations is an in-memory identity.AssociationStore.
type MemAssociations struct {
	mu   sync.Mutex
	data map[string]identity.Association
}

func NewMemAssociations() *MemAssociations {
	return &MemAssociations{data: make(map[string]identity.Association)}
}

func (s *MemAssociations) GetAll(_ context.Context, discordUserIDs []string) (map[string]identity.Association, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]identity.Association)
	for _, id := range discordUserIDs {
		if a, ok := s.data[id]; ok {
			out[id] = a
		}
	}
	return out, nil
}

func (s *MemAssociations) Upsert(_ context.Context, a identity.Association) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[a.DiscordUserID] = a
	return nil
}

// Seed stores an association directly.
func (s *MemAssociations) Seed(a identity.Association) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[a.DiscordUserID] = a
}

// Get returns the stored association and whether it exists.
func (s *MemAssociations) Get(discordUserID string) (identity.Association, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.data[discordUserID]
	return a, ok
}
