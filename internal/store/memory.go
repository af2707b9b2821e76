package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/isplane/subscriber-sync-server/internal/upstream"
)

// memoryStore is an in-memory Store implementation used for tests and
// database-less deployments.
type memoryStore struct {
	mu       sync.RWMutex
	profiles map[string]upstream.ProfileRecord
	users    map[string]upstream.UserRecord
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() Store {
	return &memoryStore{
		profiles: make(map[string]upstream.ProfileRecord),
		users:    make(map[string]upstream.UserRecord),
	}
}

var _ Store = (*memoryStore)(nil)

func entityKey(integrationID, externalID string) string {
	return fmt.Sprintf("%s/%s", integrationID, externalID)
}

func (s *memoryStore) UpsertProfile(_ context.Context, integrationID string, rec upstream.ProfileRecord) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := entityKey(integrationID, rec.ExternalID)
	_, exists := s.profiles[key]
	s.profiles[key] = rec

	if exists {
		return ResultUpdated, nil
	}
	return ResultCreated, nil
}

func (s *memoryStore) UpsertUser(_ context.Context, integrationID string, rec upstream.UserRecord) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := entityKey(integrationID, rec.ExternalID)
	_, exists := s.users[key]
	s.users[key] = rec

	if exists {
		return ResultUpdated, nil
	}
	return ResultCreated, nil
}

func (*memoryStore) Close() {}

// ProfileCount returns the number of stored profiles. Test helper.
func ProfileCount(s Store) int {
	ms, ok := s.(*memoryStore)
	if !ok {
		return -1
	}
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return len(ms.profiles)
}

// UserCount returns the number of stored users. Test helper.
func UserCount(s Store) int {
	ms, ok := s.(*memoryStore)
	if !ok {
		return -1
	}
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return len(ms.users)
}
