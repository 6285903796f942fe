package endpoint

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/latticeai/gateway/internal/catalog"
)

// Store is the process-wide custom-endpoint store. It is safe for
// concurrent use; all per-owner queries filter server-side.
type Store struct {
	mu   sync.RWMutex
	byID map[string]*CustomEndpoint
}

// NewStore creates an empty endpoint store.
func NewStore() *Store {
	return &Store{byID: make(map[string]*CustomEndpoint)}
}

// Create allocates a new CustomEndpoint owned by owner.
func (s *Store) Create(owner string, ep CustomEndpoint) *CustomEndpoint {
	now := time.Now()
	ep.ID = uuid.NewString()
	ep.Owner = owner
	ep.CreatedAt = now
	ep.UpdatedAt = now

	s.mu.Lock()
	s.byID[ep.ID] = &ep
	s.mu.Unlock()

	copyOut := ep
	return &copyOut
}

// Get returns the endpoint if it exists and is accessible to caller.
// Returns KindNotFound otherwise — a missing id and an inaccessible id are
// indistinguishable to the caller by design.
func (s *Store) Get(id, caller string) (*CustomEndpoint, *catalog.Error) {
	s.mu.RLock()
	ep, ok := s.byID[id]
	s.mu.RUnlock()

	if !ok || !ep.accessible(caller) {
		return nil, &catalog.Error{Kind: catalog.KindNotFound, Message: "endpoint not found"}
	}
	copyOut := *ep
	return &copyOut, nil
}

// List returns every endpoint visible to caller (owned, or public).
func (s *Store) List(caller string) []*CustomEndpoint {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*CustomEndpoint, 0, len(s.byID))
	for _, ep := range s.byID {
		if ep.accessible(caller) {
			copyOut := *ep
			out = append(out, &copyOut)
		}
	}
	return out
}

// Update applies mutate to the endpoint if owner is its owner. Only the
// owner may mutate an endpoint, regardless of IsPublic.
func (s *Store) Update(id, owner string, mutate func(*CustomEndpoint)) (*CustomEndpoint, *catalog.Error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ep, ok := s.byID[id]
	if !ok || ep.Owner != owner {
		return nil, &catalog.Error{Kind: catalog.KindNotFound, Message: "endpoint not found"}
	}
	mutate(ep)
	ep.UpdatedAt = time.Now()

	copyOut := *ep
	return &copyOut, nil
}

// Delete removes the endpoint if owner is its owner.
func (s *Store) Delete(id, owner string) *catalog.Error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ep, ok := s.byID[id]
	if !ok || ep.Owner != owner {
		return &catalog.Error{Kind: catalog.KindNotFound, Message: "endpoint not found"}
	}
	delete(s.byID, id)
	return nil
}
