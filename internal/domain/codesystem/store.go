package codesystem

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Store gives access to the configured code systems. Only the token fields
// change after startup.
type Store interface {
	Get(ctx context.Context, name string) (*CodeSystem, error)
	List(ctx context.Context) ([]*CodeSystem, error)
	SaveToken(ctx context.Context, name, token string, expiry time.Time) error
}

// MemoryStore is a thread-safe Store seeded from configuration, with optional
// write-through of tokens to a TokenRepository.
type MemoryStore struct {
	mu      sync.RWMutex
	systems map[string]*CodeSystem
	order   []string
	tokens  TokenRepository
}

// NewMemoryStore creates a store holding copies of the given systems.
// Duplicate names are rejected.
func NewMemoryStore(systems []*CodeSystem, tokens TokenRepository) (*MemoryStore, error) {
	s := &MemoryStore{
		systems: make(map[string]*CodeSystem, len(systems)),
		tokens:  tokens,
	}
	for _, cs := range systems {
		if cs.Name == "" {
			return nil, fmt.Errorf("code system name is required")
		}
		if _, exists := s.systems[cs.Name]; exists {
			return nil, fmt.Errorf("code system %q configured twice", cs.Name)
		}
		s.systems[cs.Name] = cs.Clone()
		s.order = append(s.order, cs.Name)
	}
	return s, nil
}

func (s *MemoryStore) Get(_ context.Context, name string) (*CodeSystem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cs, ok := s.systems[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return cs.Clone(), nil
}

func (s *MemoryStore) List(_ context.Context) ([]*CodeSystem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*CodeSystem, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.systems[name].Clone())
	}
	return out, nil
}

// SaveToken records a freshly granted token. The in-memory value is updated
// even when persisting it fails; the persistence error is still returned.
func (s *MemoryStore) SaveToken(ctx context.Context, name, token string, expiry time.Time) error {
	s.mu.Lock()
	cs, ok := s.systems[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	cs.AccessToken = token
	cs.TokenExpiry = expiry
	s.mu.Unlock()

	if s.tokens == nil {
		return nil
	}
	return s.tokens.Save(ctx, &StoredToken{
		CodeSystem:  name,
		AccessToken: token,
		Expiry:      expiry,
	})
}

// Hydrate loads persisted tokens. A persisted token replaces the configured
// one only when it expires later. Tokens for unknown systems are ignored.
func (s *MemoryStore) Hydrate(ctx context.Context) (int, error) {
	if s.tokens == nil {
		return 0, nil
	}
	stored, err := s.tokens.List(ctx)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range stored {
		cs, ok := s.systems[t.CodeSystem]
		if !ok || !t.Expiry.After(cs.TokenExpiry) {
			continue
		}
		cs.AccessToken = t.AccessToken
		cs.TokenExpiry = t.Expiry
		n++
	}
	return n, nil
}
