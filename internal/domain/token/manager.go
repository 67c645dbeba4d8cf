// Package token keeps the bearer tokens of OAuth2-protected code systems
// valid. Tokens are obtained with the client-credentials grant and cached in
// the code system store.
package token

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/termbot/internal/domain/codesystem"
)

// ErrNoOAuth is returned when a token is requested for a code system that
// has no OAuth2 token endpoint configured.
var ErrNoOAuth = errors.New("code system has no OAuth2 endpoint")

const defaultMaxAttempts = 3

// Manager validates and refreshes code system tokens.
type Manager struct {
	store       codesystem.Store
	exchanger   Exchanger
	logger      zerolog.Logger
	now         func() time.Time
	maxAttempts int

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithMaxAttempts bounds the refresh-until-valid loop in Token.
func WithMaxAttempts(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxAttempts = n
		}
	}
}

// NewManager creates a token manager.
func NewManager(store codesystem.Store, exchanger Exchanger, logger zerolog.Logger, opts ...Option) *Manager {
	m := &Manager{
		store:       store,
		exchanger:   exchanger,
		logger:      logger.With().Str("component", "token").Logger(),
		now:         time.Now,
		maxAttempts: defaultMaxAttempts,
		locks:       make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// IsValid reports whether the cached token of the named system has not yet
// expired. Unknown systems and missing expiries are invalid; a token expiring
// exactly now is expired.
func (m *Manager) IsValid(ctx context.Context, name string) bool {
	cs, err := m.store.Get(ctx, name)
	if err != nil {
		return false
	}
	return m.valid(cs)
}

func (m *Manager) valid(cs *codesystem.CodeSystem) bool {
	if cs.TokenExpiry.IsZero() {
		return false
	}
	return cs.TokenExpiry.Sub(m.now()) > 0
}

// Refresh performs a client-credentials exchange and stores the new token.
func (m *Manager) Refresh(ctx context.Context, name string) error {
	lock := m.lockFor(name)
	lock.Lock()
	defer lock.Unlock()
	_, err := m.refresh(ctx, name)
	return err
}

func (m *Manager) refresh(ctx context.Context, name string) (*Grant, error) {
	cs, err := m.store.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	if !cs.UsesOAuth() {
		return nil, fmt.Errorf("%w: %s", ErrNoOAuth, name)
	}

	grant, err := m.exchanger.Exchange(ctx, cs)
	if err != nil {
		return nil, fmt.Errorf("refresh token for %s: %w", name, err)
	}
	if err := m.store.SaveToken(ctx, name, grant.AccessToken, grant.Expiry); err != nil {
		// The in-memory token is usable even if it could not be persisted.
		if errors.Is(err, codesystem.ErrNotFound) {
			return nil, err
		}
		m.logger.Warn().Err(err).Str("code_system", name).Msg("token refreshed but not persisted")
	}
	m.logger.Info().
		Str("code_system", name).
		Time("expires_at", grant.Expiry).
		Msg("token refreshed")
	return grant, nil
}

// Token returns a valid bearer token, refreshing until the cached token is
// valid or the attempt limit is reached. Concurrent callers for the same
// system share one refresh.
func (m *Manager) Token(ctx context.Context, name string) (string, error) {
	lock := m.lockFor(name)
	lock.Lock()
	defer lock.Unlock()

	for attempt := 0; ; attempt++ {
		cs, err := m.store.Get(ctx, name)
		if err != nil {
			return "", err
		}
		if !cs.UsesOAuth() {
			return "", fmt.Errorf("%w: %s", ErrNoOAuth, name)
		}
		if m.valid(cs) {
			return cs.AccessToken, nil
		}
		if attempt >= m.maxAttempts {
			return "", fmt.Errorf("token for %s still expired after %d refreshes", name, attempt)
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}
		m.logger.Info().Str("code_system", name).Msg("token expired, refreshing")
		if _, err := m.refresh(ctx, name); err != nil {
			return "", err
		}
	}
}

// Expiry returns the cached token expiry, zero when none is known.
func (m *Manager) Expiry(ctx context.Context, name string) time.Time {
	cs, err := m.store.Get(ctx, name)
	if err != nil {
		return time.Time{}
	}
	return cs.TokenExpiry
}

func (m *Manager) lockFor(name string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[name]
	if !ok {
		l = &sync.Mutex{}
		m.locks[name] = l
	}
	return l
}
