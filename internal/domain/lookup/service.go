// Package lookup resolves codes to human-readable terms through the
// configured terminology APIs.
package lookup

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ehr/termbot/internal/domain/codesystem"
)

// DocumentFetcher is implemented by Fetcher.
type DocumentFetcher interface {
	Fetch(ctx context.Context, code, system string) (Document, int, error)
}

// Service turns fetched documents into tagged lookup results.
type Service struct {
	store   codesystem.Store
	fetcher DocumentFetcher
	cache   Cache
	logger  zerolog.Logger
}

// NewService creates a lookup service. cache may be nil.
func NewService(store codesystem.Store, fetcher DocumentFetcher, cache Cache, logger zerolog.Logger) *Service {
	return &Service{
		store:   store,
		fetcher: fetcher,
		cache:   cache,
		logger:  logger.With().Str("component", "lookup").Logger(),
	}
}

// Lookup resolves code in the named system. It never panics on malformed
// documents; every failure is reported through the Result.
func (s *Service) Lookup(ctx context.Context, system, code string) Result {
	res := Result{System: system, Code: code}

	cs, err := s.store.Get(ctx, system)
	if err != nil {
		res.Outcome = Failed
		res.Err = err
		return res
	}
	path := cs.ResolvedTermPath()
	if len(path) == 0 {
		res.Outcome = Failed
		res.Err = fmt.Errorf("no term path configured for %s", system)
		return res
	}

	if s.cache != nil {
		term, ok, err := s.cache.Get(ctx, system, code)
		if err != nil {
			s.logger.Warn().Err(err).Str("code_system", system).Msg("cache read failed")
		} else if ok {
			res.Outcome = Found
			res.Term = term
			res.Cached = true
			return res
		}
	}

	doc, status, err := s.fetcher.Fetch(ctx, code, system)
	res.Status = status
	if err != nil {
		res.Outcome = Failed
		res.Err = err
		return res
	}
	if doc == nil {
		res.Outcome = NotFound
		return res
	}
	res.Document = doc

	term, ok := Extract(doc, path)
	if !ok {
		s.logger.Info().
			Str("code_system", system).
			Str("code", code).
			Strs("term_path", path).
			Msg("term missing from lookup response")
		res.Outcome = NotFound
		return res
	}
	res.Outcome = Found
	res.Term = term

	if s.cache != nil {
		if err := s.cache.Set(ctx, system, code, term); err != nil {
			s.logger.Warn().Err(err).Str("code_system", system).Msg("cache write failed")
		}
	}
	return res
}

// IsUnknownSystem reports whether a failed result was caused by an
// unconfigured code system.
func IsUnknownSystem(res Result) bool {
	return res.Outcome == Failed && errors.Is(res.Err, codesystem.ErrNotFound)
}
