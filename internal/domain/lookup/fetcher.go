package lookup

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"

	"github.com/ehr/termbot/internal/domain/codesystem"
)

// DefaultUserAgent is sent with every lookup. Some public terminology
// browsers refuse non-browser agents.
const DefaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64; rv:99.0) Gecko/20100101 Firefox/99.0"

// Document is a decoded JSON lookup response.
type Document map[string]interface{}

// TokenSource hands out valid bearer tokens per code system.
type TokenSource interface {
	Token(ctx context.Context, name string) (string, error)
}

// Fetcher issues authenticated GET requests against code system APIs.
type Fetcher struct {
	store     codesystem.Store
	tokens    TokenSource
	client    *retryablehttp.Client
	userAgent string
	logger    zerolog.Logger
}

// NewFetcher creates a Fetcher. An empty userAgent falls back to DefaultUserAgent.
func NewFetcher(store codesystem.Store, tokens TokenSource, client *retryablehttp.Client, userAgent string, logger zerolog.Logger) *Fetcher {
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	return &Fetcher{
		store:     store,
		tokens:    tokens,
		client:    client,
		userAgent: userAgent,
		logger:    logger.With().Str("component", "fetcher").Logger(),
	}
}

// Fetch requests {BaseURL}/{code} for the named system. On a 2xx response the
// decoded body is returned. Any other status yields a nil document and the
// status code without an error. Configuration, token and transport failures
// are returned as errors.
func (f *Fetcher) Fetch(ctx context.Context, code, system string) (Document, int, error) {
	cs, err := f.store.Get(ctx, system)
	if err != nil {
		return nil, 0, err
	}

	req, err := f.newRequest(ctx, cs, code)
	if err != nil {
		return nil, 0, err
	}

	f.logger.Info().Str("code_system", system).Str("url", req.URL.String()).Msg("fetching")
	f.logger.Debug().Interface("headers", redact(req.Header)).Msg("request headers")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("fetch %s: %w", req.URL.Redacted(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body)
		f.logger.Info().
			Str("code_system", system).
			Str("code", code).
			Int("status", resp.StatusCode).
			Msg("lookup returned non-success status")
		return nil, resp.StatusCode, nil
	}

	var doc Document
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, resp.StatusCode, fmt.Errorf("decode %s response: %w", system, err)
	}
	return doc, resp.StatusCode, nil
}

func (f *Fetcher) newRequest(ctx context.Context, cs *codesystem.CodeSystem, code string) (*retryablehttp.Request, error) {
	term := code
	if cs.EscapeTerm {
		term = url.PathEscape(code)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, cs.BaseURL+"/"+term, nil)
	if err != nil {
		return nil, fmt.Errorf("build request for %s: %w", cs.Name, err)
	}

	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", f.userAgent)

	if cs.UsesOAuth() {
		tok, err := f.tokens.Token(ctx, cs.Name)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	for k, v := range cs.Headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

func redact(h http.Header) http.Header {
	out := h.Clone()
	if v := out.Get("Authorization"); v != "" {
		scheme, _, _ := strings.Cut(v, " ")
		out.Set("Authorization", scheme+" [redacted]")
	}
	return out
}
