package codesystem

import (
	"errors"
	"strings"
	"time"
)

// Well-known code system names. They double as INI section names.
const (
	ICD10    = "ICD-10"
	SNOMEDCT = "SNOMED-CT"
)

// ErrNotFound is returned when a code system is not configured.
var ErrNotFound = errors.New("code system not configured")

// defaultTermPaths maps well-known systems to the field holding the
// human-readable term in their lookup documents.
var defaultTermPaths = map[string][]string{
	ICD10:    {"title", "@value"},
	SNOMEDCT: {"pt", "term"},
}

// CodeSystem holds the settings of one terminology API.
type CodeSystem struct {
	Name          string            `json:"name"`
	BaseURL       string            `json:"base_url"`
	OAuth2AuthURL string            `json:"oauth2_auth_url,omitempty"`
	ClientID      string            `json:"-"`
	ClientSecret  string            `json:"-"`
	Scopes        []string          `json:"scopes,omitempty"`
	AccessToken   string            `json:"-"`
	TokenExpiry   time.Time         `json:"token_expiry,omitempty"`
	Headers       map[string]string `json:"-"`
	TermPath      []string          `json:"term_path,omitempty"`
	EscapeTerm    bool              `json:"escape_term,omitempty"`
}

// UsesOAuth reports whether requests to this system need a bearer token.
func (c *CodeSystem) UsesOAuth() bool {
	return c.OAuth2AuthURL != ""
}

// ResolvedTermPath returns the configured term path or the default for
// well-known systems.
func (c *CodeSystem) ResolvedTermPath() []string {
	if len(c.TermPath) > 0 {
		return c.TermPath
	}
	return defaultTermPaths[c.Name]
}

// Clone returns a deep copy so callers never share maps with the store.
func (c *CodeSystem) Clone() *CodeSystem {
	out := *c
	if c.Headers != nil {
		out.Headers = make(map[string]string, len(c.Headers))
		for k, v := range c.Headers {
			out.Headers[k] = v
		}
	}
	out.Scopes = append([]string(nil), c.Scopes...)
	out.TermPath = append([]string(nil), c.TermPath...)
	return &out
}

// ParseTermPath splits a dotted path such as "title.@value".
func ParseTermPath(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return strings.Split(s, ".")
}
