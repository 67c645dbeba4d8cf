package config

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"gopkg.in/ini.v1"

	"github.com/ehr/termbot/internal/domain/codesystem"
)

// FileTokenRepository writes refreshed tokens back into the INI file they
// were loaded from, as OAuth2AuthToken and OAuth2AuthTokenExpiry. Other
// content of the file is preserved.
type FileTokenRepository struct {
	mu   sync.Mutex
	path string
}

// NewFileTokenRepository returns a repository backed by the INI file at path.
func NewFileTokenRepository(path string) *FileTokenRepository {
	return &FileTokenRepository{path: path}
}

func (r *FileTokenRepository) load() (*ini.File, error) {
	f, err := ini.LoadSources(ini.LoadOptions{IgnoreInlineComment: true}, r.path)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", r.path, err)
	}
	return f, nil
}

// findSection matches case-insensitively since code system names are
// normalised to upper case on load.
func findSection(f *ini.File, name string) *ini.Section {
	for _, s := range f.Sections() {
		if strings.EqualFold(s.Name(), name) {
			return s
		}
	}
	return nil
}

func (r *FileTokenRepository) Save(_ context.Context, tok *codesystem.StoredToken) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	f, err := r.load()
	if err != nil {
		return err
	}
	sec := findSection(f, tok.CodeSystem)
	if sec == nil {
		return fmt.Errorf("%w: %s", codesystem.ErrNotFound, tok.CodeSystem)
	}
	sec.Key("OAuth2AuthToken").SetValue(tok.AccessToken)
	sec.Key("OAuth2AuthTokenExpiry").SetValue(FormatExpiry(tok.Expiry))
	if err := f.SaveTo(r.path); err != nil {
		return fmt.Errorf("write %s: %w", r.path, err)
	}
	return nil
}

func (r *FileTokenRepository) List(_ context.Context) ([]*codesystem.StoredToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	f, err := r.load()
	if err != nil {
		return nil, err
	}
	var out []*codesystem.StoredToken
	for _, sec := range f.Sections() {
		if reservedSections[strings.ToLower(sec.Name())] || !sec.HasKey("OAuth2AuthToken") {
			continue
		}
		expiry, err := ParseExpiry(sec.Key("OAuth2AuthTokenExpiry").String())
		if err != nil {
			return nil, fmt.Errorf("[%s] OAuth2AuthTokenExpiry: %w", sec.Name(), err)
		}
		out = append(out, &codesystem.StoredToken{
			CodeSystem:  strings.ToUpper(sec.Name()),
			AccessToken: sec.Key("OAuth2AuthToken").String(),
			Expiry:      expiry,
		})
	}
	return out, nil
}
