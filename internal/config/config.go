package config

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/ini.v1"

	"github.com/ehr/termbot/internal/domain/codesystem"
	"github.com/ehr/termbot/internal/domain/token"
)

// DefaultPath is used when no --config flag is given.
const DefaultPath = "config.ini"

const (
	ModePolling = "polling"
	ModeWebhook = "webhook"
)

// Token persistence without a database. Memory keeps refreshed tokens for
// the life of the process; file writes them back into the config file.
const (
	PersistMemory = "memory"
	PersistFile   = "file"
)

// Sections that hold bot settings. Every other section describes a code system.
var reservedSections = map[string]bool{
	"default":  true,
	"telegram": true,
	"server":   true,
	"http":     true,
	"database": true,
	"cache":    true,
}

type TelegramConfig struct {
	APIToken      string
	Mode          string
	WebhookURL    string
	WebhookSecret string
	Workers       int
}

type ServerConfig struct {
	Port          string
	Env           string
	LogLevel      string
	PersistTokens string
}

type HTTPConfig struct {
	Timeout   time.Duration
	RetryMax  int
	UserAgent string
}

type DatabaseConfig struct {
	URL      string
	MaxConns int32
	MinConns int32
}

type CacheConfig struct {
	RedisURL string
	TTL      time.Duration
	Prefix   string
}

type Config struct {
	Path        string
	Telegram    TelegramConfig
	Server      ServerConfig
	HTTP        HTTPConfig
	Database    DatabaseConfig
	Cache       CacheConfig
	CodeSystems []*codesystem.CodeSystem
}

// Load reads the INI file at path. Any key can be overridden from the
// environment as SECTION_KEY, upper-cased with '-' and '.' mapped to '_'
// (for example ICD_10_OAUTH2CLIENTSECRET).
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}

	// Headers values contain ';', which ini would otherwise treat as a comment.
	v := viper.NewWithOptions(viper.IniLoadOptions(ini.LoadOptions{IgnoreInlineComment: true}))
	v.SetConfigFile(path)
	v.SetConfigType("ini")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("telegram.mode", ModePolling)
	v.SetDefault("telegram.workers", 1)
	v.SetDefault("server.port", "8000")
	v.SetDefault("server.env", "production")
	v.SetDefault("server.loglevel", "info")
	v.SetDefault("server.persisttokens", PersistMemory)
	v.SetDefault("http.timeout", "30s")
	v.SetDefault("http.retrymax", 2)
	v.SetDefault("database.maxconns", 20)
	v.SetDefault("database.minconns", 5)
	v.SetDefault("cache.ttl", "1h")
	v.SetDefault("cache.prefix", "termbot")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := &Config{
		Path: path,
		Telegram: TelegramConfig{
			APIToken:      v.GetString("telegram.apitoken"),
			Mode:          strings.ToLower(v.GetString("telegram.mode")),
			WebhookURL:    v.GetString("telegram.webhookurl"),
			WebhookSecret: v.GetString("telegram.webhooksecret"),
			Workers:       v.GetInt("telegram.workers"),
		},
		Server: ServerConfig{
			Port:          v.GetString("server.port"),
			Env:           v.GetString("server.env"),
			LogLevel:      v.GetString("server.loglevel"),
			PersistTokens: strings.ToLower(strings.TrimSpace(v.GetString("server.persisttokens"))),
		},
		HTTP: HTTPConfig{
			RetryMax:  v.GetInt("http.retrymax"),
			UserAgent: v.GetString("http.useragent"),
		},
		Database: DatabaseConfig{
			URL:      v.GetString("database.url"),
			MaxConns: v.GetInt32("database.maxconns"),
			MinConns: v.GetInt32("database.minconns"),
		},
		Cache: CacheConfig{
			RedisURL: v.GetString("cache.redisurl"),
			Prefix:   v.GetString("cache.prefix"),
		},
	}

	var err error
	if cfg.HTTP.Timeout, err = parseDuration(v.GetString("http.timeout")); err != nil {
		return nil, fmt.Errorf("[HTTP] Timeout: %w", err)
	}
	if cfg.Cache.TTL, err = parseDuration(v.GetString("cache.ttl")); err != nil {
		return nil, fmt.Errorf("[Cache] TTL: %w", err)
	}

	for _, section := range codeSystemSections(v) {
		cs, err := loadCodeSystem(v, section)
		if err != nil {
			return nil, err
		}
		cfg.CodeSystems = append(cfg.CodeSystems, cs)
	}

	return cfg, nil
}

// codeSystemSections returns the lower-cased names of all non-reserved
// sections, ICD-10 and SNOMED-CT first.
func codeSystemSections(v *viper.Viper) []string {
	var names []string
	for name, val := range v.AllSettings() {
		if reservedSections[name] {
			continue
		}
		if _, ok := val.(map[string]interface{}); !ok {
			continue
		}
		names = append(names, name)
	}
	rank := func(name string) int {
		switch strings.ToUpper(name) {
		case codesystem.ICD10:
			return 0
		case codesystem.SNOMEDCT:
			return 1
		}
		return 2
	}
	sort.Slice(names, func(i, j int) bool {
		ri, rj := rank(names[i]), rank(names[j])
		if ri != rj {
			return ri < rj
		}
		return names[i] < names[j]
	})
	return names
}

func loadCodeSystem(v *viper.Viper, section string) (*codesystem.CodeSystem, error) {
	name := strings.ToUpper(section)
	get := func(key string) string {
		return strings.TrimSpace(v.GetString(section + "." + strings.ToLower(key)))
	}

	cs := &codesystem.CodeSystem{
		Name:          name,
		BaseURL:       strings.TrimRight(get("BaseURL"), "/"),
		OAuth2AuthURL: get("OAuth2AuthURL"),
		ClientID:      get("OAuth2ClientID"),
		ClientSecret:  get("OAuth2ClientSecret"),
		Scopes:        splitList(get("OAuth2Scopes")),
		AccessToken:   get("OAuth2AuthToken"),
		TermPath:      codesystem.ParseTermPath(get("TermPath")),
		EscapeTerm:    v.GetBool(section + ".escapeterm"),
	}
	if cs.BaseURL == "" {
		return nil, fmt.Errorf("[%s] BaseURL is required", name)
	}
	if cs.UsesOAuth() && (cs.ClientID == "" || cs.ClientSecret == "") {
		return nil, fmt.Errorf("[%s] OAuth2ClientID and OAuth2ClientSecret are required when OAuth2AuthURL is set", name)
	}

	expiry, err := ParseExpiry(get("OAuth2AuthTokenExpiry"))
	if err != nil {
		return nil, fmt.Errorf("[%s] OAuth2AuthTokenExpiry: %w", name, err)
	}
	cs.TokenExpiry = expiry

	if cs.Headers, err = codesystem.ParseHeaders(get("Headers")); err != nil {
		return nil, fmt.Errorf("[%s] Headers: %w", name, err)
	}
	return cs, nil
}

// ParseExpiry accepts epoch seconds (fractions allowed) or an RFC 3339
// timestamp. An empty value yields the zero time, which is never valid.
func ParseExpiry(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	if secs, err := strconv.ParseFloat(raw, 64); err == nil {
		return token.EpochToTime(secs), nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("want epoch seconds or RFC 3339, got %q", raw)
	}
	return t, nil
}

// FormatExpiry is the inverse of ParseExpiry, in epoch seconds.
func FormatExpiry(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return strconv.FormatFloat(float64(t.UnixNano())/float64(time.Second), 'f', -1, 64)
}

// parseDuration treats a bare number as seconds.
func parseDuration(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if secs, err := strconv.ParseFloat(raw, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	return time.ParseDuration(raw)
}

func splitList(raw string) []string {
	return strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ' '
	})
}

func (c *Config) IsDev() bool {
	return c.Server.Env == "development"
}

// UsesDatabase reports whether tokens are persisted in Postgres.
func (c *Config) UsesDatabase() bool {
	return c.Database.URL != ""
}

// WritesTokensToFile reports whether refreshed tokens are written back into
// the config file. A configured database takes precedence.
func (c *Config) WritesTokensToFile() bool {
	return !c.UsesDatabase() && c.Server.PersistTokens == PersistFile
}

// Validate checks the settings needed to run the bot.
func (c *Config) Validate() error {
	if c.Telegram.APIToken == "" {
		return fmt.Errorf("[Telegram] APIToken is required")
	}
	switch c.Telegram.Mode {
	case ModePolling:
	case ModeWebhook:
		if c.Telegram.WebhookURL == "" {
			return fmt.Errorf("[Telegram] WebhookURL is required when Mode is %q", ModeWebhook)
		}
		if !validWebhookSecret(c.Telegram.WebhookSecret) {
			return fmt.Errorf("[Telegram] WebhookSecret is required when Mode is %q: 1-256 characters of A-Z, a-z, 0-9, _ and -", ModeWebhook)
		}
	default:
		return fmt.Errorf("[Telegram] Mode must be %q or %q, got %q", ModePolling, ModeWebhook, c.Telegram.Mode)
	}
	if c.Telegram.Workers < 1 {
		return fmt.Errorf("[Telegram] Workers must be at least 1, got %d", c.Telegram.Workers)
	}
	switch c.Server.PersistTokens {
	case "", PersistMemory, PersistFile:
	default:
		return fmt.Errorf("[Server] PersistTokens must be %q or %q, got %q", PersistMemory, PersistFile, c.Server.PersistTokens)
	}
	if port, err := strconv.Atoi(c.Server.Port); err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("[Server] Port must be a TCP port, got %q", c.Server.Port)
	}
	if c.HTTP.Timeout < 0 {
		return fmt.Errorf("[HTTP] Timeout must not be negative")
	}
	if c.HTTP.RetryMax < 0 {
		return fmt.Errorf("[HTTP] RetryMax must not be negative")
	}
	if c.Database.MinConns > c.Database.MaxConns {
		return fmt.Errorf("[Database] MinConns (%d) exceeds MaxConns (%d)", c.Database.MinConns, c.Database.MaxConns)
	}
	if len(c.CodeSystems) == 0 {
		return fmt.Errorf("no code system sections configured")
	}
	return nil
}

// validWebhookSecret applies the Bot API's rules for secret_token.
func validWebhookSecret(s string) bool {
	if len(s) == 0 || len(s) > 256 {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
		default:
			return false
		}
	}
	return true
}
