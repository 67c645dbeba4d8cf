// Package httpclient builds the retrying HTTP client shared by the term
// fetcher and the OAuth2 token exchange.
package httpclient

import (
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
)

const (
	DefaultTimeout  = 30 * time.Second
	DefaultRetryMax = 2
)

// Options configures New.
type Options struct {
	Timeout      time.Duration
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
	Logger       zerolog.Logger
}

// New returns a retryablehttp client. Connection errors and 5xx responses
// are retried; once retries are exhausted the last response is handed back
// to the caller instead of being turned into an error.
func New(opts Options) *retryablehttp.Client {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.RetryMax < 0 {
		opts.RetryMax = 0
	}

	c := retryablehttp.NewClient()
	c.RetryMax = opts.RetryMax
	if opts.RetryWaitMin > 0 {
		c.RetryWaitMin = opts.RetryWaitMin
	}
	if opts.RetryWaitMax > 0 {
		c.RetryWaitMax = opts.RetryWaitMax
	}
	c.HTTPClient = &http.Client{Timeout: opts.Timeout}
	c.ErrorHandler = retryablehttp.PassthroughErrorHandler
	c.Logger = NewLeveledLogger(opts.Logger)
	return c
}

// LeveledLogger adapts zerolog to retryablehttp.LeveledLogger.
type LeveledLogger struct {
	log zerolog.Logger
}

func NewLeveledLogger(l zerolog.Logger) *LeveledLogger {
	return &LeveledLogger{log: l.With().Str("component", "httpclient").Logger()}
}

func (l *LeveledLogger) Error(msg string, keysAndValues ...interface{}) {
	l.log.Error().Fields(keysAndValues).Msg(msg)
}

func (l *LeveledLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Info().Fields(keysAndValues).Msg(msg)
}

// Debug is where retryablehttp reports every request, so it stays at trace.
func (l *LeveledLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.log.Trace().Fields(keysAndValues).Msg(msg)
}

func (l *LeveledLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.log.Warn().Fields(keysAndValues).Msg(msg)
}
