package perron

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/zalando-incubator/perron-go/breaker"
	"github.com/zalando-incubator/perron-go/filter"
	"github.com/zalando-incubator/perron-go/retry"
)

// circuitBreaker is the subset of *breaker.CircuitBreaker the client drives,
// so a noop stand-in can satisfy the same call site when no breaker is
// configured.
type circuitBreaker interface {
	Run(ctx context.Context, command func(context.Context) (interface{}, error), fallback func(error) (interface{}, error)) (interface{}, error)
}

type noopBreaker struct{}

func (noopBreaker) Run(ctx context.Context, command func(context.Context) (interface{}, error), _ func(error) (interface{}, error)) (interface{}, error) {
	return command(ctx)
}

// ClientConfig is the immutable configuration a Client is built from.
// Construct with defaults via NewConfig or NewConfigFromURL, then adjust
// fields before calling New.
type ClientConfig struct {
	// Name identifies the client in error messages and span/log attributes.
	Name string

	Hostname string
	Scheme   string // "https" (default) or "http"
	Port     string // defaults from Scheme when empty
	// Pathname and Query seed a call's RequestParams when it sets neither
	// Path nor Pathname/Query itself. NewConfigFromURL populates these from
	// the constructor URL's path and query string.
	Pathname string
	Query    url.Values

	// DefaultHeaders are merged onto every call; a header named explicitly
	// on a per-call RequestParams wins.
	DefaultHeaders map[string][]string

	// ConnectionTimeout and ReadTimeout default to 1s/2s when zero.
	ConnectionTimeout    time.Duration
	ReadTimeout          time.Duration
	DropRequestAfter     time.Duration
	DropAllRequestsAfter time.Duration

	AutoParseJSON  bool
	AutoDecodeUTF8 bool
	Timing         bool

	Retry retry.Config

	// Breaker, when non-nil, is constructed once and shared across every
	// call made through this client (the "static breaker" mode).
	Breaker *breaker.Settings
	// BreakerFactory, when set, is called once per Request call to build a
	// fresh breaker instance (the "factory" mode). Takes priority over
	// Breaker when both are set.
	BreakerFactory func() *breaker.Settings

	// Filters run in the order given, ahead of the built-in status filters;
	// on the response side the built-in status filters therefore run first.
	Filters []filter.Filter
	// Treat4xxAsFailure installs the optional 4xx response filter alongside
	// the always-on default 5xx filter.
	Treat4xxAsFailure bool
	// Disable5xxFilter removes the default 5xx response filter entirely;
	// rarely wanted, exposed for callers proxying arbitrary upstream status
	// codes verbatim.
	Disable5xxFilter bool

	// ShouldRetry decides whether a failed attempt should be retried. It
	// receives the typed *rcerrors.Error; the default retries
	// REQUEST_FAILED and RESPONSE_FILTER_FAILED kinds.
	ShouldRetry func(err error, params *RequestParams) bool
	// OnRetry is called before each retry's delay begins.
	OnRetry func(nextOrdinal int, err error, params *RequestParams)

	Transport http.RoundTripper
	Tracer    trace.Tracer
	Logger    *zap.Logger
}

// NewConfig returns a ClientConfig for hostname with the library's baseline
// defaults applied.
func NewConfig(name, hostname string) ClientConfig {
	return ClientConfig{
		Name:           name,
		Hostname:       hostname,
		Scheme:         "https",
		AutoParseJSON:  true,
		AutoDecodeUTF8: true,
		Retry:          retry.DefaultConfig(),
		Logger:         zap.NewNop(),
	}
}

// NewConfigFromURL parses urlString into a ClientConfig: hostname, port and
// scheme feed the default request options, with pathname defaulting to "/".
func NewConfigFromURL(name, urlString string) (ClientConfig, error) {
	u, err := url.Parse(urlString)
	if err != nil {
		return ClientConfig{}, fmt.Errorf("perron: invalid client url: %w", err)
	}
	if u.Hostname() == "" {
		return ClientConfig{}, errors.New("perron: client url has no hostname")
	}
	cfg := NewConfig(name, u.Hostname())
	if u.Scheme != "" {
		cfg.Scheme = u.Scheme
	}
	cfg.Port = u.Port()
	if u.Path != "" {
		cfg.Pathname = u.Path
	}
	if u.RawQuery != "" {
		cfg.Query = u.Query()
	}
	return cfg, nil
}

// Validate checks that the config is usable: minTimeout <= maxTimeout and a
// non-empty hostname.
func (c ClientConfig) Validate() error {
	if c.Hostname == "" {
		return errors.New("perron: hostname must not be empty")
	}
	if c.Retry.MinTimeout > c.Retry.MaxTimeout {
		return errors.New("perron: retry.minTimeout must be <= retry.maxTimeout")
	}
	return nil
}

func (c ClientConfig) resolvedPort() string {
	if c.Port != "" {
		return c.Port
	}
	if c.Scheme == "http" {
		return "80"
	}
	return "443"
}

func (c ClientConfig) defaultAcceptHeader() string {
	return "application/json"
}
