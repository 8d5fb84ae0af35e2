// Package perron is a resilient HTTP client library: one entry point per
// upstream host that composes a filter pipeline, a circuit breaker, a retry
// engine and a single HTTP attempt into one observable call, per the
// request orchestrator design.
package perron

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/zalando-incubator/perron-go/attempt"
	"github.com/zalando-incubator/perron-go/breaker"
	"github.com/zalando-incubator/perron-go/filter"
	"github.com/zalando-incubator/perron-go/rcerrors"
	"github.com/zalando-incubator/perron-go/retry"
)

var jsonContentType = regexp.MustCompile(`^application/(.*?\+)?json`)

// Requester is the surface callers depend on, so a test double can stand in
// for a *Client without pulling in the whole resilience stack.
type Requester interface {
	Request(ctx context.Context, params *RequestParams) (*Response, error)
}

// Client is a resilient HTTP client bound to one upstream host.
type Client struct {
	cfg ClientConfig

	pipeline *filter.Pipeline
	attempt  *attempt.Attempt

	staticBreaker circuitBreaker
}

// New validates cfg and builds a Client. A non-nil BreakerFactory takes a
// fresh breaker per call; a non-nil Breaker is shared across calls; neither
// set means calls run without circuit protection (noopBreaker).
func New(cfg ClientConfig) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	filters := make([]filter.Filter, 0, len(cfg.Filters)+2)
	filters = append(filters, cfg.Filters...)
	if !cfg.Disable5xxFilter {
		filters = append(filters, default5xxFilter())
	}
	if cfg.Treat4xxAsFailure {
		filters = append(filters, optional4xxFilter())
	}

	transport := cfg.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	transport = otelhttp.NewTransport(transport)

	var tracer trace.Tracer
	if cfg.Tracer != nil {
		tracer = cfg.Tracer
	}

	c := &Client{
		cfg:      cfg,
		pipeline: filter.New(filters...),
		attempt:  attempt.New(transport, tracer),
	}

	switch {
	case cfg.BreakerFactory != nil:
		// per-call instances built lazily in breakerFor
	case cfg.Breaker != nil:
		s := *cfg.Breaker
		if s.Logger == nil {
			s.Logger = cfg.Logger
		}
		c.staticBreaker = breaker.New(s)
	default:
		c.staticBreaker = noopBreaker{}
	}

	return c, nil
}

// Close releases the client's static breaker's background ticker, if any.
func (c *Client) Close() {
	if cb, ok := c.staticBreaker.(*breaker.CircuitBreaker); ok {
		cb.Close()
	}
}

func (c *Client) breakerFor() (circuitBreaker, func()) {
	if c.cfg.BreakerFactory != nil {
		s := *c.cfg.BreakerFactory()
		if s.Logger == nil {
			s.Logger = c.cfg.Logger
		}
		cb := breaker.New(s)
		return cb, cb.Close
	}
	return c.staticBreaker, func() {}
}

// mergeParams applies client defaults onto a per-call RequestParams:
// hostname is pinned to the client's, port derives from scheme, pathname and
// query fall back to the ones parsed from the constructor URL, the accept
// header defaults to application/json, and timing/autoParseJson/
// autoDecodeUtf8 inherit from the client unless explicitly overridden.
func (c *Client) mergeParams(p *RequestParams) *RequestParams {
	if p == nil {
		p = &RequestParams{}
	}
	merged := p.clone()
	merged.Hostname = c.cfg.Hostname
	if merged.Scheme == "" {
		merged.Scheme = c.cfg.Scheme
	}
	if merged.Port == "" {
		merged.Port = c.cfg.resolvedPort()
	}
	if merged.Method == "" {
		merged.Method = http.MethodGet
	}
	if merged.Path == "" && merged.Pathname == "" {
		merged.Pathname = c.cfg.Pathname
	}
	if merged.Path == "" && len(merged.Query) == 0 {
		merged.Query = c.cfg.Query
	}
	if merged.Headers == nil {
		merged.Headers = map[string][]string{}
	}
	for k, vs := range c.cfg.DefaultHeaders {
		if _, set := merged.Headers[k]; !set {
			merged.Headers[k] = vs
		}
	}
	if _, set := merged.Headers["accept"]; !set {
		merged.SetHeader("accept", c.cfg.defaultAcceptHeader())
	}
	if merged.ConnectionTimeout == 0 {
		if c.cfg.ConnectionTimeout > 0 {
			merged.ConnectionTimeout = c.cfg.ConnectionTimeout
		} else {
			merged.ConnectionTimeout = defaultConnectionTimeout
		}
	}
	if merged.ReadTimeout == 0 {
		if c.cfg.ReadTimeout > 0 {
			merged.ReadTimeout = c.cfg.ReadTimeout
		} else {
			merged.ReadTimeout = defaultReadTimeout
		}
	}
	if merged.DropRequestAfter == 0 {
		merged.DropRequestAfter = c.cfg.DropRequestAfter
	}
	if merged.DropAllRequestsAfter == 0 {
		merged.DropAllRequestsAfter = c.cfg.DropAllRequestsAfter
	}
	if merged.AutoParseJSON == nil {
		v := c.cfg.AutoParseJSON
		merged.AutoParseJSON = &v
	}
	if merged.AutoDecodeUTF8 == nil {
		v := c.cfg.AutoDecodeUTF8
		merged.AutoDecodeUTF8 = &v
	}
	if merged.Timing == nil {
		v := c.cfg.Timing
		merged.Timing = &v
	}
	return merged
}

const (
	defaultConnectionTimeout = time.Second
	defaultReadTimeout       = 2 * time.Second
)

// Request performs one logical call: build merged params, acquire a
// breaker, start the global deadline, obtain a retry schedule, and drive
// the attempt loop.
func (c *Client) Request(ctx context.Context, params *RequestParams) (*Response, error) {
	merged := c.mergeParams(params)

	if merged.DropAllRequestsAfter > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, merged.DropAllRequestsAfter)
		defer cancel()
	}

	cb, closeBreaker := c.breakerFor()
	defer closeBreaker()

	schedule, err := retry.NewSchedule(c.cfg.Retry)
	if err != nil {
		return nil, rcerrors.New(c.cfg.Name, rcerrors.KindInternal, err)
	}

	var (
		retryErrors []error
		lastResp    *Response
	)

	runOnce := func(ctx context.Context, ordinal int) error {
		p := merged.clone()
		if p.AttemptID == "" {
			p.AttemptID = uuid.NewString()
		}
		command := func(ctx context.Context) (interface{}, error) {
			resp, err := c.pipeline.Run(ctx, p, c.dispatch)
			if err != nil {
				return nil, c.classify(err)
			}
			return resp, nil
		}
		v, err := cb.Run(ctx, command, nil)
		if err != nil {
			return err
		}
		lastResp = v.(*Response)
		return nil
	}

	op := retry.NewOperation(schedule, runOnce)
	callErr := op.Attempt(ctx)
	ordinal := 1

	for {
		if callErr == nil {
			lastResp.RetryErrors = retryErrors
			return lastResp, nil
		}
		// Circuit-open rejections never consume a retry attempt or join
		// retryErrors: the breaker itself decided, so the orchestrator stops
		// immediately.
		if errors.Is(callErr, breaker.ErrOpen) {
			return nil, rcerrors.New(c.cfg.Name, rcerrors.KindCircuitOpen, callErr).WithRetryErrors(retryErrors)
		}

		retryErrors = append(retryErrors, callErr)

		// The global deadline always wins over whatever stage was in-flight
		// when it fired, so check it before consulting the retry policy.
		if merged.DropAllRequestsAfter > 0 && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, rcerrors.New(c.cfg.Name, rcerrors.KindUserTimeout, ctx.Err()).WithRetryErrors(retryErrors)
		}

		// With retries disabled the failed attempt's typed error surfaces
		// unwrapped, without consulting the retry policy.
		if len(schedule) == 0 {
			return nil, rcerrors.Wrap(c.cfg.Name, callErr)
		}

		if !c.shouldRetry(callErr, merged) {
			return nil, rcerrors.New(c.cfg.Name, rcerrors.KindShouldRetryRejected, callErr).WithRetryErrors(retryErrors)
		}

		nextOrdinal := ordinal + 1
		if c.cfg.OnRetry != nil {
			c.cfg.OnRetry(nextOrdinal, callErr, merged)
		}

		_, ok, attemptErr := op.Retry(ctx, false)
		if !ok {
			if attemptErr != nil {
				return nil, rcerrors.New(c.cfg.Name, rcerrors.KindUserTimeout, attemptErr).WithRetryErrors(retryErrors)
			}
			if len(schedule) > 0 {
				return nil, rcerrors.New(c.cfg.Name, rcerrors.KindMaxRetriesReached, callErr).WithRetryErrors(retryErrors)
			}
			return nil, callErr
		}
		ordinal = nextOrdinal
		callErr = attemptErr
	}
}

// dispatch runs the HTTP attempt for params and decodes the result into a
// Response, applying autoParseJson when configured.
func (c *Client) dispatch(ctx context.Context, p filter.Params) (filter.Response, error) {
	params, ok := p.(*RequestParams)
	if !ok {
		return nil, rcerrors.New(c.cfg.Name, rcerrors.KindInternal, fmt.Errorf("perron: unexpected params type %T", p))
	}

	body, isStream, err := params.BodyReader()
	if err != nil {
		return nil, rcerrors.New(c.cfg.Name, rcerrors.KindInternal, err)
	}

	timing := params.Timing != nil && *params.Timing
	autoDecodeUTF8 := params.AutoDecodeUTF8 != nil && *params.AutoDecodeUTF8

	req := &attempt.Request{
		Method:            params.Method,
		URL:               params.URL(),
		Headers:           params.Headers,
		Body:              body,
		BodyIsStream:      isStream,
		ConnectionTimeout: params.ConnectionTimeout,
		ReadTimeout:       params.ReadTimeout,
		DropRequestAfter:  params.DropRequestAfter,
		AutoDecodeUTF8:    autoDecodeUTF8,
		Timing:            timing,
		AttemptID:         params.AttemptID,
	}

	result, err := c.attempt.Do(ctx, req)
	if err != nil {
		if e, ok := rcerrors.As(err); ok {
			e.ClientName = c.cfg.Name
			e.WithParams(&rcerrors.Params{Method: params.Method, Hostname: params.Hostname, Path: params.ResolvedPath()})
		}
		return nil, err
	}

	resp := &Response{
		StatusCode: result.StatusCode,
		Headers:    result.Headers,
		RawBody:    result.RawBody,
		Body:       result.Body,
		Params:     params,
		Timings:    result.Timings,
	}

	autoParseJSON := params.AutoParseJSON != nil && *params.AutoParseJSON
	if autoParseJSON && jsonContentType.MatchString(contentType(resp.Headers)) {
		var decoded interface{}
		if err := json.Unmarshal(resp.RawBody, &decoded); err != nil {
			return nil, rcerrors.New(c.cfg.Name, rcerrors.KindBodyParseFailed, err).
				WithParams(&rcerrors.Params{Method: params.Method, Hostname: params.Hostname, Path: params.ResolvedPath()}).
				WithResponse(toErrResponse(resp))
		}
		resp.Body = decoded
	}

	return resp, nil
}

// classify turns a filter.Pipeline rejection into the orchestrator's typed
// error taxonomy.
func (c *Client) classify(err error) error {
	var reqErr *filter.RequestFilterError
	if errors.As(err, &reqErr) {
		return rcerrors.New(c.cfg.Name, rcerrors.KindRequestFilterFailed, reqErr.Cause)
	}
	var respErr *filter.ResponseFilterError
	if errors.As(err, &respErr) {
		e := rcerrors.New(c.cfg.Name, rcerrors.KindResponseFilterFailed, respErr.Cause)
		if r, ok := respErr.Response.(*Response); ok {
			e = e.WithResponse(toErrResponse(r))
		}
		return e
	}
	return rcerrors.Wrap(c.cfg.Name, err)
}

// shouldRetry applies the configured policy against the typed error,
// defaulting to retrying request-failure kinds and RESPONSE_FILTER_FAILED.
func (c *Client) shouldRetry(err error, params *RequestParams) bool {
	if c.cfg.ShouldRetry != nil {
		return c.cfg.ShouldRetry(err, params)
	}
	e, ok := rcerrors.As(err)
	if !ok {
		return false
	}
	return e.Kind.IsRequestFailed() || e.Kind == rcerrors.KindResponseFilterFailed
}

func contentType(headers map[string][]string) string {
	for k, vs := range headers {
		if strings.EqualFold(k, "content-type") && len(vs) > 0 {
			return vs[0]
		}
	}
	return ""
}

func toErrResponse(r *Response) *rcerrors.Response {
	return &rcerrors.Response{StatusCode: r.StatusCode, Headers: r.Headers, Body: r.RawBody}
}
