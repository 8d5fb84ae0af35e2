package perron

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zalando-incubator/perron-go/breaker"
	"github.com/zalando-incubator/perron-go/filter"
	"github.com/zalando-incubator/perron-go/rcerrors"
	"github.com/zalando-incubator/perron-go/retry"
)

func newClientConfig(t *testing.T, srv *httptest.Server) ClientConfig {
	t.Helper()
	u := srv.URL
	cfg, err := NewConfigFromURL(t.Name(), u)
	require.NoError(t, err)
	return cfg
}

func TestClient_Request_HappyPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"id":42}`))
	}))
	defer srv.Close()

	c, err := New(newClientConfig(t, srv))
	require.NoError(t, err)
	defer c.Close()

	resp, err := c.Request(context.Background(), &RequestParams{Pathname: "/orders/42"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	m, ok := resp.Body.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(42), m["id"])
}

func TestClient_Request_JSONDecodeFailureSurfacesBodyParseFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`not json`))
	}))
	defer srv.Close()

	c, err := New(newClientConfig(t, srv))
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Request(context.Background(), &RequestParams{Pathname: "/broken"})
	require.Error(t, err)
	e, ok := rcerrors.As(err)
	require.True(t, ok)
	assert.Equal(t, rcerrors.KindBodyParseFailed, e.Kind)
	require.NotNil(t, e.Response)
	assert.Equal(t, []byte(`not json`), e.Response.Body)
}

func TestClient_Request_RetriesToSuccess(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	cfg := newClientConfig(t, srv)
	cfg.Retry = retry.Config{Retries: 2, Factor: 2, MinTimeout: 5 * time.Millisecond, MaxTimeout: 20 * time.Millisecond, Randomize: false}
	c, err := New(cfg)
	require.NoError(t, err)
	defer c.Close()

	resp, err := c.Request(context.Background(), &RequestParams{Pathname: "/flaky"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, resp.RetryErrors, 2)
	for _, re := range resp.RetryErrors {
		e, ok := rcerrors.As(re)
		require.True(t, ok)
		assert.Equal(t, rcerrors.KindResponseFilterFailed, e.Kind)
	}
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
}

func TestClient_Request_CircuitTripsAfterRepeatedFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := newClientConfig(t, srv)
	cfg.Breaker = &breaker.Settings{
		WindowDuration:          time.Minute,
		NumBuckets:              10,
		ErrorThreshold:          50,
		VolumeThreshold:         5,
		WaitDurationInOpenState: time.Minute,
		CommandTimeout:          time.Second,
	}
	c, err := New(cfg)
	require.NoError(t, err)
	defer c.Close()

	var lastErr error
	for i := 0; i < 11; i++ {
		_, lastErr = c.Request(context.Background(), &RequestParams{Pathname: "/always-fails"})
		require.Error(t, lastErr)
	}
	e, ok := rcerrors.As(lastErr)
	require.True(t, ok)
	assert.Equal(t, rcerrors.KindCircuitOpen, e.Kind)
}

func TestClient_Request_TwoFiltersShortCircuitRequestSide(t *testing.T) {
	dispatched := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dispatched = true
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := newClientConfig(t, srv)
	cfg.Filters = []filter.Filter{
		{
			Name: "auth-stamp",
			Request: func(_ context.Context, p filter.Params) (filter.Params, filter.Response, error) {
				rp := p.(*RequestParams)
				rp.SetHeader("x-authenticated", "true")
				return rp, nil, nil
			},
		},
		{
			Name: "cache",
			Request: func(_ context.Context, p filter.Params) (filter.Params, filter.Response, error) {
				return p, &Response{StatusCode: http.StatusTeapot, Body: "cached"}, nil
			},
		},
	}
	c, err := New(cfg)
	require.NoError(t, err)
	defer c.Close()

	resp, err := c.Request(context.Background(), &RequestParams{Pathname: "/cached"})
	require.NoError(t, err)
	assert.False(t, dispatched)
	assert.Equal(t, http.StatusTeapot, resp.StatusCode)
}

func TestClient_Request_GlobalDeadlineSurfacesUserTimeout(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()

	cfg := newClientConfig(t, srv)
	cfg.DropAllRequestsAfter = 40 * time.Millisecond
	cfg.ReadTimeout = time.Second
	cfg.Retry = retry.Config{Retries: 2, Factor: 2, MinTimeout: 5 * time.Millisecond, MaxTimeout: 20 * time.Millisecond}
	c, err := New(cfg)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Request(context.Background(), &RequestParams{Pathname: "/slow"})
	require.Error(t, err)
	e, ok := rcerrors.As(err)
	require.True(t, ok)
	assert.Equal(t, rcerrors.KindUserTimeout, e.Kind)
}

func TestMergeParams_DefaultsAppliedOnce(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c, err := New(newClientConfig(t, srv))
	require.NoError(t, err)
	defer c.Close()

	merged := c.mergeParams(&RequestParams{})
	assert.Equal(t, c.cfg.Hostname, merged.Hostname)
	assert.Equal(t, http.MethodGet, merged.Method)
	assert.Equal(t, defaultConnectionTimeout, merged.ConnectionTimeout)
	assert.Equal(t, defaultReadTimeout, merged.ReadTimeout)
	assert.Equal(t, []string{"application/json"}, merged.Headers["accept"])
}

func TestNewConfigFromURL_PathAndQueryBecomeRequestDefaults(t *testing.T) {
	cfg, err := NewConfigFromURL("catalog", "https://api.example.com:8443/v1/items?sort=asc")
	require.NoError(t, err)
	assert.Equal(t, "api.example.com", cfg.Hostname)
	assert.Equal(t, "https", cfg.Scheme)
	assert.Equal(t, "8443", cfg.Port)
	assert.Equal(t, "/v1/items", cfg.Pathname)
	assert.Equal(t, []string{"asc"}, cfg.Query["sort"])

	c, err := New(cfg)
	require.NoError(t, err)
	defer c.Close()

	merged := c.mergeParams(&RequestParams{})
	assert.Equal(t, "/v1/items", merged.Pathname)
	assert.Equal(t, []string{"asc"}, merged.Query["sort"])
	assert.Equal(t, "/v1/items?sort=asc", merged.ResolvedPath())
}

func TestNewConfigFromURL_NoPathDefaultsPathnameToSlash(t *testing.T) {
	cfg, err := NewConfigFromURL("catalog", "https://api.example.com")
	require.NoError(t, err)
	assert.Empty(t, cfg.Pathname)
	assert.Empty(t, cfg.Query)

	c, err := New(cfg)
	require.NoError(t, err)
	defer c.Close()

	merged := c.mergeParams(&RequestParams{})
	assert.Equal(t, "/", merged.ResolvedPath())
}

func TestMergeParams_ExplicitPathWinsOverConfigDefaults(t *testing.T) {
	cfg, err := NewConfigFromURL("catalog", "https://api.example.com/v1/items?sort=asc")
	require.NoError(t, err)

	c, err := New(cfg)
	require.NoError(t, err)
	defer c.Close()

	merged := c.mergeParams(&RequestParams{Path: "/override"})
	assert.Equal(t, "/override", merged.ResolvedPath())
}

func TestClassify_WrapsUnknownErrorAsInternal(t *testing.T) {
	c := &Client{cfg: ClientConfig{Name: "c"}}
	err := c.classify(fmt.Errorf("boom"))
	e, ok := rcerrors.As(err)
	require.True(t, ok)
	assert.Equal(t, rcerrors.KindInternal, e.Kind)
}
