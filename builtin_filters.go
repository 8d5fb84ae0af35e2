package perron

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"

	"github.com/zalando-incubator/perron-go/filter"
)

// statusFilter builds a response filter rejecting any Response whose status
// code is >= floor.
func statusFilter(name string, floor int) filter.Filter {
	return filter.Filter{
		Name: name,
		Response: func(_ context.Context, resp filter.Response) (filter.Response, error) {
			r, ok := resp.(*Response)
			if !ok || r.StatusCode < floor {
				return resp, nil
			}
			return resp, fmt.Errorf("upstream responded %d", r.StatusCode)
		},
	}
}

// default5xxFilter treats any status >= 500 as a failure. Installed by
// default on every client unless explicitly disabled.
func default5xxFilter() filter.Filter {
	return statusFilter("default-5xx", 500)
}

// optional4xxFilter additionally treats any status >= 400 as a failure.
// Opt-in via ClientConfig.Treat4xxAsFailure.
func optional4xxFilter() filter.Filter {
	return statusFilter("optional-4xx", 400)
}

// RateLimitConfig configures the token-bucket rate-limit filter backed by
// ulule/limiter.
type RateLimitConfig struct {
	Period time.Duration
	Limit  int64
	// Key identifies the bucket a call is charged against; defaults to the
	// client's hostname when empty, giving one shared bucket per client.
	Key string
}

// rateLimitFilter rejects requests with an error once the configured rate
// is exceeded, so the HTTP attempt does not run.
func rateLimitFilter(cfg RateLimitConfig) filter.Filter {
	store := memory.NewStore()
	instance := limiter.New(store, limiter.Rate{Period: cfg.Period, Limit: cfg.Limit})
	return filter.Filter{
		Name: "rate-limit",
		Request: func(ctx context.Context, params filter.Params) (filter.Params, filter.Response, error) {
			key := cfg.Key
			if key == "" {
				if p, ok := params.(*RequestParams); ok {
					key = p.Hostname
				}
			}
			ctxRes, err := instance.Get(ctx, key)
			if err != nil {
				return nil, nil, err
			}
			if ctxRes.Reached {
				return nil, nil, fmt.Errorf("rate limit exceeded: %d per %s", cfg.Limit, cfg.Period)
			}
			return params, nil, nil
		},
	}
}

// BearerAuthConfig configures the bearer-token request filter.
type BearerAuthConfig struct {
	// Token supplies a static bearer token. Ignored when Source is set.
	Token string
	// Source, when set, is called per-attempt to obtain a fresh token (e.g.
	// from a cache or token-refresh flow), taking priority over Token.
	Source func(ctx context.Context) (string, error)
}

// bearerAuthFilter attaches an Authorization header to every outgoing
// request, in the style of the gin bearer-auth middleware.
func bearerAuthFilter(cfg BearerAuthConfig) filter.Filter {
	return filter.Filter{
		Name: "bearer-auth",
		Request: func(ctx context.Context, params filter.Params) (filter.Params, filter.Response, error) {
			p, ok := params.(*RequestParams)
			if !ok {
				return params, nil, nil
			}
			token := cfg.Token
			if cfg.Source != nil {
				t, err := cfg.Source(ctx)
				if err != nil {
					return nil, nil, err
				}
				token = t
			}
			p.SetHeader("authorization", "Bearer "+token)
			return p, nil, nil
		},
	}
}

// VerifyBearerToken validates an inbound HMAC-signed JWT with golang-jwt and
// returns its subject claim. The demo proxy's JWT middleware uses it for
// requests arriving from callers.
func VerifyBearerToken(tokenString, secret string) (subject string, err error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil || !token.Valid {
		return "", fmt.Errorf("invalid token")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("invalid token claims")
	}
	sub, ok := claims["sub"].(string)
	if !ok {
		return "", fmt.Errorf("missing subject claim")
	}
	return sub, nil
}
