// Package router wires the demo proxy's gin engine.
package router

import (
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zalando-incubator/perron-go"
	"github.com/zalando-incubator/perron-go/internal/middleware"
	"github.com/zalando-incubator/perron-go/rcerrors"
)

// Deps are the dependencies the router's handlers close over.
type Deps struct {
	Client          *perron.Client
	Mw              *middleware.Middleware
	AuthSecret      string
	RateLimitPeriod time.Duration
	RateLimitLimit  int64
}

// Router wraps a gin.Engine behind http.Handler.
type Router struct {
	engine *gin.Engine
}

// New builds the router: /healthz and /metrics, plus a /proxy/* surface
// that forwards every request through deps.Client.
func New(deps Deps) *Router {
	r := &Router{engine: gin.New()}
	r.engine.Use(deps.Mw.RequestID(), deps.Mw.RequestLogger(), deps.Mw.Recovery(), deps.Mw.CORS())
	if deps.RateLimitLimit > 0 {
		r.engine.Use(deps.Mw.RateLimit(deps.RateLimitPeriod, deps.RateLimitLimit))
	}

	r.engine.GET("/healthz", r.healthCheck)
	r.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	proxy := r.engine.Group("/proxy")
	if deps.AuthSecret != "" {
		proxy.Use(deps.Mw.JWT(deps.AuthSecret))
	}
	proxy.Any("/*path", r.forward(deps.Client))

	return r
}

// ServeHTTP implements http.Handler.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.engine.ServeHTTP(w, req)
}

func (r *Router) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// forward relays an inbound request through client, translating the
// orchestrator's typed errors into a reasonable upstream status code.
func (r *Router) forward(client *perron.Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
			return
		}

		params := &perron.RequestParams{
			Method:   c.Request.Method,
			Pathname: c.Param("path"),
			Query:    c.Request.URL.Query(),
			Headers:  map[string][]string(c.Request.Header),
		}
		if len(body) > 0 {
			params.Body = body
		}

		resp, err := client.Request(c.Request.Context(), params)
		if err != nil {
			c.JSON(statusForError(err), gin.H{"error": err.Error()})
			return
		}

		for k, vs := range resp.Headers {
			for _, v := range vs {
				c.Header(k, v)
			}
		}
		c.Data(resp.StatusCode, contentTypeOf(resp.Headers), resp.RawBody)
	}
}

func statusForError(err error) int {
	e, ok := rcerrors.As(err)
	if !ok {
		return http.StatusBadGateway
	}
	switch e.Kind {
	case rcerrors.KindCircuitOpen:
		return http.StatusServiceUnavailable
	case rcerrors.KindUserTimeout, rcerrors.KindConnectionTimeout, rcerrors.KindReadTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func contentTypeOf(headers map[string][]string) string {
	for k, vs := range headers {
		if strings.EqualFold(k, "content-type") && len(vs) > 0 {
			return vs[0]
		}
	}
	return "application/octet-stream"
}
