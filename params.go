package perron

import (
	"io"
	"net/url"
	"strings"
	"time"
)

// RequestParams is the merged result of client defaults and per-call
// overrides. hostname is never user-overridable: the orchestrator always
// pins it to the client's own hostname.
type RequestParams struct {
	Method   string
	Hostname string
	Scheme   string
	Port     string
	Path     string
	Pathname string
	Query    url.Values
	Headers  map[string][]string

	// Body is opaque: []byte, string, or io.Reader (a streaming body).
	Body interface{}

	ConnectionTimeout    time.Duration
	ReadTimeout          time.Duration
	DropRequestAfter     time.Duration
	DropAllRequestsAfter time.Duration

	AutoParseJSON  *bool
	AutoDecodeUTF8 *bool
	Timing         *bool

	// AttemptID identifies one attempt. When empty, Client.Request generates
	// a fresh one for every attempt; it is recorded on the attempt's
	// observability span.
	AttemptID string
}

// ResolvedPath returns the path the HTTP attempt should dispatch against:
// Path wins when both Path and Pathname are set; otherwise Path is derived
// from Pathname plus the serialised Query.
func (p *RequestParams) ResolvedPath() string {
	if p.Path != "" {
		return p.Path
	}
	pathname := p.Pathname
	if pathname == "" {
		pathname = "/"
	}
	if len(p.Query) == 0 {
		return pathname
	}
	if strings.Contains(pathname, "?") {
		return pathname + "&" + p.Query.Encode()
	}
	return pathname + "?" + p.Query.Encode()
}

// URL builds the absolute URL this attempt should dispatch to.
func (p *RequestParams) URL() string {
	scheme := p.Scheme
	if scheme == "" {
		scheme = "https"
	}
	host := p.Hostname
	if p.Port != "" && !isDefaultPort(scheme, p.Port) {
		host = host + ":" + p.Port
	}
	return scheme + "://" + host + p.ResolvedPath()
}

func isDefaultPort(scheme, port string) bool {
	return (scheme == "https" && port == "443") || (scheme == "http" && port == "80")
}

// HeaderValues returns the header values for key, or nil.
func (p *RequestParams) HeaderValues(key string) []string {
	if p.Headers == nil {
		return nil
	}
	return p.Headers[strings.ToLower(key)]
}

// SetHeader overwrites a header to a single value, normalising the key to
// lower case.
func (p *RequestParams) SetHeader(key, value string) {
	if p.Headers == nil {
		p.Headers = map[string][]string{}
	}
	p.Headers[strings.ToLower(key)] = []string{value}
}

// BodyReader adapts Body into an io.Reader understood by the HTTP attempt.
// A streaming Body ([io.Reader]) is returned as-is; []byte/string are
// wrapped. Nil bodies return nil.
func (p *RequestParams) BodyReader() (io.Reader, bool, error) {
	switch b := p.Body.(type) {
	case nil:
		return nil, false, nil
	case []byte:
		return strings.NewReader(string(b)), false, nil
	case string:
		return strings.NewReader(b), false, nil
	case io.Reader:
		return b, true, nil
	default:
		return nil, false, errUnsupportedBodyType
	}
}

// clone returns a shallow copy of p suitable for per-attempt mutation by
// filters without aliasing the caller's headers/query maps.
func (p *RequestParams) clone() *RequestParams {
	cp := *p
	if p.Headers != nil {
		cp.Headers = make(map[string][]string, len(p.Headers))
		for k, v := range p.Headers {
			cp.Headers[k] = append([]string(nil), v...)
		}
	}
	if p.Query != nil {
		cp.Query = make(url.Values, len(p.Query))
		for k, v := range p.Query {
			cp.Query[k] = append([]string(nil), v...)
		}
	}
	return &cp
}
