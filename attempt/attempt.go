// Package attempt implements a single non-retrying HTTP dispatch: per-phase
// timing via httptrace, the connect/read timeout taxonomy, and terminal
// error classification.
package attempt

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"context"
	"crypto/tls"
	"io"
	"net/http"
	"net/http/httptrace"
	"sync"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/zalando-incubator/perron-go/rcerrors"
	"github.com/zalando-incubator/perron-go/timing"
)

// Request is the minimal request surface the attempt needs to dispatch one
// HTTP call.
type Request struct {
	Method  string
	URL     string
	Headers map[string][]string

	// Body, when non-nil, is piped into the request. BodyIsStream marks a
	// genuine streaming io.Reader whose read errors should surface as
	// BODY_STREAM rather than NETWORK.
	Body         io.Reader
	BodyIsStream bool

	ConnectionTimeout time.Duration
	ReadTimeout       time.Duration
	DropRequestAfter  time.Duration

	AutoDecodeUTF8 bool
	Timing         bool

	AttemptID string
}

// Result is what one attempt produces on success.
type Result struct {
	StatusCode int
	Headers    map[string][]string
	RawBody    []byte
	// Body is RawBody decoded to a string when AutoDecodeUTF8 is set and the
	// bytes are valid UTF-8; otherwise it is RawBody itself.
	Body    interface{}
	Timings *timing.Timings
}

// Attempt executes one HTTP request using transport (or http.DefaultTransport
// when nil) and an optional tracer for the observability span.
type Attempt struct {
	transport http.RoundTripper
	tracer    trace.Tracer
}

// New builds an Attempt. transport is typically an *http.Transport wrapped
// in otelhttp.NewTransport so span propagation composes with the rest of
// the stack; a nil transport falls back to http.DefaultTransport. tracer,
// when nil, disables the observability span.
func New(transport http.RoundTripper, tracer trace.Tracer) *Attempt {
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &Attempt{transport: transport, tracer: tracer}
}

// Do runs one attempt. It never retries; the caller (the request
// orchestrator) owns retry policy.
func (a *Attempt) Do(ctx context.Context, req *Request) (*Result, error) {
	var span trace.Span
	if a.tracer != nil {
		ctx, span = a.tracer.Start(ctx, "perron.attempt",
			trace.WithAttributes(
				attribute.String("http.method", req.Method),
				attribute.String("http.url", req.URL),
				attribute.String("perron.attempt_id", req.AttemptID),
			))
		defer span.End()
	}

	if req.DropRequestAfter > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.DropRequestAfter)
		defer cancel()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var rec *timing.Recorder
	if req.Timing {
		rec = timing.NewRecorder()
	}

	var sbr *streamBodyReader
	body := req.Body
	if req.BodyIsStream && body != nil {
		sbr = &streamBodyReader{Reader: body}
		body = sbr
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, a.fail(span, rcerrors.KindNetwork, err, rec)
	}
	for k, vs := range req.Headers {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	var connectedOnce sync.Once
	connected := make(chan struct{})
	markConnected := func() { connectedOnce.Do(func() { close(connected) }) }
	ct := &httptrace.ClientTrace{
		GetConn: func(string) {
			if rec != nil {
				rec.MarkSocket()
			}
			traceEvent(span, "socket")
		},
		DNSStart: func(httptrace.DNSStartInfo) { traceEvent(span, "dns_start") },
		DNSDone: func(httptrace.DNSDoneInfo) {
			if rec != nil {
				rec.MarkLookup()
			}
			traceEvent(span, "dns_done")
		},
		ConnectDone: func(_, _ string, err error) {
			if err == nil {
				if rec != nil {
					rec.MarkConnect()
				}
				markConnected()
			}
			traceEvent(span, "connect_done")
		},
		TLSHandshakeDone: func(_ tls.ConnectionState, err error) {
			if err == nil {
				if rec != nil {
					rec.MarkSecureConnect()
				}
			}
			traceEvent(span, "tls_done")
		},
		GotConn: func(info httptrace.GotConnInfo) {
			if info.Reused {
				if rec != nil {
					rec.MarkReused()
				}
				markConnected()
				traceEvent(span, "connection_reused")
			}
		},
		GotFirstResponseByte: func() {
			if rec != nil {
				rec.MarkResponse()
			}
			traceEvent(span, "first_response_byte")
		},
	}
	httpReq = httpReq.WithContext(httptrace.WithClientTrace(ctx, ct))

	// connectionTimeout bounds time-to-connected; readTimeout bounds idle
	// time from connect to the first response byte. Both are enforced by
	// cancelling ctx, which aborts the in-flight RoundTrip with a wrapped
	// context error that the classification below maps back to the right
	// kind using the `connected` signal above.
	var timedOutKind rcerrors.Kind
	var timedOutMu sync.Mutex
	watchdogDone := make(chan struct{})
	go func() {
		defer close(watchdogDone)
		connTimer := time.NewTimer(nonZero(req.ConnectionTimeout, time.Second))
		defer connTimer.Stop()
		select {
		case <-connected:
		case <-ctx.Done():
			return
		case <-connTimer.C:
			timedOutMu.Lock()
			timedOutKind = rcerrors.KindConnectionTimeout
			timedOutMu.Unlock()
			cancel()
			return
		}
		readTimer := time.NewTimer(nonZero(req.ReadTimeout, 2*time.Second))
		defer readTimer.Stop()
		select {
		case <-ctx.Done():
		case <-readTimer.C:
			timedOutMu.Lock()
			timedOutKind = rcerrors.KindReadTimeout
			timedOutMu.Unlock()
			cancel()
		}
	}()

	httpResp, err := a.transport.RoundTrip(httpReq)
	cancel()
	<-watchdogDone

	if err != nil {
		timedOutMu.Lock()
		kind := timedOutKind
		timedOutMu.Unlock()
		if kind != "" {
			return nil, a.fail(span, kind, err, rec)
		}
		if req.DropRequestAfter > 0 && isDeadlineExceeded(err) {
			return nil, a.fail(span, rcerrors.KindUserTimeout, err, rec)
		}
		if sbr != nil && sbr.err != nil {
			return nil, a.fail(span, rcerrors.KindBodyStream, sbr.err, rec)
		}
		return nil, a.fail(span, rcerrors.KindNetwork, err, rec)
	}
	defer httpResp.Body.Close()

	if rec != nil {
		rec.MarkResponse()
	}

	body, err := a.readBody(httpResp)
	if err != nil {
		return nil, a.fail(span, rcerrors.KindNetwork, err, rec)
	}
	if rec != nil {
		rec.MarkEnd()
	}

	var decoded interface{} = body
	if req.AutoDecodeUTF8 && utf8.Valid(body) {
		decoded = string(body)
	}

	if span != nil {
		span.SetAttributes(attribute.Int("http.status_code", httpResp.StatusCode), attribute.Int("http.response_size", len(body)))
		span.SetStatus(codes.Ok, "")
	}

	var t *timing.Timings
	if rec != nil {
		t = rec.Timings()
	}

	return &Result{
		StatusCode: httpResp.StatusCode,
		Headers:    httpResp.Header,
		RawBody:    body,
		Body:       decoded,
		Timings:    t,
	}, nil
}

func nonZero(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}

func isDeadlineExceeded(err error) bool {
	return err == context.DeadlineExceeded || err == context.Canceled
}

// streamBodyReader wraps a caller-supplied streaming request body so a read
// failure on it can be attributed to the body itself rather than guessed at
// from the shape of the RoundTrip error.
type streamBodyReader struct {
	io.Reader
	err error
}

func (r *streamBodyReader) Read(p []byte) (int, error) {
	n, err := r.Reader.Read(p)
	if err != nil && err != io.EOF {
		r.err = err
	}
	return n, err
}

func traceEvent(span trace.Span, name string) {
	if span != nil {
		span.AddEvent(name)
	}
}

// readBody accumulates the response body into a single buffer, decoding
// gzip/deflate content-encodings first. Accumulating before decoding keeps
// multi-byte UTF-8 sequences intact across chunk boundaries.
func (a *Attempt) readBody(resp *http.Response) ([]byte, error) {
	var r io.Reader = resp.Body
	switch resp.Header.Get("Content-Encoding") {
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, err
		}
		defer gz.Close()
		r = gz
	case "deflate":
		r = flate.NewReader(resp.Body)
	}
	buf := &bytes.Buffer{}
	if _, err := io.Copy(buf, r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (a *Attempt) fail(span trace.Span, kind rcerrors.Kind, cause error, rec *timing.Recorder) error {
	if span != nil {
		span.RecordError(cause)
		span.SetStatus(codes.Error, cause.Error())
	}
	e := rcerrors.New("", kind, cause)
	if rec != nil {
		e = e.WithTimings(rec.Timings())
	}
	return e
}
