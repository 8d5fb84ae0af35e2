// Package filter implements a request/response filter pipeline: request
// transforms run forward, response transforms run in reverse, and a
// request filter may short-circuit with a synthetic response.
package filter

import "context"

// Params and Response are the opaque values the pipeline transforms. Both
// are empty interfaces: the root package passes its *RequestParams and
// *Response through them and type-asserts them back, keeping this package
// free of an import cycle.
type Params interface{}

type Response interface{}

// RequestFunc transforms request params before dispatch. It may return a
// Response to short-circuit the remaining request filters and the HTTP
// attempt entirely.
type RequestFunc func(ctx context.Context, params Params) (Params, Response, error)

// ResponseFunc transforms a response after dispatch (or after a
// short-circuit).
type ResponseFunc func(ctx context.Context, resp Response) (Response, error)

// Filter exposes an optional request transform and an optional response
// transform; either, both or neither may be set.
type Filter struct {
	Name     string
	Request  RequestFunc
	Response ResponseFunc
}

// Pipeline is an ordered sequence of filters.
type Pipeline struct {
	filters []Filter
}

// New builds a Pipeline from an ordered filter list.
func New(filters ...Filter) *Pipeline {
	return &Pipeline{filters: append([]Filter(nil), filters...)}
}

// dispatchFunc performs the HTTP attempt (or equivalent) once the request
// side of the pipeline has produced a final Params value.
type dispatchFunc func(ctx context.Context, params Params) (Response, error)

// Run executes the pipeline:
//  1. Apply F1.request..Fn.request in order; any may short-circuit with a
//     Response, or reject with a request-filter error.
//  2. If short-circuited, skip dispatch and all remaining request filters.
//  3. Otherwise dispatch with the final Params.
//  4. Apply the response transforms of exactly the filters whose request
//     side ran, in reverse order.
func (p *Pipeline) Run(ctx context.Context, params Params, dispatch dispatchFunc) (Response, error) {
	participants := 0
	var resp Response
	var shortCircuited bool

	for i, f := range p.filters {
		participants = i + 1
		if f.Request == nil {
			continue
		}
		newParams, sc, err := f.Request(ctx, params)
		if err != nil {
			return nil, &RequestFilterError{Filter: f.Name, Cause: err}
		}
		if sc != nil {
			resp = sc
			shortCircuited = true
			break
		}
		params = newParams
	}

	if !shortCircuited {
		var err error
		resp, err = dispatch(ctx, params)
		if err != nil {
			return nil, err
		}
	}

	for i := participants - 1; i >= 0; i-- {
		f := p.filters[i]
		if f.Response == nil {
			continue
		}
		newResp, err := f.Response(ctx, resp)
		if err != nil {
			return nil, &ResponseFilterError{Filter: f.Name, Cause: err, Response: resp}
		}
		resp = newResp
	}

	return resp, nil
}

// RequestFilterError wraps a rejection raised by a request transform.
type RequestFilterError struct {
	Filter string
	Cause  error
}

func (e *RequestFilterError) Error() string { return e.Cause.Error() }
func (e *RequestFilterError) Unwrap() error { return e.Cause }

// ResponseFilterError wraps a rejection raised by a response transform; it
// carries the raw Response when one was available.
type ResponseFilterError struct {
	Filter   string
	Cause    error
	Response Response
}

func (e *ResponseFilterError) Error() string { return e.Cause.Error() }
func (e *ResponseFilterError) Unwrap() error { return e.Cause }
