package perron

import (
	"errors"

	"github.com/zalando-incubator/perron-go/timing"
)

var errUnsupportedBodyType = errors.New("perron: unsupported request body type, want []byte, string or io.Reader")

// Response is the result of one successful call.
type Response struct {
	StatusCode int
	Headers    map[string][]string

	// Body is []byte, string, or a decoded object (when AutoParseJSON
	// applied), depending on client flags.
	Body interface{}

	// RawBody is always the raw accumulated bytes, regardless of decoding,
	// so filters and error paths can inspect the wire payload.
	RawBody []byte

	Params      *RequestParams
	Timings     *timing.Timings
	RetryErrors []error
}

// Timings is the root package's alias for the shared timing data model, so
// callers never need to import the timing package directly.
type Timings = timing.Timings

// TimingPhases is the root package's alias for the shared derived-phases
// view.
type TimingPhases = timing.Phases
