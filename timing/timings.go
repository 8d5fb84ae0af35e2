// Package timing is the leaf package shared by rcerrors, attempt and the
// root perron package: it holds the Timings/TimingPhases data model and the
// Recorder that fills one in over the life of an attempt.
package timing

import "time"

// Timings records, in milliseconds elapsed since the attempt started, the
// monotonic moment each transport event occurred. A nil field means the
// event never happened (e.g. a TLS field on a plaintext request) or timing
// was disabled.
type Timings struct {
	Socket        *int64
	Lookup        *int64
	Connect       *int64
	SecureConnect *int64
	Response      *int64
	End           *int64
}

// Phases is the derived view over Timings: each phase is the duration
// between two Timings endpoints, or absent when either endpoint is absent.
type Phases struct {
	Wait      *int64
	DNS       *int64
	TCP       *int64
	TLS       *int64
	FirstByte *int64
	Download  *int64
	Total     *int64
}

func sub(a, b *int64) *int64 {
	if a == nil || b == nil {
		return nil
	}
	d := *a - *b
	return &d
}

// Phases derives the Phases view from t.
func (t *Timings) Phases() Phases {
	if t == nil {
		return Phases{}
	}
	return Phases{
		Wait:      t.Socket,
		DNS:       sub(t.Lookup, t.Socket),
		TCP:       sub(t.Connect, t.Lookup),
		TLS:       sub(t.SecureConnect, t.Connect),
		FirstByte: sub(t.Response, t.SecureConnect),
		Download:  sub(t.End, t.Response),
		Total:     t.End,
	}
}

// Recorder accumulates raw monotonic timestamps during one attempt and
// finalises them into a Timings value relative to the attempt's start.
type Recorder struct {
	start         time.Time
	socket        *int64
	lookup        *int64
	connect       *int64
	secureConnect *int64
	response      *int64
	end           *int64
}

// NewRecorder starts a recorder whose clock begins now.
func NewRecorder() *Recorder {
	return &Recorder{start: time.Now()}
}

func (r *Recorder) elapsedMS() int64 {
	return time.Since(r.start).Milliseconds()
}

// MarkSocket records the "transport assigned" event, once.
func (r *Recorder) MarkSocket() {
	if r.socket == nil {
		ms := r.elapsedMS()
		r.socket = &ms
	}
}

// MarkLookup records the "DNS complete" event, once.
func (r *Recorder) MarkLookup() {
	if r.lookup == nil {
		ms := r.elapsedMS()
		r.lookup = &ms
	}
}

// MarkConnect records the "TCP established" event, once.
func (r *Recorder) MarkConnect() {
	if r.connect == nil {
		ms := r.elapsedMS()
		r.connect = &ms
	}
}

// MarkSecureConnect records the "TLS established" event, once.
func (r *Recorder) MarkSecureConnect() {
	if r.secureConnect == nil {
		ms := r.elapsedMS()
		r.secureConnect = &ms
	}
}

// MarkResponse records the "first byte of response headers" event, once.
func (r *Recorder) MarkResponse() {
	if r.response == nil {
		ms := r.elapsedMS()
		r.response = &ms
	}
}

// MarkEnd records the "response body fully received" event, once.
func (r *Recorder) MarkEnd() {
	if r.end == nil {
		ms := r.elapsedMS()
		r.end = &ms
	}
}

// MarkReused collapses lookup/connect/secureConnect onto socket: a reused
// connection never redoes DNS/TCP/TLS.
func (r *Recorder) MarkReused() {
	r.MarkSocket()
	r.lookup = r.socket
	r.connect = r.socket
	r.secureConnect = r.socket
}

// Timings finalises the recorder into an immutable Timings value.
func (r *Recorder) Timings() *Timings {
	return &Timings{
		Socket:        r.socket,
		Lookup:        r.lookup,
		Connect:       r.connect,
		SecureConnect: r.secureConnect,
		Response:      r.response,
		End:           r.end,
	}
}
