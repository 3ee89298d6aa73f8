package capture

import (
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Transport is an http.RoundTripper that captures every exchange it carries.
// Capture never changes what the caller sees: failures to record are logged and the
// exchange continues untouched.
type Transport struct {
	base         http.RoundTripper
	sink         Sink
	logger       zerolog.Logger
	requestPhase bool
	skip         func(req *http.Request) bool
}

// NewTransport wraps http.DefaultTransport, sending records to sink.
func NewTransport(sink Sink, options ...TransportOption) (*Transport, error) {
	if sink == nil {
		return nil, fmt.Errorf("sink is nil")
	}
	t := &Transport{
		base:   http.DefaultTransport,
		sink:   sink,
		logger: zerolog.Nop(),
	}
	if err := t.WithOptions(options...); err != nil {
		return nil, err
	}
	return t, nil
}

// RoundTrip satisfies http.RoundTripper. A failed exchange is still captured, as a
// frozen request-phase record.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.skip != nil && t.skip(req) {
		return t.base.RoundTrip(req)
	}

	record, err := NewRequestRecord(req)
	if err != nil {
		t.logger.Warn().Err(err).Str("url", req.URL.String()).Msg("not capturing request")
		return t.base.RoundTrip(req)
	}
	if t.requestPhase {
		t.sink.Capture(record.Clone())
	}

	start := time.Now()
	res, err := t.base.RoundTrip(req)
	if err != nil {
		record.Freeze()
		t.sink.Capture(record)
		return nil, err
	}

	if err := CompleteRecord(record, res, time.Since(start)); err != nil {
		t.logger.Warn().Err(err).Str("record_id", record.ID.String()).Msg("capturing response")
		record.Freeze()
	}
	t.sink.Capture(record)
	return res, nil
}
