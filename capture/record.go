// Package capture turns HTTP exchanges into capture records.
//
// Two producers are provided: Transport wraps an http.RoundTripper for code that owns its
// client, and Proxy is an intercepting HTTP/HTTPS proxy for everything else. Both hand
// finished records to a Sink.
package capture

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/tfkr-ae/snag/domain"
	"github.com/tfkr-ae/snag/rawhttp"
)

// ErrReadBody is returned when a request or response body cannot be read.
var ErrReadBody = errors.New("failed to read the body")

// Sink receives capture records. Capture reports whether the record was accepted.
type Sink interface {
	Capture(record *domain.CaptureRecord) bool
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(record *domain.CaptureRecord) bool

// Capture calls f.
func (f SinkFunc) Capture(record *domain.CaptureRecord) bool {
	return f(record)
}

// NewRequestRecord builds a request-phase record from req. The body is read and restored
// so the request can still be sent.
func NewRequestRecord(req *http.Request) (*domain.CaptureRecord, error) {
	body, err := rawhttp.ReadRequestBody(req)
	if err != nil {
		return nil, fmt.Errorf("%w : %w", ErrReadBody, err)
	}

	u := requestURL(req)
	headers := req.Header.Clone()
	if req.Host != "" && req.Host != u.Host {
		headers.Set("Host", req.Host)
	}

	record, err := domain.NewCaptureRecord(domain.RequestInfo{
		Method:  req.Method,
		URL:     u.String(),
		Headers: domain.HeadersFromHTTP(headers),
		Body:    body,
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

// CompleteRecord attaches res to record and freezes it. The recorded body is decoded
// according to Content-Encoding; the body handed back to the caller is left as it was.
func CompleteRecord(record *domain.CaptureRecord, res *http.Response, duration time.Duration) error {
	body, err := rawhttp.ReadResponseBody(res)
	if err != nil {
		return fmt.Errorf("%w : %w", ErrReadBody, err)
	}

	headers := res.Header.Clone()
	if encoding := headers.Get("Content-Encoding"); encoding != "" && body != nil {
		if decoded, err := rawhttp.Decode(body, encoding); err == nil {
			body = decoded
			headers.Del("Content-Encoding")
			headers.Set("Content-Length", strconv.Itoa(len(decoded)))
		}
	}

	if err := record.SetResponse(domain.ResponseInfo{
		StatusCode: res.StatusCode,
		Headers:    domain.HeadersFromHTTP(headers),
		Body:       body,
		Duration:   duration,
	}); err != nil {
		return err
	}
	record.Freeze()
	return nil
}

// requestURL returns the absolute URL of req. Requests seen by a server carry the host
// and scheme outside of req.URL.
func requestURL(req *http.Request) *url.URL {
	u := *req.URL
	if u.Host == "" {
		u.Host = req.Host
	}
	if u.Scheme == "" {
		u.Scheme = "http"
		if req.TLS != nil {
			u.Scheme = "https"
		}
	}
	return &u
}
