package capture

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/martian"
	"github.com/tfkr-ae/snag/core"
	"github.com/tfkr-ae/snag/rawhttp"
)

var (
	// ErrSkipPipeline is returned to stop the modifier pipeline for a request / response.
	// The request / response will still continue but won't be processed by any future modifiers
	ErrSkipPipeline = errors.New("stop processing item")

	// ErrRecordNotFound is returned when a response arrives without the record set up for its request
	ErrRecordNotFound = errors.New("invalid or missing capture record")
)

// RequestModifierFunc is a signature for HTTP request modifiers, it takes in the request and *Proxy
type RequestModifierFunc func(proxy *Proxy, req *http.Request) error

// ResponseModifierFunc is a signature for HTTP response modifiers, it takes in the response and *Proxy
type ResponseModifierFunc func(proxy *Proxy, res *http.Response) error

// reqAdapter lets a RequestModifierFunc satisfy martian.RequestModifier with access to the *Proxy
type reqAdapter struct {
	proxy    *Proxy
	modifier RequestModifierFunc
}

// ModifyRequest implements the `martian.RequestModifier` interface
func (adapter *reqAdapter) ModifyRequest(req *http.Request) error {
	return adapter.modifier(adapter.proxy, req)
}

// resAdapter lets a ResponseModifierFunc satisfy martian.ResponseModifier with access to the *Proxy
type resAdapter struct {
	proxy    *Proxy
	modifier ResponseModifierFunc
}

// ModifyResponse implements the `martian.ResponseModifier` interface
func (adapter *resAdapter) ModifyResponse(res *http.Response) error {
	return adapter.modifier(adapter.proxy, res)
}

// PreventLoopModifier skips requests addressed to the proxy itself.
// localhost and 127.0.0.1 are treated as the same host.
func PreventLoopModifier(proxy *Proxy, req *http.Request) error {
	host, port, err := net.SplitHostPort(req.Host)
	if err != nil {
		host = req.Host
		if req.URL.Scheme == "https" || req.TLS != nil {
			port = "443"
		} else {
			port = "80"
		}
	}

	listenHost, listenPort := proxy.listenAddr()
	if listenPort == "" {
		return nil
	}
	if normalizeLoopback(host) == normalizeLoopback(listenHost) && port == listenPort {
		martian.NewContext(req).SkipRoundTrip()
		return ErrSkipPipeline
	}
	return nil
}

func normalizeLoopback(host string) string {
	switch host {
	case "localhost", "", "::1", "0.0.0.0", "::":
		return "127.0.0.1"
	}
	return host
}

// SkipConnectRequestModifier will skip processing for CONNECT requests
func SkipConnectRequestModifier(proxy *Proxy, req *http.Request) error {
	if req.Method == http.MethodConnect {
		return ErrSkipPipeline
	}
	return nil
}

// SkipCertRequestModifier leaves requests for the CA download uncaptured.
func SkipCertRequestModifier(proxy *Proxy, req *http.Request) error {
	if req.URL.Hostname() == certHost {
		*req = *core.ContextWithSkipFlag(req, true)
		return ErrSkipPipeline
	}
	return nil
}

// SetupRequestModifier initializes the request context: the request time, the martian
// session and a new request-phase record shared with the response modifiers.
func SetupRequestModifier(proxy *Proxy, req *http.Request) error {
	*req = *core.ContextWithRequestTime(req, time.Now())

	record, err := NewRequestRecord(req)
	if err != nil {
		return fmt.Errorf("creating record for request : %w", err)
	}
	*req = *core.ContextWithRecord(req, record)

	session := martian.NewContext(req).Session()
	*req = *core.ContextWithSession(req, session)
	return nil
}

// CaptureRequestModifier sends the request-phase record when the proxy is configured to.
func CaptureRequestModifier(proxy *Proxy, req *http.Request) error {
	if !proxy.requestPhase {
		return nil
	}
	record, ok := core.RecordFromContext(req.Context())
	if !ok {
		return ErrRecordNotFound
	}
	proxy.sink.Capture(record.Clone())
	return nil
}

// ResponseFilterModifier will skip processing for responses to CONNECT requests, responses
// where the skip flag was set, or SkipRoundTrip is true.
func ResponseFilterModifier(proxy *Proxy, res *http.Response) error {
	if res.Request == nil {
		return ErrSkipPipeline
	}
	if res.Request.Method == http.MethodConnect || martian.NewContext(res.Request).SkippingRoundTrip() {
		return ErrSkipPipeline
	}
	if skip, ok := core.SkipFlagFromContext(res.Request.Context()); ok && skip {
		return ErrSkipPipeline
	}
	return nil
}

// BufferStreamingBodyModifier reads the entire streaming response body into memory
// and replaces the `res.Body` with a new `io.NopCloser` on the full body. It will
// remove the `Transfer-Encoding` and update the `Content-Length` to reflect the new body.
func BufferStreamingBodyModifier(proxy *Proxy, res *http.Response) error {
	if res.Body == nil || res.Body == http.NoBody {
		return nil
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return fmt.Errorf("%w : %w", ErrReadBody, err)
	}

	res.Body = io.NopCloser(bytes.NewReader(body))
	res.ContentLength = int64(len(body))
	res.Header.Set("Content-Length", strconv.Itoa(len(body)))
	res.TransferEncoding = nil
	return nil
}

// CompressedResponseModifier decompresses the response body in place so the client and
// the record see the same bytes.
func CompressedResponseModifier(proxy *Proxy, res *http.Response) error {
	if err := rawhttp.DecompressResponse(res); err != nil {
		return fmt.Errorf("decompressing response : %w", err)
	}
	return nil
}

// CaptureResponseModifier is the final modifier in the default response pipeline.
// It completes the record set up for the request and sends it to the sink.
func CaptureResponseModifier(proxy *Proxy, res *http.Response) error {
	record, ok := core.RecordFromContext(res.Request.Context())
	if !ok {
		return ErrRecordNotFound
	}

	var duration time.Duration
	if start, ok := core.RequestTimeFromContext(res.Request.Context()); ok {
		duration = time.Since(start)
	}
	if err := CompleteRecord(record, res, duration); err != nil {
		return fmt.Errorf("completing record %s : %w", record.ID, err)
	}
	proxy.sink.Capture(record)
	return nil
}
