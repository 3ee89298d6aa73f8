package domain

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
)

// ErrFrozen is returned when a mutation is attempted on a frozen CaptureRecord.
var ErrFrozen = errors.New("capture record is frozen")

// Direction identifies what a CaptureRecord carries.
type Direction string

const (
	DirectionRequest  Direction = "request"  // request phase only, no response yet
	DirectionResponse Direction = "response" // request and response
	DirectionLog      Direction = "log"      // log entry, no HTTP data
)

// RequestInfo holds the request side of an exchange. A nil Body means no body was sent.
type RequestInfo struct {
	Method  string
	URL     string
	Headers Headers
	Body    []byte
}

// ResponseInfo holds the response side of an exchange.
type ResponseInfo struct {
	StatusCode int
	Headers    Headers
	Body       []byte
	Duration   time.Duration
}

// CaptureRecord is one captured exchange or log event.
//
// A record is created when a call starts, receives its response through SetResponse
// and is frozen once complete. Ownership passes to the session queue on enqueue and
// the producer must not touch it afterwards.
type CaptureRecord struct {
	ID        uuid.UUID
	Direction Direction
	Timestamp time.Time
	Request   RequestInfo
	Response  *ResponseInfo
	Log       *Log

	frozen bool
}

// NewCaptureRecord creates a request-phase record with a new time-ordered ID.
func NewCaptureRecord(req RequestInfo) (*CaptureRecord, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generating record id : %w", err)
	}
	return &CaptureRecord{
		ID:        id,
		Direction: DirectionRequest,
		Timestamp: time.Now(),
		Request:   req,
	}, nil
}

// NewLogRecord wraps a log entry in a frozen record. The record shares the log's ID.
func NewLogRecord(log *Log) *CaptureRecord {
	return &CaptureRecord{
		ID:        log.ID,
		Direction: DirectionLog,
		Timestamp: log.Timestamp,
		Log:       log,
		frozen:    true,
	}
}

// SetResponse attaches the response and moves the record to the response direction.
func (r *CaptureRecord) SetResponse(res ResponseInfo) error {
	if r.frozen {
		return ErrFrozen
	}
	r.Response = &res
	r.Direction = DirectionResponse
	return nil
}

// Freeze marks the record complete. It is idempotent.
func (r *CaptureRecord) Freeze() {
	r.frozen = true
}

// Frozen reports whether the record is complete.
func (r *CaptureRecord) Frozen() bool {
	return r.frozen
}

// Clone returns an unfrozen deep copy with the same ID.
func (r *CaptureRecord) Clone() *CaptureRecord {
	clone := &CaptureRecord{
		ID:        r.ID,
		Direction: r.Direction,
		Timestamp: r.Timestamp,
		Request: RequestInfo{
			Method:  r.Request.Method,
			URL:     r.Request.URL,
			Headers: r.Request.Headers.Clone(),
			Body:    cloneBytes(r.Request.Body),
		},
	}
	if r.Response != nil {
		clone.Response = &ResponseInfo{
			StatusCode: r.Response.StatusCode,
			Headers:    r.Response.Headers.Clone(),
			Body:       cloneBytes(r.Response.Body),
			Duration:   r.Response.Duration,
		}
	}
	if r.Log != nil {
		log := *r.Log
		if r.Log.Details != nil {
			log.Details = make(map[string]string, len(r.Log.Details))
			for k, v := range r.Log.Details {
				log.Details[k] = v
			}
		}
		clone.Log = &log
	}
	return clone
}

// Host returns the host part of the request URL, or an empty string if the URL does not parse.
func (r *CaptureRecord) Host() string {
	parsed, err := url.Parse(r.Request.URL)
	if err != nil {
		return ""
	}
	return parsed.Hostname()
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
