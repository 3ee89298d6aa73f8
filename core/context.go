package core

import (
	"context"
	"net/http"
	"time"

	"github.com/google/martian"
	"github.com/tfkr-ae/snag/domain"
)

type contextKey string

const (
	// RecordKey is the context key for the in-flight capture record (*domain.CaptureRecord).
	// The request and its response share it.
	RecordKey contextKey = "Record"
	// RequestTimeKey is the context key for the time the request was seen (time.Time)
	RequestTimeKey contextKey = "RequestTime"
	// SkipKey is the context key for the flag (bool) telling the modifiers to leave the exchange uncaptured
	SkipKey contextKey = "Skip"
	// MartianSessionKey is the context key for the martian session (*martian.Session) of a proxied request
	MartianSessionKey contextKey = "SessionKey"
)

// ContextWithSession returns a new request with a martian session in the context
func ContextWithSession(req *http.Request, session *martian.Session) *http.Request {
	return req.WithContext(context.WithValue(req.Context(), MartianSessionKey, session))
}

// SessionFromContext returns the martian session from the context if it exists
func SessionFromContext(ctx context.Context) (*martian.Session, bool) {
	session, ok := ctx.Value(MartianSessionKey).(*martian.Session)
	return session, ok
}

// ContextWithRecord returns a new request carrying the capture record being built for it
func ContextWithRecord(req *http.Request, record *domain.CaptureRecord) *http.Request {
	return req.WithContext(context.WithValue(req.Context(), RecordKey, record))
}

// RecordFromContext returns the capture record from the context if it exists
func RecordFromContext(ctx context.Context) (*domain.CaptureRecord, bool) {
	record, ok := ctx.Value(RecordKey).(*domain.CaptureRecord)
	return record, ok && record != nil
}

// ContextWithRequestTime returns a new request with the request time in the context
func ContextWithRequestTime(req *http.Request, requestTime time.Time) *http.Request {
	return req.WithContext(context.WithValue(req.Context(), RequestTimeKey, requestTime))
}

// RequestTimeFromContext returns the request time from the context if it exists
func RequestTimeFromContext(ctx context.Context) (time.Time, bool) {
	timestamp, ok := ctx.Value(RequestTimeKey).(time.Time)
	return timestamp, ok
}

// ContextWithSkipFlag returns a new request with the skip flag in the context
func ContextWithSkipFlag(req *http.Request, skip bool) *http.Request {
	return req.WithContext(context.WithValue(req.Context(), SkipKey, skip))
}

// SkipFlagFromContext returns the value of the skip flag from the context if it exists
func SkipFlagFromContext(ctx context.Context) (bool, bool) {
	skip, ok := ctx.Value(SkipKey).(bool)
	return skip, ok
}
