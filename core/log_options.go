// Package core holds the small pieces shared by the capture code and the producer:
// request context keys and options for log entries.
package core

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tfkr-ae/snag/domain"
)

// LogOption customizes a log entry before it is sent.
type LogOption func(log *domain.Log) error

// LogWithContext is an option to add a context map to a log entry.
func LogWithContext(context map[string]any) LogOption {
	return func(log *domain.Log) error {
		log.Context = context
		return nil
	}
}

// LogWithRequestID is an option to associate a log entry with a captured record.
func LogWithRequestID(id uuid.UUID) LogOption {
	return func(log *domain.Log) error {
		log.RequestID = &id
		return nil
	}
}

// LogWithTag is an option to tag a log entry with the subsystem it came from.
func LogWithTag(tag string) LogOption {
	return func(log *domain.Log) error {
		if len(tag) > 128 {
			return fmt.Errorf("tag is %d bytes, limit is 128", len(tag))
		}
		log.Tag = tag
		return nil
	}
}

// LogWithDetails is an option to add string details to a log entry. Details are merged
// into any already set.
func LogWithDetails(details map[string]string) LogOption {
	return func(log *domain.Log) error {
		if len(details) == 0 {
			return nil
		}
		if log.Details == nil {
			log.Details = make(map[string]string, len(details))
		}
		for k, v := range details {
			log.Details[k] = v
		}
		return nil
	}
}

// NewLog builds a log entry with a fresh ID and applies options in order.
func NewLog(level, message string, options ...LogOption) (*domain.Log, error) {
	if !domain.ValidLevel(level) {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generating log id : %w", err)
	}
	log := &domain.Log{
		ID:        id,
		Timestamp: time.Now(),
		Level:     level,
		Message:   message,
	}
	for _, option := range options {
		if err := option(log); err != nil {
			return nil, fmt.Errorf("applying option on log : %w", err)
		}
	}
	return log, nil
}
