package domain

import (
	"time"

	"github.com/google/uuid"
)

// LogRepository defines the interface for managing log entries received from producers.
type LogRepository interface {
	// InsertLog saves a log entry together with the peer it came from.
	InsertLog(origin Origin, log *Log) error
	// GetLogs retrieves all log entries, oldest first.
	GetLogs() ([]*Log, error)
	// GetLogsByDevice retrieves the log entries sent by a single device.
	GetLogsByDevice(deviceID string) ([]*Log, error)
}

// Log levels accepted by producers.
const (
	LevelDebug = "DEBUG"
	LevelInfo  = "INFO"
	LevelWarn  = "WARN"
	LevelError = "ERROR"
	LevelFatal = "FATAL"
)

// ValidLevel reports whether level is one of the accepted log levels.
func ValidLevel(level string) bool {
	switch level {
	case LevelDebug, LevelInfo, LevelWarn, LevelError, LevelFatal:
		return true
	}
	return false
}

// Log represents a single log entry emitted by the instrumented application.
type Log struct {
	ID        uuid.UUID         // Unique identifier for the log entry.
	Timestamp time.Time         // The time at which the log entry was created.
	Level     string            // The severity level of the log (DEBUG, INFO, WARN, ERROR, FATAL).
	Message   string            // The main content of the log message.
	Tag       string            // Optional subsystem tag.
	Details   map[string]string // Optional string details shown alongside the message.
	Context   map[string]any    // A map of additional key-value data for structured logging.
	RequestID *uuid.UUID        // An optional ID of an associated capture record.
}
