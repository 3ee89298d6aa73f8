package domain

import (
	"time"

	"github.com/google/uuid"
)

// Origin identifies the producer a record or log entry was received from.
type Origin struct {
	DeviceID    string
	ProjectName string
}

// TrafficRepository holds the received capture records on the viewer side.
type TrafficRepository interface {
	// UpsertRecord stores the record, replacing an earlier version with the same ID.
	// A request-phase record never replaces a stored response.
	UpsertRecord(origin Origin, record *CaptureRecord) error

	// GetRecord returns the stored record for id. It returns an error if the ID doesn't exist.
	GetRecord(id uuid.UUID) (*StoredRecord, error)

	// GetSummaries returns all HTTP records without bodies, oldest first.
	GetSummaries() ([]*RecordSummary, error)

	// SearchByHost returns the summaries of records whose request host matches host.
	SearchByHost(host string) ([]*RecordSummary, error)

	// DeleteRecords removes the given records.
	DeleteRecords(ids ...uuid.UUID) error
}

// StoredRecord is a record as persisted by the viewer, together with where it came from.
type StoredRecord struct {
	Origin     Origin
	Record     *CaptureRecord
	ReceivedAt time.Time
}

// RecordSummary is a lightweight row used for listing received traffic.
type RecordSummary struct {
	ID          uuid.UUID
	Origin      Origin
	Direction   Direction
	Method      string
	URL         string
	Host        string
	StatusCode  int
	Duration    time.Duration
	RequestedAt time.Time
}
