package db

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/tfkr-ae/snag/domain"
)

var _ domain.TrafficRepository = (*Repository)(nil)

// ErrNotHTTPRecord is returned when a log record is passed to UpsertRecord.
var ErrNotHTTPRecord = errors.New("record carries no http exchange")

// dbRecord is a capture record as stored in the records table.
// The response columns are NULL while only the request phase was received.
type dbRecord struct {
	// Request
	ID             uuid.UUID `db:"id"`
	DeviceID       string    `db:"device_id"`
	ProjectName    string    `db:"project_name"`
	Direction      string    `db:"direction"`
	Method         string    `db:"method"`
	URL            string    `db:"url"`
	Host           string    `db:"host"`
	RequestHeaders Headers   `db:"request_headers"`
	RequestBody    []byte    `db:"request_body"`
	RequestedAt    time.Time `db:"requested_at"`

	// Response
	StatusCode      sql.NullInt64 `db:"status_code"`
	ResponseHeaders Headers       `db:"response_headers"`
	ResponseBody    []byte        `db:"response_body"`
	Duration        sql.NullInt64 `db:"duration"`

	// Common
	Complete   bool      `db:"complete"`
	ReceivedAt time.Time `db:"received_at"`
}

// dbRecordSummary is the body-less projection used for listings.
type dbRecordSummary struct {
	ID          uuid.UUID     `db:"id"`
	DeviceID    string        `db:"device_id"`
	ProjectName string        `db:"project_name"`
	Direction   string        `db:"direction"`
	Method      string        `db:"method"`
	URL         string        `db:"url"`
	Host        string        `db:"host"`
	StatusCode  sql.NullInt64 `db:"status_code"`
	Duration    sql.NullInt64 `db:"duration"`
	RequestedAt time.Time     `db:"requested_at"`
}

const summaryColumns = `id, device_id, project_name, direction, method, url, host, status_code, duration, requested_at`

// fromDomainRecord converts a capture record into a row. Times are stored in UTC so they sort as text.
func fromDomainRecord(origin domain.Origin, record *domain.CaptureRecord, receivedAt time.Time) *dbRecord {
	row := &dbRecord{
		ID:             record.ID,
		DeviceID:       origin.DeviceID,
		ProjectName:    origin.ProjectName,
		Direction:      string(record.Direction),
		Method:         record.Request.Method,
		URL:            record.Request.URL,
		Host:           strings.ToLower(record.Host()),
		RequestHeaders: Headers(record.Request.Headers),
		RequestBody:    record.Request.Body,
		RequestedAt:    record.Timestamp.UTC(),
		Complete:       record.Frozen(),
		ReceivedAt:     receivedAt.UTC(),
	}

	if res := record.Response; res != nil {
		row.StatusCode = sql.NullInt64{Int64: int64(res.StatusCode), Valid: true}
		row.ResponseHeaders = Headers(res.Headers)
		row.ResponseBody = res.Body
		row.Duration = sql.NullInt64{Int64: int64(res.Duration), Valid: true}
	}
	return row
}

// toDomainRecord rebuilds the capture record. Complete rows come back frozen.
func toDomainRecord(row *dbRecord) *domain.StoredRecord {
	record := &domain.CaptureRecord{
		ID:        row.ID,
		Direction: domain.Direction(row.Direction),
		Timestamp: row.RequestedAt,
		Request: domain.RequestInfo{
			Method:  row.Method,
			URL:     row.URL,
			Headers: domain.Headers(row.RequestHeaders),
			Body:    row.RequestBody,
		},
	}

	if row.StatusCode.Valid {
		record.Response = &domain.ResponseInfo{
			StatusCode: int(row.StatusCode.Int64),
			Headers:    domain.Headers(row.ResponseHeaders),
			Body:       row.ResponseBody,
			Duration:   time.Duration(row.Duration.Int64),
		}
	}

	if row.Complete {
		record.Freeze()
	}

	return &domain.StoredRecord{
		Origin: domain.Origin{
			DeviceID:    row.DeviceID,
			ProjectName: row.ProjectName,
		},
		Record:     record,
		ReceivedAt: row.ReceivedAt,
	}
}

func toDomainSummary(row *dbRecordSummary) *domain.RecordSummary {
	summary := &domain.RecordSummary{
		ID: row.ID,
		Origin: domain.Origin{
			DeviceID:    row.DeviceID,
			ProjectName: row.ProjectName,
		},
		Direction:   domain.Direction(row.Direction),
		Method:      row.Method,
		URL:         row.URL,
		Host:        row.Host,
		RequestedAt: row.RequestedAt,
	}

	if row.StatusCode.Valid {
		summary.StatusCode = int(row.StatusCode.Int64)
	}

	if row.Duration.Valid {
		summary.Duration = time.Duration(row.Duration.Int64)
	}
	return summary
}

// UpsertRecord stores record for origin. A later request-phase version of a record
// that already has its response stored is ignored.
func (repo *Repository) UpsertRecord(origin domain.Origin, record *domain.CaptureRecord) error {
	if record.Direction == domain.DirectionLog {
		return fmt.Errorf("upserting record %s : %w", record.ID, ErrNotHTTPRecord)
	}

	row := fromDomainRecord(origin, record, time.Now())
	query := `INSERT INTO records (id, device_id, project_name, direction, method, url, host,
	              request_headers, request_body, status_code, response_headers, response_body,
	              duration, complete, requested_at, received_at)
	          VALUES (:id, :device_id, :project_name, :direction, :method, :url, :host,
	              :request_headers, :request_body, :status_code, :response_headers, :response_body,
	              :duration, :complete, :requested_at, :received_at)
	          ON CONFLICT(id) DO UPDATE SET
	              direction = excluded.direction,
	              method = excluded.method,
	              url = excluded.url,
	              host = excluded.host,
	              request_headers = excluded.request_headers,
	              request_body = excluded.request_body,
	              status_code = excluded.status_code,
	              response_headers = excluded.response_headers,
	              response_body = excluded.response_body,
	              duration = excluded.duration,
	              complete = excluded.complete,
	              received_at = excluded.received_at
	          WHERE records.direction = 'request' OR excluded.direction = 'response'`

	_, err := repo.dbConn.NamedExec(query, row)
	if err != nil {
		return fmt.Errorf("upserting record %s : %w", record.ID, err)
	}
	return nil
}

// GetRecord returns the stored record with the given ID.
func (repo *Repository) GetRecord(id uuid.UUID) (*domain.StoredRecord, error) {
	var row dbRecord
	query := `SELECT id, device_id, project_name, direction, method, url, host,
	              request_headers, request_body, status_code, response_headers, response_body,
	              duration, complete, requested_at, received_at
	          FROM records WHERE id = ?`

	err := repo.dbConn.Get(&row, query, id)
	if err != nil {
		return nil, fmt.Errorf("getting record %s : %w", id, err)
	}
	return toDomainRecord(&row), nil
}

// GetSummaries returns all records without their bodies, oldest first.
func (repo *Repository) GetSummaries() ([]*domain.RecordSummary, error) {
	var rows []*dbRecordSummary
	query := `SELECT ` + summaryColumns + ` FROM records ORDER BY requested_at, id`

	err := repo.dbConn.Select(&rows, query)
	if err != nil {
		return nil, fmt.Errorf("getting summaries : %w", err)
	}
	return toDomainSummaries(rows), nil
}

// SearchByHost returns the records sent to host or one of its subdomains, oldest first.
func (repo *Repository) SearchByHost(host string) ([]*domain.RecordSummary, error) {
	host = strings.ToLower(strings.TrimSpace(host))
	if host == "" {
		return []*domain.RecordSummary{}, nil
	}

	var rows []*dbRecordSummary
	query := `SELECT ` + summaryColumns + ` FROM records
	          WHERE host = ? OR host LIKE ? ESCAPE '\'
	          ORDER BY requested_at, id`

	err := repo.dbConn.Select(&rows, query, host, "%."+escapeLike(host))
	if err != nil {
		return nil, fmt.Errorf("searching records for host %q : %w", host, err)
	}
	return toDomainSummaries(rows), nil
}

// DeleteRecords removes the records with the given IDs. Unknown IDs are ignored.
func (repo *Repository) DeleteRecords(ids ...uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = id.String()
	}

	query, args, err := sqlx.In(`DELETE FROM records WHERE id IN (?)`, keys)
	if err != nil {
		return fmt.Errorf("building delete query : %w", err)
	}

	_, err = repo.dbConn.Exec(repo.dbConn.Rebind(query), args...)
	if err != nil {
		return fmt.Errorf("deleting %d records : %w", len(ids), err)
	}
	return nil
}

func toDomainSummaries(rows []*dbRecordSummary) []*domain.RecordSummary {
	summaries := make([]*domain.RecordSummary, len(rows))
	for i, row := range rows {
		summaries[i] = toDomainSummary(row)
	}
	return summaries
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
