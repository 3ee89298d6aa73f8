package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tfkr-ae/snag/domain"
)

var _ domain.LogRepository = (*Repository)(nil)

// dbLog represents a log entry as stored in the database.
type dbLog struct {
	ID          uuid.UUID      `db:"id"`           // Unique identifier for the log entry.
	DeviceID    string         `db:"device_id"`    // Device that sent the entry.
	ProjectName string         `db:"project_name"` // Project the device was streaming for.
	Timestamp   time.Time      `db:"timestamp"`    // The time at which the log entry was created.
	Level       string         `db:"level"`        // The severity level of the log.
	Message     string         `db:"message"`      // The main content of the log message.
	Tag         string         `db:"tag"`          // Optional subsystem tag.
	Details     Details        `db:"details"`      // String details sent with the entry.
	Context     Metadata       `db:"context"`      // A map of additional key-value data for structured logging.
	RequestID   sql.NullString `db:"request_id"`   // An optional ID of an associated capture record.
}

// toDomainLog converts a dbLog to a domain.Log.
func toDomainLog(dbLog *dbLog) *domain.Log {
	log := &domain.Log{
		ID:        dbLog.ID,
		Timestamp: dbLog.Timestamp,
		Level:     dbLog.Level,
		Message:   dbLog.Message,
		Tag:       dbLog.Tag,
		Context:   map[string]any(dbLog.Context),
	}

	if len(dbLog.Details) > 0 {
		log.Details = map[string]string(dbLog.Details)
	}

	if dbLog.RequestID.Valid {
		if id, err := uuid.Parse(dbLog.RequestID.String); err == nil {
			log.RequestID = &id
		}
	}

	return log
}

// fromDomainLog converts a domain.Log to a dbLog.
func fromDomainLog(origin domain.Origin, log *domain.Log) *dbLog {
	dbLog := &dbLog{
		ID:          log.ID,
		DeviceID:    origin.DeviceID,
		ProjectName: origin.ProjectName,
		Timestamp:   log.Timestamp.UTC(),
		Level:       log.Level,
		Message:     log.Message,
		Tag:         log.Tag,
		Details:     Details(log.Details),
		Context:     Metadata(log.Context),
	}

	if log.RequestID != nil {
		dbLog.RequestID = sql.NullString{String: log.RequestID.String(), Valid: true}
	}

	return dbLog
}

// InsertLog saves a log entry received from origin.
func (repo *Repository) InsertLog(origin domain.Origin, log *domain.Log) error {
	dbLog := fromDomainLog(origin, log)
	query := `INSERT INTO logs (id, device_id, project_name, timestamp, level, message, tag, details, context, request_id)
	          VALUES (:id, :device_id, :project_name, :timestamp, :level, :message, :tag, :details, :context, :request_id)`

	_, err := repo.dbConn.NamedExec(query, dbLog)
	if err != nil {
		return fmt.Errorf("inserting log %s: %w", log.ID, err)
	}

	return nil
}

// GetLogs retrieves all log entries, oldest first.
func (repo *Repository) GetLogs() ([]*domain.Log, error) {
	var dbLogs []*dbLog
	query := `SELECT * FROM logs ORDER BY timestamp, id`

	err := repo.dbConn.Select(&dbLogs, query)
	if err != nil {
		return nil, fmt.Errorf("fetching all logs: %w", err)
	}

	return toDomainLogs(dbLogs), nil
}

// GetLogsByDevice retrieves the entries sent by deviceID, oldest first.
func (repo *Repository) GetLogsByDevice(deviceID string) ([]*domain.Log, error) {
	var dbLogs []*dbLog
	query := `SELECT * FROM logs WHERE device_id = ? ORDER BY timestamp, id`

	err := repo.dbConn.Select(&dbLogs, query, deviceID)
	if err != nil {
		return nil, fmt.Errorf("fetching logs for device %s: %w", deviceID, err)
	}

	return toDomainLogs(dbLogs), nil
}

func toDomainLogs(dbLogs []*dbLog) []*domain.Log {
	domainLogs := make([]*domain.Log, len(dbLogs))
	for i, dbLog := range dbLogs {
		domainLogs[i] = toDomainLog(dbLog)
	}
	return domainLogs
}
