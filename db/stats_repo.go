package db

import (
	"fmt"

	"github.com/tfkr-ae/snag/domain"
)

var _ domain.StatsRepository = (*Repository)(nil)

// CountRecords returns the total number of stored HTTP records.
func (repo *Repository) CountRecords() (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM records`

	err := repo.dbConn.Get(&count, query)
	if err != nil {
		return 0, fmt.Errorf("getting record count: %w", err)
	}

	return count, nil
}

// CountFailures returns the number of records whose response status is 400 or above.
func (repo *Repository) CountFailures() (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM records WHERE status_code >= 400`

	err := repo.dbConn.Get(&count, query)
	if err != nil {
		return 0, fmt.Errorf("getting failure count: %w", err)
	}

	return count, nil
}

// CountLogs returns the total number of stored log entries.
func (repo *Repository) CountLogs() (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM logs`

	err := repo.dbConn.Get(&count, query)
	if err != nil {
		return 0, fmt.Errorf("getting log count: %w", err)
	}

	return count, nil
}

// CountPeers returns the number of distinct devices that connected.
func (repo *Repository) CountPeers() (int, error) {
	var count int
	query := `SELECT COUNT(DISTINCT device_id) FROM peers`

	err := repo.dbConn.Get(&count, query)
	if err != nil {
		return 0, fmt.Errorf("getting peer count: %w", err)
	}

	return count, nil
}
