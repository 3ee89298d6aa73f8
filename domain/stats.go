package domain

// StatsRepository defines the interface for retrieving counts about received data.
type StatsRepository interface {
	// CountRecords returns the total number of stored HTTP records.
	CountRecords() (int, error)
	// CountFailures returns the number of records with a response status of 400 or above.
	CountFailures() (int, error)
	// CountLogs returns the total number of stored log entries.
	CountLogs() (int, error)
	// CountPeers returns the number of distinct producers seen.
	CountPeers() (int, error)
}
