// Package db provides the viewer's persistence layer.
// It stores the capture records, log entries and peers received over
// transport sessions in a SQLite database so they can be listed and searched
// after the producer went away.
//
// This package is responsible for:
// - Establishing the database connection and applying migrations (`db.go`).
// - Mapping domain records to table rows, using `sql.Null*` types for the
//   response columns of request-phase records.
// - Implementing the repository interfaces of the domain package
//   (`TrafficRepository`, `LogRepository`, `PeerRepository`, `StatsRepository`).
package db
