// Package domain defines the core data structures shared by the producer and the viewer.
// It contains the endpoint descriptors (Device, Project), the capture model
// (CaptureRecord, RequestInfo, ResponseInfo, Headers), log entries, discovery
// records, and the repository interfaces that define the contracts for persisting
// received traffic on the viewer side.
//
// The package has no knowledge of the transport or the database. Implementations of
// the repository interfaces live in the db package.
package domain
