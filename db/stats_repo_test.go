package db

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/tfkr-ae/snag/domain"
)

func TestStatsRepo_CountRecords(t *testing.T) {
	t.Run("should return 0 when no records exist", func(t *testing.T) {
		repo, teardown := setupTestDB(t)
		defer teardown()

		want := 0
		got, err := repo.CountRecords()
		if err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}

		if got != want {
			t.Fatalf("\nwanted:\n%d\ngot:\n%d", want, got)
		}
	})

	t.Run("should count a record once across its phases", func(t *testing.T) {
		repo, teardown := setupTestDB(t)
		defer teardown()

		want := 2
		record := testRecord(t, repo, "GET", "https://example.com/a")
		completeTestRecord(t, repo, record, 200)
		testRecord(t, repo, "POST", "https://example.com/b")

		got, err := repo.CountRecords()
		if err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}

		if got != want {
			t.Fatalf("\nwanted:\n%d\ngot:\n%d", want, got)
		}
	})
}

func TestStatsRepo_CountFailures(t *testing.T) {
	t.Run("should count responses with status 400 and above", func(t *testing.T) {
		repo, teardown := setupTestDB(t)
		defer teardown()

		for _, status := range []int{200, 301, 400, 503} {
			record := testRecord(t, repo, "GET", "https://example.com/")
			completeTestRecord(t, repo, record, status)
		}
		testRecord(t, repo, "GET", "https://example.com/pending")

		want := 2
		got, err := repo.CountFailures()
		if err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}

		if got != want {
			t.Fatalf("\nwanted:\n%d\ngot:\n%d", want, got)
		}
	})
}

func TestStatsRepo_CountLogs(t *testing.T) {
	t.Run("should return the number of log entries", func(t *testing.T) {
		repo, teardown := setupTestDB(t)
		defer teardown()

		for i := 0; i < 3; i++ {
			err := repo.InsertLog(testOrigin, &domain.Log{ID: uuid.New(), Timestamp: time.Now(), Level: domain.LevelInfo})
			if err != nil {
				t.Fatalf("inserting log: %v", err)
			}
		}

		want := 3
		got, err := repo.CountLogs()
		if err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}

		if got != want {
			t.Fatalf("\nwanted:\n%d\ngot:\n%d", want, got)
		}
	})
}

func TestStatsRepo_CountPeers(t *testing.T) {
	t.Run("should count a device once across projects", func(t *testing.T) {
		repo, teardown := setupTestDB(t)
		defer teardown()

		now := time.Now()
		peer := testPeer("dev-1", "10.0.0.2:1", now)
		repo.UpsertPeer(peer)
		peer.Project.Name = "Other"
		repo.UpsertPeer(peer)
		repo.UpsertPeer(testPeer("dev-2", "10.0.0.3:1", now))

		want := 2
		got, err := repo.CountPeers()
		if err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}

		if got != want {
			t.Fatalf("\nwanted:\n%d\ngot:\n%d", want, got)
		}
	})
}
