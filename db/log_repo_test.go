package db

import (
	"reflect"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/tfkr-ae/snag/domain"
)

func TestLogRepo_GetLogs(t *testing.T) {
	t.Run("should return 0 logs if there are none", func(t *testing.T) {
		repo, teardown := setupTestDB(t)
		defer teardown()

		want := 0
		got, err := repo.GetLogs()
		if err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}

		if len(got) != want {
			t.Fatalf("\nwanted:\n%d\ngot:\n%d", want, len(got))
		}
	})

	t.Run("should return the stored logs oldest first", func(t *testing.T) {
		repo, teardown := setupTestDB(t)
		defer teardown()

		fixedTime := time.Date(2025, 10, 20, 12, 0, 0, 0, time.UTC)
		reqID := uuid.MustParse("01937d13-9632-72aa-83b9-c10ea1abbdd6")

		logs := []*domain.Log{
			{
				ID:        uuid.MustParse("00000000-0000-0000-0000-000000000002"),
				Timestamp: fixedTime.Add(time.Second),
				Level:     domain.LevelError,
				Message:   "Log message 2",
				Tag:       "network",
				Details:   map[string]string{"attempt": "3"},
				Context:   map[string]any{"key": "value"},
				RequestID: &reqID,
			},
			{
				ID:        uuid.MustParse("00000000-0000-0000-0000-000000000001"),
				Timestamp: fixedTime,
				Level:     domain.LevelInfo,
				Message:   "Log message 1",
				Context:   make(map[string]any),
			},
		}

		for _, logEntry := range logs {
			if err := repo.InsertLog(testOrigin, logEntry); err != nil {
				t.Fatalf("inserting log: %v", err)
			}
		}

		got, err := repo.GetLogs()
		if err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}

		if len(got) != 2 {
			t.Fatalf("\nwanted:\n2\ngot:\n%d", len(got))
		}

		if got[0].Message != "Log message 1" {
			t.Fatalf("\nwanted:\nLog message 1\ngot:\n%s", got[0].Message)
		}

		if got[0].Details != nil || got[0].RequestID != nil {
			t.Fatalf("\nwanted:\nno details and no request id\ngot:\n%v %v", got[0].Details, got[0].RequestID)
		}

		second := got[1]
		if !second.Timestamp.Equal(logs[0].Timestamp) {
			t.Fatalf("\nwanted:\n%v\ngot:\n%v", logs[0].Timestamp, second.Timestamp)
		}

		if second.Tag != "network" {
			t.Fatalf("\nwanted:\nnetwork\ngot:\n%s", second.Tag)
		}

		if !reflect.DeepEqual(second.Details, logs[0].Details) {
			t.Fatalf("\nwanted:\n%v\ngot:\n%v", logs[0].Details, second.Details)
		}

		if !reflect.DeepEqual(second.Context, logs[0].Context) {
			t.Fatalf("\nwanted:\n%v\ngot:\n%v", logs[0].Context, second.Context)
		}

		if second.RequestID == nil || *second.RequestID != reqID {
			t.Fatalf("\nwanted:\n%v\ngot:\n%v", reqID, second.RequestID)
		}
	})
}

func TestLogRepo_InsertLog(t *testing.T) {
	t.Run("should fail on a duplicate id", func(t *testing.T) {
		repo, teardown := setupTestDB(t)
		defer teardown()

		entry := &domain.Log{ID: uuid.New(), Timestamp: time.Now(), Level: domain.LevelWarn, Message: "dup"}
		if err := repo.InsertLog(testOrigin, entry); err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}

		if err := repo.InsertLog(testOrigin, entry); err == nil {
			t.Fatalf("\nwanted:\nerror\ngot:\nnil")
		}
	})
}

func TestLogRepo_GetLogsByDevice(t *testing.T) {
	t.Run("should only return the logs of the given device", func(t *testing.T) {
		repo, teardown := setupTestDB(t)
		defer teardown()

		other := domain.Origin{DeviceID: "device-2", ProjectName: "Demo"}
		now := time.Now()

		entries := []struct {
			origin domain.Origin
			msg    string
		}{
			{testOrigin, "first"},
			{other, "elsewhere"},
			{testOrigin, "second"},
		}
		for i, entry := range entries {
			log := &domain.Log{
				ID:        uuid.New(),
				Timestamp: now.Add(time.Duration(i) * time.Millisecond),
				Level:     domain.LevelDebug,
				Message:   entry.msg,
			}
			if err := repo.InsertLog(entry.origin, log); err != nil {
				t.Fatalf("inserting log: %v", err)
			}
		}

		got, err := repo.GetLogsByDevice(testOrigin.DeviceID)
		if err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}

		var messages []string
		for _, log := range got {
			messages = append(messages, log.Message)
		}

		want := []string{"first", "second"}
		if !reflect.DeepEqual(messages, want) {
			t.Fatalf("\nwanted:\n%v\ngot:\n%v", want, messages)
		}
	})
}
