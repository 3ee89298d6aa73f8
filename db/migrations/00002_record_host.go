package migrations

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

func init() {
	goose.AddMigrationContext(upAddRecordHost, downDropRecordHost)
}

// upAddRecordHost adds a host column to records and fills it from the stored URLs.
// SQLite has no URL parsing so the backfill runs row by row.
func upAddRecordHost(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, "ALTER TABLE records ADD COLUMN host TEXT NOT NULL DEFAULT ''")
	if err != nil {
		return fmt.Errorf("adding host column : %w", err)
	}

	rows, err := tx.QueryContext(ctx, "SELECT id, url FROM records")
	if err != nil {
		return fmt.Errorf("getting all rows: %w", err)
	}

	hosts := make(map[string]string)
	for rows.Next() {
		var id, rawURL string
		if err := rows.Scan(&id, &rawURL); err != nil {
			rows.Close()
			return fmt.Errorf("scanning row: %w", err)
		}
		if host := hostOf(rawURL); host != "" {
			hosts[id] = host
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("iterating rows: %w", err)
	}
	rows.Close()

	for id, host := range hosts {
		_, err = tx.ExecContext(ctx, "UPDATE records SET host = ? WHERE id = ?", host, id)
		if err != nil {
			return fmt.Errorf("updating row %s : %w", id, err)
		}
	}

	_, err = tx.ExecContext(ctx, "CREATE INDEX idx_records_host ON records(host)")
	if err != nil {
		return fmt.Errorf("creating host index : %w", err)
	}
	return nil
}

func downDropRecordHost(ctx context.Context, tx *sql.Tx) error {
	if _, err := tx.ExecContext(ctx, "DROP INDEX IF EXISTS idx_records_host"); err != nil {
		return fmt.Errorf("failed to drop host index for rollback: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "ALTER TABLE records DROP COLUMN host"); err != nil {
		return fmt.Errorf("failed to drop host column for rollback: %w", err)
	}
	return nil
}

func hostOf(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(parsed.Hostname())
}
