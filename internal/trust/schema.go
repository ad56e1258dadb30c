package trust

import (
	"database/sql"
	"fmt"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS trusted_devices (
		device_id       TEXT PRIMARY KEY,
		name            TEXT NOT NULL,
		device_type     TEXT NOT NULL DEFAULT 'desktop',
		fingerprint     TEXT NOT NULL,
		certificate_pem BLOB NOT NULL,
		paired_at       INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS device_plugins (
		device_id TEXT NOT NULL,
		plugin    TEXT NOT NULL,
		enabled   INTEGER NOT NULL DEFAULT 1,
		PRIMARY KEY (device_id, plugin)
	)`,
	`CREATE TABLE IF NOT EXISTS security_events (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		event_type TEXT NOT NULL,
		device_id  TEXT,
		details    TEXT NOT NULL DEFAULT '{}',
		severity   TEXT NOT NULL DEFAULT 'info',
		created_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_security_events_created
		ON security_events (created_at)`,
}

func migrate(db *sql.DB) error {
	for i, stmt := range migrations {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("trust: migration %d: %w", i, err)
		}
	}
	return nil
}
