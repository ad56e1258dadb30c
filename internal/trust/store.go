// Package trust persists the set of paired devices and their pinned
// certificate fingerprints. It is the single source of truth for "is this
// device trusted, and with which certificate".
//
// The pinning discipline is append-only: once a fingerprint is pinned for a
// device id it can never be replaced, only removed by an explicit unpair.
// A different fingerprint presenting itself under a known id is a trust
// violation, not an update.
package trust

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver registration
)

const busyTimeoutMillis = 5000

var (
	// ErrNotFound indicates the device id has no trust entry.
	ErrNotFound = errors.New("trust: device not found")

	// ErrFingerprintMismatch indicates an attempt to pin a fingerprint for
	// a device id that is already pinned with a different one.
	ErrFingerprintMismatch = errors.New("trust: fingerprint differs from pinned value")
)

// TrustedDevice is one pairing record.
type TrustedDevice struct {
	DeviceID       string
	Name           string
	DeviceType     string
	Fingerprint    string
	CertificatePEM []byte
	PairedAt       time.Time
}

// Store is the sqlite-backed trust store. Safe for concurrent use; sqlite
// serializes writes behind a single connection.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the trust database at path and migrates the
// schema. An unreadable or corrupt database is returned as an error: the
// caller must treat that as fatal rather than as "no trusted devices",
// since an empty store would re-open every peer to un-gated pairing.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("trust: create directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("trust: open %s: %w", path, err)
	}

	db.SetMaxOpenConns(1)

	ctx := context.Background()
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("trust: enable WAL: %w", err)
	}
	if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout=%d", busyTimeoutMillis)); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("trust: set busy_timeout: %w", err)
	}

	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	// Integrity probe: a database that opens but cannot be queried must
	// surface at startup, not on the first inbound connection.
	var n int
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM trusted_devices").Scan(&n); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("trust: store unreadable: %w", err)
	}

	return &Store{db: db}, nil
}

// Checkpoint truncates the WAL and refreshes planner statistics. Run
// periodically; the store stays fully usable during the call.
func (s *Store) Checkpoint() error {
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("trust: wal checkpoint: %w", err)
	}
	if _, err := s.db.Exec("PRAGMA optimize"); err != nil {
		return fmt.Errorf("trust: optimize: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Lookup returns the trust entry for deviceID, or ErrNotFound.
func (s *Store) Lookup(deviceID string) (*TrustedDevice, error) {
	row := s.db.QueryRow(
		`SELECT device_id, name, device_type, fingerprint, certificate_pem, paired_at
		 FROM trusted_devices WHERE device_id = ?`, deviceID)

	var (
		d        TrustedDevice
		pairedAt int64
	)
	err := row.Scan(&d.DeviceID, &d.Name, &d.DeviceType, &d.Fingerprint, &d.CertificatePEM, &pairedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("trust: lookup %q: %w", deviceID, err)
	}
	d.PairedAt = time.UnixMilli(pairedAt)
	return &d, nil
}

// Pin records a pairing. Pinning the same fingerprint again refreshes the
// device name and type; pinning a different fingerprint fails with
// ErrFingerprintMismatch and leaves the existing entry untouched.
func (s *Store) Pin(d TrustedDevice) error {
	if d.DeviceID == "" {
		return errors.New("trust: device id is required")
	}
	if d.Fingerprint == "" {
		return errors.New("trust: fingerprint is required")
	}
	if d.PairedAt.IsZero() {
		d.PairedAt = time.Now()
	}

	existing, err := s.Lookup(d.DeviceID)
	switch {
	case err == nil:
		if existing.Fingerprint != d.Fingerprint {
			return fmt.Errorf("%w (device %s)", ErrFingerprintMismatch, d.DeviceID)
		}
		_, err = s.db.Exec(
			`UPDATE trusted_devices SET name = ?, device_type = ? WHERE device_id = ?`,
			d.Name, d.DeviceType, d.DeviceID)
		if err != nil {
			return fmt.Errorf("trust: refresh %q: %w", d.DeviceID, err)
		}
		return nil
	case errors.Is(err, ErrNotFound):
		// fall through to insert
	default:
		return err
	}

	_, err = s.db.Exec(
		`INSERT INTO trusted_devices (device_id, name, device_type, fingerprint, certificate_pem, paired_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		d.DeviceID, d.Name, d.DeviceType, d.Fingerprint, d.CertificatePEM, d.PairedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("trust: pin %q: %w", d.DeviceID, err)
	}
	return nil
}

// Unpair removes the trust entry and plugin flags for deviceID. Removing an
// unknown device is a no-op; unpair is idempotent by contract.
func (s *Store) Unpair(deviceID string) error {
	if _, err := s.db.Exec(`DELETE FROM device_plugins WHERE device_id = ?`, deviceID); err != nil {
		return fmt.Errorf("trust: clear plugin flags for %q: %w", deviceID, err)
	}
	if _, err := s.db.Exec(`DELETE FROM trusted_devices WHERE device_id = ?`, deviceID); err != nil {
		return fmt.Errorf("trust: unpair %q: %w", deviceID, err)
	}
	return nil
}

// List returns all trust entries sorted by device name.
func (s *Store) List() ([]TrustedDevice, error) {
	rows, err := s.db.Query(
		`SELECT device_id, name, device_type, fingerprint, certificate_pem, paired_at
		 FROM trusted_devices ORDER BY name, device_id`)
	if err != nil {
		return nil, fmt.Errorf("trust: list devices: %w", err)
	}
	defer rows.Close()

	devices := make([]TrustedDevice, 0)
	for rows.Next() {
		var (
			d        TrustedDevice
			pairedAt int64
		)
		if err := rows.Scan(&d.DeviceID, &d.Name, &d.DeviceType, &d.Fingerprint, &d.CertificatePEM, &pairedAt); err != nil {
			return nil, fmt.Errorf("trust: scan device row: %w", err)
		}
		d.PairedAt = time.UnixMilli(pairedAt)
		devices = append(devices, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("trust: iterate device rows: %w", err)
	}
	return devices, nil
}

// SetPluginEnabled stores a per-device plugin flag. Plugins default to
// enabled; only explicit flags are persisted.
func (s *Store) SetPluginEnabled(deviceID, plugin string, enabled bool) error {
	val := 0
	if enabled {
		val = 1
	}
	_, err := s.db.Exec(
		`INSERT INTO device_plugins (device_id, plugin, enabled) VALUES (?, ?, ?)
		 ON CONFLICT(device_id, plugin) DO UPDATE SET enabled = excluded.enabled`,
		deviceID, plugin, val)
	if err != nil {
		return fmt.Errorf("trust: set plugin flag %s/%s: %w", deviceID, plugin, err)
	}
	return nil
}

// PluginEnabled reports whether plugin is enabled for deviceID.
// Absent flags mean enabled.
func (s *Store) PluginEnabled(deviceID, plugin string) (bool, error) {
	row := s.db.QueryRow(
		`SELECT enabled FROM device_plugins WHERE device_id = ? AND plugin = ?`,
		deviceID, plugin)

	var enabled int
	err := row.Scan(&enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("trust: plugin flag %s/%s: %w", deviceID, plugin, err)
	}
	return enabled != 0, nil
}

// DisabledPlugins returns the plugins explicitly disabled for deviceID.
func (s *Store) DisabledPlugins(deviceID string) ([]string, error) {
	rows, err := s.db.Query(
		`SELECT plugin FROM device_plugins WHERE device_id = ? AND enabled = 0 ORDER BY plugin`,
		deviceID)
	if err != nil {
		return nil, fmt.Errorf("trust: disabled plugins for %q: %w", deviceID, err)
	}
	defer rows.Close()

	var plugins []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("trust: scan plugin row: %w", err)
		}
		plugins = append(plugins, p)
	}
	return plugins, rows.Err()
}
