package trust

import (
	"errors"
	"fmt"
	"time"
)

// Security event severities.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Well-known security event types recorded by the engine.
const (
	EventFingerprintMismatch = "fingerprint_mismatch"
	EventPairingRejected     = "pairing_rejected"
	EventPairingExpired      = "pairing_expired"
	EventUnpaired            = "unpaired"
)

// SecurityEvent is one persisted security-relevant occurrence, e.g. a
// certificate fingerprint mismatch. Events are never auto-healed into
// state changes; they exist so the operator can see what happened.
type SecurityEvent struct {
	ID        int64
	EventType string
	DeviceID  string
	Details   string
	Severity  string
	CreatedAt time.Time
}

// RecordEvent persists a security event.
func (s *Store) RecordEvent(e SecurityEvent) error {
	if e.EventType == "" {
		return errors.New("trust: event type is required")
	}
	if e.Severity == "" {
		e.Severity = SeverityInfo
	}
	if e.Details == "" {
		e.Details = "{}"
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}

	_, err := s.db.Exec(
		`INSERT INTO security_events (event_type, device_id, details, severity, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		e.EventType, e.DeviceID, e.Details, e.Severity, e.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("trust: record event %q: %w", e.EventType, err)
	}
	return nil
}

// Events returns the most recent security events, newest first.
func (s *Store) Events(limit int) ([]SecurityEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	rows, err := s.db.Query(
		`SELECT id, event_type, COALESCE(device_id, ''), details, severity, created_at
		 FROM security_events ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("trust: query events: %w", err)
	}
	defer rows.Close()

	events := make([]SecurityEvent, 0)
	for rows.Next() {
		var (
			e         SecurityEvent
			createdAt int64
		)
		if err := rows.Scan(&e.ID, &e.EventType, &e.DeviceID, &e.Details, &e.Severity, &createdAt); err != nil {
			return nil, fmt.Errorf("trust: scan event row: %w", err)
		}
		e.CreatedAt = time.UnixMilli(createdAt)
		events = append(events, e)
	}
	return events, rows.Err()
}

// PruneEvents removes events older than the retention window and returns
// how many were deleted.
func (s *Store) PruneEvents(retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, errors.New("trust: retention must be positive")
	}
	cutoff := time.Now().Add(-retention).UnixMilli()

	res, err := s.db.Exec(`DELETE FROM security_events WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("trust: prune events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("trust: prune events rows affected: %w", err)
	}
	return n, nil
}
