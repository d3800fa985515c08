// ABOUTME: Device registrations keyed by agent fingerprint
// ABOUTME: Tracks last-seen time refreshed by agent heartbeats

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrDuplicateDevice is returned when a fingerprint is already registered
var ErrDuplicateDevice = errors.New("device fingerprint already registered")

// RegisterDevice stores a device.
func (s *SQLiteStore) RegisterDevice(ctx context.Context, d *Device) error {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO devices (id, fingerprint, name, last_seen_at, created_at) VALUES (?, ?, ?, ?, ?)`,
		d.ID, d.Fingerprint, d.Name, nullTime(d.LastSeenAt), formatTime(d.CreatedAt))
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateDevice
		}
		return fmt.Errorf("inserting device: %w", err)
	}
	s.logger.Info("registered device", "id", d.ID, "name", d.Name)
	return nil
}

// GetDevice retrieves a device by ID.
func (s *SQLiteStore) GetDevice(ctx context.Context, id string) (*Device, error) {
	return s.scanDevice(s.db.QueryRowContext(ctx,
		`SELECT id, fingerprint, name, last_seen_at, created_at FROM devices WHERE id = ?`, id))
}

// GetDeviceByFingerprint retrieves a device by its fingerprint.
func (s *SQLiteStore) GetDeviceByFingerprint(ctx context.Context, fingerprint string) (*Device, error) {
	return s.scanDevice(s.db.QueryRowContext(ctx,
		`SELECT id, fingerprint, name, last_seen_at, created_at FROM devices WHERE fingerprint = ?`, fingerprint))
}

func (s *SQLiteStore) scanDevice(row *sql.Row) (*Device, error) {
	var (
		d         Device
		lastSeen  sql.NullString
		createdAt string
	)
	err := row.Scan(&d.ID, &d.Fingerprint, &d.Name, &lastSeen, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning device: %w", err)
	}
	if d.LastSeenAt, err = parseNullTime(lastSeen); err != nil {
		return nil, fmt.Errorf("parsing last_seen_at: %w", err)
	}
	if d.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &d, nil
}

// TouchDevice records that the device was seen at the given time.
func (s *SQLiteStore) TouchDevice(ctx context.Context, id string, at time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE devices SET last_seen_at = ? WHERE id = ?`, formatTime(at), id)
	if err != nil {
		return fmt.Errorf("touching device: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
