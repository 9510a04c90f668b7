// Package store persists motion events and recording segments to SQLite.
// Failures are returned as errors; the recorder and notifier discard them
// without logging, so a failure never interrupts the frame pipeline.
package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps the SQLite handle.
type Store struct {
	db *sql.DB
}

// SegmentRecord is one recording segment written by the segmented recorder.
type SegmentRecord struct {
	ID         string
	DeviceName string
	Path       string
	StartedAt  time.Time
	ClosedAt   *time.Time
	ChangeRate float64
}

// NotificationRecord is one message pushed by the Matrix notifier.
type NotificationRecord struct {
	ID         string
	DeviceName string
	Kind       string // "image" or "video"
	SentAt     time.Time
	Detections int
}

// Open creates the database connection and enables WAL mode.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database %s: %w", path, err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the connection.
func (s *Store) Close() error { return s.db.Close() }

// Migrate creates the schema.
func (s *Store) Migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS segments (
			id TEXT PRIMARY KEY,
			device_name TEXT NOT NULL,
			path TEXT NOT NULL,
			started_at DATETIME NOT NULL,
			closed_at DATETIME,
			change_rate REAL
		)`,
		`CREATE TABLE IF NOT EXISTS notifications (
			id TEXT PRIMARY KEY,
			device_name TEXT NOT NULL,
			kind TEXT NOT NULL,
			sent_at DATETIME NOT NULL,
			detections INTEGER DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_segments_device_time
			ON segments(device_name, started_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_notifications_device_time
			ON notifications(device_name, sent_at DESC)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			if strings.Contains(err.Error(), "duplicate column") {
				continue
			}
			return fmt.Errorf("running migration: %w", err)
		}
	}
	return nil
}

// SaveSegment inserts a newly-opened segment.
func (s *Store) SaveSegment(rec *SegmentRecord) error {
	_, err := s.db.Exec(
		`INSERT INTO segments (id, device_name, path, started_at, change_rate)
		 VALUES (?, ?, ?, ?, ?)`,
		rec.ID, rec.DeviceName, rec.Path, rec.StartedAt.UTC(), rec.ChangeRate)
	if err != nil {
		return fmt.Errorf("saving segment: %w", err)
	}
	return nil
}

// CloseSegment stamps the close time of an open segment.
func (s *Store) CloseSegment(id string, closedAt time.Time) error {
	_, err := s.db.Exec(`UPDATE segments SET closed_at = ? WHERE id = ?`,
		closedAt.UTC(), id)
	if err != nil {
		return fmt.Errorf("closing segment: %w", err)
	}
	return nil
}

// ListSegments returns segments for a device, newest first.
func (s *Store) ListSegments(deviceName string, limit int) ([]*SegmentRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(
		`SELECT id, device_name, path, started_at, closed_at, change_rate
		 FROM segments WHERE device_name = ?
		 ORDER BY started_at DESC LIMIT ?`, deviceName, limit)
	if err != nil {
		return nil, fmt.Errorf("listing segments: %w", err)
	}
	defer rows.Close()

	var out []*SegmentRecord
	for rows.Next() {
		rec := &SegmentRecord{}
		var closedAt sql.NullTime
		if err := rows.Scan(&rec.ID, &rec.DeviceName, &rec.Path,
			&rec.StartedAt, &closedAt, &rec.ChangeRate); err != nil {
			return nil, fmt.Errorf("scanning segment: %w", err)
		}
		if closedAt.Valid {
			t := closedAt.Time
			rec.ClosedAt = &t
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SaveNotification inserts a notifier event.
func (s *Store) SaveNotification(rec *NotificationRecord) error {
	_, err := s.db.Exec(
		`INSERT INTO notifications (id, device_name, kind, sent_at, detections)
		 VALUES (?, ?, ?, ?, ?)`,
		rec.ID, rec.DeviceName, rec.Kind, rec.SentAt.UTC(), rec.Detections)
	if err != nil {
		return fmt.Errorf("saving notification: %w", err)
	}
	return nil
}
