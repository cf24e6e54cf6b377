// Package catalog persists a queryable index of finalized capture
// segments in an embedded sqlite database, one per session.
package catalog

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/lostmsu/evdev-rec/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS segments (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	device_path  TEXT    NOT NULL,
	device_index INTEGER NOT NULL,
	file         TEXT    NOT NULL,
	start_time   TEXT    NOT NULL,
	end_time     TEXT    NOT NULL,
	bytes        INTEGER NOT NULL,
	events       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS segments_by_device ON segments(device_path, start_time);
`

// Catalog records every finalized segment. Implements domain.SegmentSink.
type Catalog struct {
	db *sql.DB
}

// Open creates or opens the session catalog at path.
func Open(path string) (*Catalog, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open segment catalog: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize segment catalog: %w", err)
	}
	return &Catalog{db: db}, nil
}

// RecordSegment inserts one finalized segment.
func (c *Catalog) RecordSegment(info domain.SegmentInfo) error {
	_, err := c.db.Exec(
		`INSERT INTO segments (device_path, device_index, file, start_time, end_time, bytes, events)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		info.DevicePath,
		info.DeviceIndex,
		info.Path,
		info.StartTime.UTC().Format(time.RFC3339Nano),
		info.EndTime.UTC().Format(time.RFC3339Nano),
		info.Bytes,
		info.Events,
	)
	if err != nil {
		return fmt.Errorf("record segment %s: %w", info.Path, err)
	}
	return nil
}

// Segments returns every recorded segment in insertion order.
func (c *Catalog) Segments() ([]domain.SegmentInfo, error) {
	rows, err := c.db.Query(
		`SELECT device_path, device_index, file, start_time, end_time, bytes, events
		 FROM segments ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query segment catalog: %w", err)
	}
	defer rows.Close()

	var segments []domain.SegmentInfo
	for rows.Next() {
		var info domain.SegmentInfo
		var start, end string
		if err := rows.Scan(&info.DevicePath, &info.DeviceIndex, &info.Path,
			&start, &end, &info.Bytes, &info.Events); err != nil {
			return nil, fmt.Errorf("scan segment row: %w", err)
		}
		if info.StartTime, err = time.Parse(time.RFC3339Nano, start); err != nil {
			return nil, fmt.Errorf("parse segment start time: %w", err)
		}
		if info.EndTime, err = time.Parse(time.RFC3339Nano, end); err != nil {
			return nil, fmt.Errorf("parse segment end time: %w", err)
		}
		segments = append(segments, info)
	}
	return segments, rows.Err()
}

// Close releases the database.
func (c *Catalog) Close() error {
	return c.db.Close()
}

var _ domain.SegmentSink = (*Catalog)(nil)
