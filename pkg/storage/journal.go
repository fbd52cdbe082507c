// Package storage persists scheduler events to a SQLite journal for later
// inspection. Snapshots themselves are never stored.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/dshills/tablewatch/pkg/scheduler"
)

// Entry is one journaled event.
type Entry struct {
	ID         int64     `json:"id"`
	Type       string    `json:"type"`
	Subscriber string    `json:"subscriber,omitempty"`
	Name       string    `json:"name,omitempty"`
	BatchID    string    `json:"batch_id,omitempty"`
	SnapshotID string    `json:"snapshot_id,omitempty"`
	Error      string    `json:"error,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Filter narrows List. Zero values match everything.
type Filter struct {
	Types []string
	Name  string
	// Limit caps the number of entries returned, oldest first. 0 means no limit.
	Limit int
}

// Journal is a SQLite-backed, append-only event log.
type Journal struct {
	db *sql.DB
}

// OpenJournal opens or creates the journal at dbPath.
func OpenJournal(dbPath string) (*Journal, error) {
	dbDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dbDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite works best with a single connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := InitializeDatabase(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	return &Journal{db: db}, nil
}

// Close closes the database connection.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Record appends ev.
func (j *Journal) Record(ctx context.Context, ev scheduler.Event) error {
	var subscriber, name, batchID, snapshotID, errText sql.NullString
	if !ev.Subscriber.IsZero() {
		subscriber = sql.NullString{String: ev.Subscriber.String(), Valid: true}
	}
	if ev.Name != "" {
		name = sql.NullString{String: ev.Name, Valid: true}
	}
	if !ev.BatchID.IsZero() {
		batchID = sql.NullString{String: ev.BatchID.String(), Valid: true}
	}
	if !ev.SnapshotID.IsZero() {
		snapshotID = sql.NullString{String: ev.SnapshotID.String(), Valid: true}
	}
	if ev.Error != nil {
		errText = sql.NullString{String: ev.Error.Error(), Valid: true}
	}

	_, err := j.db.ExecContext(ctx, `
		INSERT INTO events (type, subscriber, name, batch_id, snapshot_id, error, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		string(ev.Type), subscriber, name, batchID, snapshotID, errText, ev.Timestamp.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to record %s event: %w", ev.Type, err)
	}
	return nil
}

// Consume records events from ch until it is closed or ctx is done. The first
// write failure stops it.
func (j *Journal) Consume(ctx context.Context, ch <-chan scheduler.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			if err := j.Record(ctx, ev); err != nil {
				return err
			}
		}
	}
}

// List returns matching entries in insertion order.
func (j *Journal) List(ctx context.Context, filter Filter) ([]Entry, error) {
	var where []string
	var args []interface{}
	if len(filter.Types) > 0 {
		marks := make([]string, len(filter.Types))
		for i, t := range filter.Types {
			marks[i] = "?"
			args = append(args, t)
		}
		where = append(where, "type IN ("+strings.Join(marks, ", ")+")")
	}
	if filter.Name != "" {
		where = append(where, "name = ?")
		args = append(args, filter.Name)
	}

	query := `SELECT id, type, subscriber, name, batch_id, snapshot_id, error, occurred_at FROM events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	entries := make([]Entry, 0)
	for rows.Next() {
		var e Entry
		var subscriber, name, batchID, snapshotID, errText sql.NullString
		var occurred int64
		if err := rows.Scan(&e.ID, &e.Type, &subscriber, &name, &batchID, &snapshotID, &errText, &occurred); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.Subscriber = subscriber.String
		e.Name = name.String
		e.BatchID = batchID.String
		e.SnapshotID = snapshotID.String
		e.Error = errText.String
		e.OccurredAt = time.Unix(0, occurred).UTC()
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return entries, nil
}

// Count returns the number of journaled events.
func (j *Journal) Count(ctx context.Context) (int, error) {
	var n int
	if err := j.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM events").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return n, nil
}
