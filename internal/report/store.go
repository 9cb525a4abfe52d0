// Package report provides PostgreSQL-backed audit storage for verified abuse
// reports. Only metadata is written: fingerprints, the room, and the verdict
// counters. Message text never reaches the database.
package report

import (
	"context"
	"database/sql"
	"fmt"
)

// Store persists report audit rows in PostgreSQL.
type Store struct {
	db *sql.DB
}

// Report is one verified report to be persisted.
type Report struct {
	ReporterFingerprint string
	ReportedFingerprint string
	RoomID              string
	FlaggedCount        int // evidence messages the heuristic flagged
	StrikeCount         int // reported fingerprint's strike total after this report
}

// NewStore creates a report store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create inserts a report audit row.
func (s *Store) Create(ctx context.Context, report *Report) error {
	const query = `
		INSERT INTO report_audit (reporter_fingerprint, reported_fingerprint, room_id, flagged_count, strike_count)
		VALUES ($1, $2, $3, $4, $5)`

	_, err := s.db.ExecContext(ctx, query,
		report.ReporterFingerprint,
		report.ReportedFingerprint,
		report.RoomID,
		report.FlaggedCount,
		report.StrikeCount,
	)
	if err != nil {
		return fmt.Errorf("report: insert: %w", err)
	}
	return nil
}
