// Package snapshotstore implements the Snapshot Store Bridge: upsert-by-key
// persistence of PEEP snapshots and a bounded recent-history query
// (spec.md §6 Snapshot Store Bridge).
package snapshotstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// Snapshot is one (patient, record_time) PEEP observation.
type Snapshot struct {
	Patient            string
	RecordTime         time.Time
	AvgCurrentPEEP     *float64
	AvgRecommendedPEEP *float64
}

// HistoryPoint is one row of the last-12-hour history reply.
type HistoryPoint struct {
	RecordTime         time.Time `json:"record_time"`
	AvgCurrentPEEP     *float64  `json:"avg_current_peep"`
	AvgRecommendedPEEP *float64  `json:"avg_recommended_peep"`
}

// Store persists PEEP snapshots into patient_vital_snapshot.
type Store struct {
	db *sql.DB
}

// New wraps an already-opened database/sql handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Upsert writes snap, treating a duplicate (patient_id, record_time) key as
// success: the existing row is updated in place rather than erroring.
func (s *Store) Upsert(ctx context.Context, snap Snapshot) error {
	const query = `
		INSERT INTO patient_vital_snapshot
			(patient_id, record_time, avg_current_peep, avg_recommended_peep)
		VALUES (?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			avg_current_peep = VALUES(avg_current_peep),
			avg_recommended_peep = VALUES(avg_recommended_peep)`

	_, err := s.db.ExecContext(ctx, query,
		snap.Patient, snap.RecordTime.UTC(), snap.AvgCurrentPEEP, snap.AvgRecommendedPEEP)
	if err != nil {
		return fmt.Errorf("upsert peep snapshot: %w", err)
	}
	return nil
}

// History returns patient's snapshots from the last 12 hours, ordered
// ascending by record_time, using since as "now" (injectable for tests).
func (s *Store) History(ctx context.Context, patient string, since time.Time) ([]HistoryPoint, error) {
	const query = `
		SELECT record_time, avg_current_peep, avg_recommended_peep
		FROM patient_vital_snapshot
		WHERE patient_id = ? AND record_time >= ?
		ORDER BY record_time ASC`

	cutoff := since.Add(-12 * time.Hour).UTC()
	rows, err := s.db.QueryContext(ctx, query, patient, cutoff)
	if err != nil {
		return nil, fmt.Errorf("query peep history: %w", err)
	}
	defer rows.Close()

	var points []HistoryPoint
	for rows.Next() {
		var p HistoryPoint
		if err := rows.Scan(&p.RecordTime, &p.AvgCurrentPEEP, &p.AvgRecommendedPEEP); err != nil {
			return nil, fmt.Errorf("scan peep history row: %w", err)
		}
		points = append(points, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate peep history: %w", err)
	}
	return points, nil
}
