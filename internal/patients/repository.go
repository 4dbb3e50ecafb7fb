// Package patients implements the Patient Directory: the read/write
// relational surface behind the HTTP API's /patients routes, grounded on
// the column sets of the original fetch_patients / fetch_patient_by_id /
// update_patient_info queries (spec.md §6 Patient Directory).
package patients

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// Summary is one row of the patient list (fetch_patients' column set).
type Summary struct {
	PatientID string `json:"patient_id"`
	Name      string `json:"name"`
}

// Record is the full patient record (fetch_patient_by_id's column set).
type Record struct {
	PatientID      string    `json:"patient_id"`
	Name           string    `json:"name"`
	Age            int       `json:"age"`
	Gender         string    `json:"gender"`
	AdmissionDate  time.Time `json:"admission_date"`
	Ethnicity      string    `json:"ethnicity"`
	MaritalStatus  string    `json:"marital_status"`
	BirthDate      time.Time `json:"birth_date"`
	AdmissionCount int       `json:"admission_count"`
	Notes          string    `json:"notes"`
}

// Repository is the relational Patient Directory.
type Repository struct {
	db *sql.DB
}

// New wraps an already-opened database/sql handle.
func New(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// List returns every patient's id and name.
func (r *Repository) List(ctx context.Context) ([]Summary, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT patient_id, name FROM patient_info`)
	if err != nil {
		return nil, fmt.Errorf("list patients: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var s Summary
		if err := rows.Scan(&s.PatientID, &s.Name); err != nil {
			return nil, fmt.Errorf("scan patient summary: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ErrNotFound is returned when no patient matches the requested id.
var ErrNotFound = fmt.Errorf("patient not found")

// Get returns the full record for one patient.
func (r *Repository) Get(ctx context.Context, patientID string) (Record, error) {
	const query = `
		SELECT patient_id, name, age, gender, admission_date, ethnicity,
		       marital_status, birth_date, admission_count, notes
		FROM patient_info
		WHERE patient_id = ?`

	var rec Record
	err := r.db.QueryRowContext(ctx, query, patientID).Scan(
		&rec.PatientID, &rec.Name, &rec.Age, &rec.Gender, &rec.AdmissionDate,
		&rec.Ethnicity, &rec.MaritalStatus, &rec.BirthDate, &rec.AdmissionCount, &rec.Notes,
	)
	if err == sql.ErrNoRows {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("get patient %s: %w", patientID, err)
	}
	return rec, nil
}

// Update writes every mutable field of rec, returning ErrNotFound if no row
// matched (mirroring update_patient_info's rowcount check).
func (r *Repository) Update(ctx context.Context, rec Record) error {
	const query = `
		UPDATE patient_info
		SET name = ?, age = ?, gender = ?, admission_date = ?, ethnicity = ?,
		    marital_status = ?, birth_date = ?, admission_count = ?, notes = ?
		WHERE patient_id = ?`

	result, err := r.db.ExecContext(ctx, query,
		rec.Name, rec.Age, rec.Gender, rec.AdmissionDate, rec.Ethnicity,
		rec.MaritalStatus, rec.BirthDate, rec.AdmissionCount, rec.Notes, rec.PatientID,
	)
	if err != nil {
		return fmt.Errorf("update patient %s: %w", rec.PatientID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update patient %s: %w", rec.PatientID, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
