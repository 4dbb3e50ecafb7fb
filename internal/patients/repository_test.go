package patients

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestListReturnsSummaries(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	rows := sqlmock.NewRows([]string{"patient_id", "name"}).
		AddRow("1", "Ada Lovelace").
		AddRow("2", "Grace Hopper")
	mock.ExpectQuery("SELECT patient_id, name FROM patient_info").WillReturnRows(rows)

	repo := New(db)
	out, err := repo.List(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(out) != 2 || out[1].Name != "Grace Hopper" {
		t.Fatalf("unexpected summaries: %+v", out)
	}
}

func TestGetReturnsNotFoundForMissingPatient(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("SELECT patient_id, name, age").
		WithArgs("999").
		WillReturnRows(sqlmock.NewRows([]string{
			"patient_id", "name", "age", "gender", "admission_date", "ethnicity",
			"marital_status", "birth_date", "admission_count", "notes",
		}))

	repo := New(db)
	_, err = repo.Get(context.Background(), "999")
	if err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateReturnsNotFoundWhenNoRowsAffected(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("UPDATE patient_info").WillReturnResult(sqlmock.NewResult(0, 0))

	repo := New(db)
	err = repo.Update(context.Background(), Record{PatientID: "999", AdmissionDate: time.Now(), BirthDate: time.Now()})
	if err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
