package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/example/trip-dispatch/internal/models"
)

func newMock(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock init error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewPostgresStoreFromDB(db), mock
}

func TestPostgresSaveCompletedTripAccruesDebt(t *testing.T) {
	p, mock := newMock(t)
	tr := completedTrip("t1", "c1", "d1", 3.00, 0.75, time.Now())
	tr.Driver = &models.DriverSnapshot{DriverID: "d1", Name: "Ana"}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO trips").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO driver_debts").WithArgs("d1", 0.75, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := p.SaveTrip(context.Background(), tr); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresSaveTripReplayDoesNotAccrue(t *testing.T) {
	p, mock := newMock(t)
	tr := completedTrip("t1", "c1", "d1", 3.00, 0.75, time.Now())

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO trips").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	if err := p.SaveTrip(context.Background(), tr); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresSaveTripRollsBackOnDebtFailure(t *testing.T) {
	p, mock := newMock(t)
	tr := completedTrip("t1", "c1", "d1", 3.00, 0.75, time.Now())

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO trips").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO driver_debts").WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	if err := p.SaveTrip(context.Background(), tr); err == nil {
		t.Fatal("expected error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresSaveRating(t *testing.T) {
	cases := []struct {
		name    string
		current any
		rows    bool
		want    error
	}{
		{name: "already rated", current: int64(4), rows: true, want: models.ErrAlreadyRated},
		{name: "unknown trip", rows: false, want: models.ErrUnknownTrip},
		{name: "not completed", current: nil, rows: true, want: models.ErrInvalidTransition},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			p, mock := newMock(t)
			mock.ExpectExec("UPDATE trips SET rating").WithArgs("t1", 5, "ok").
				WillReturnResult(sqlmock.NewResult(0, 0))
			rows := sqlmock.NewRows([]string{"rating", "phase"})
			if c.rows {
				rows.AddRow(c.current, "CANCELLED")
			}
			mock.ExpectQuery("SELECT rating, phase FROM trips").WithArgs("t1").WillReturnRows(rows)

			err := p.SaveRating(context.Background(), "t1", 5, "ok")
			if !errors.Is(err, c.want) {
				t.Fatalf("expected %v, got %v", c.want, err)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Fatalf("unmet expectations: %v", err)
			}
		})
	}
}

func TestPostgresSaveRatingFirstTime(t *testing.T) {
	p, mock := newMock(t)
	mock.ExpectExec("UPDATE trips SET rating").WithArgs("t1", 5, "").
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := p.SaveRating(context.Background(), "t1", 5, ""); err != nil {
		t.Fatalf("rate: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresHistory(t *testing.T) {
	p, mock := newMock(t)
	cols := []string{"id", "client_id", "driver_id", "phase", "origin", "destination", "vehicle_type", "price",
		"payment_method", "commission", "rating", "comment", "cancelled_by", "driver", "transitions"}
	mock.ExpectQuery("SELECT id, client_id").WithArgs("u1", historyLimit).WillReturnRows(
		sqlmock.NewRows(cols).
			AddRow("t2", "c9", "u1", "COMPLETED", "A", "B", "carro", 3.0, "efectivo", 0.75, int64(5), "bien", "",
				[]byte(`{"driver_id":"u1","name":"Ana"}`), []byte(`{"REQUESTED":"2026-03-01T09:00:00Z"}`)).
			AddRow("t1", "u1", "", "EXPIRED", "A", "B", "moto", 1.5, "efectivo", 0.0, nil, "", "",
				nil, []byte(`{}`)),
	)

	got, err := p.History(context.Background(), "u1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 trips, got %d", len(got))
	}
	if got[0].Driver == nil || got[0].Driver.Name != "Ana" || *got[0].Rating != 5 {
		t.Fatalf("unexpected first trip %+v", got[0])
	}
	if got[0].At(models.PhaseRequested).IsZero() {
		t.Fatal("transitions not decoded")
	}
	if got[1].Rating != nil || got[1].Phase != models.PhaseExpired {
		t.Fatalf("unexpected second trip %+v", got[1])
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresDebt(t *testing.T) {
	p, mock := newMock(t)
	mock.ExpectQuery("SELECT amount FROM driver_debts").WithArgs("d1").
		WillReturnRows(sqlmock.NewRows([]string{"amount"}).AddRow(2.25))
	mock.ExpectQuery("SELECT amount FROM driver_debts").WithArgs("d2").
		WillReturnRows(sqlmock.NewRows([]string{"amount"}))

	if got, err := p.Debt(context.Background(), "d1"); err != nil || got != 2.25 {
		t.Fatalf("expected 2.25, got %v %v", got, err)
	}
	if got, err := p.Debt(context.Background(), "d2"); err != nil || got != 0 {
		t.Fatalf("expected 0 for unknown driver, got %v %v", got, err)
	}
}

func TestPostgresMigrateAppliesInOrder(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "002_b.sql"), []byte("CREATE TABLE b (id int)"), 0o644)
	os.WriteFile(filepath.Join(dir, "001_a.sql"), []byte("CREATE TABLE a (id int)"), 0o644)

	p, mock := newMock(t)
	mock.ExpectExec("CREATE TABLE a").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE b").WillReturnResult(sqlmock.NewResult(0, 0))

	applied, err := p.Migrate(context.Background(), dir)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if len(applied) != 2 || applied[0] != "001_a.sql" {
		t.Fatalf("unexpected applied list %v", applied)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
