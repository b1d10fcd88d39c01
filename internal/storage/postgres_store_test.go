package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

var rideCols = []string{"id", "rider_id", "driver_id", "origin_lat", "origin_lon", "dest_lat", "dest_lon",
	"status", "estimated_fare", "estimated_time_seconds", "created_at", "updated_at"}

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	s := NewPostgresStoreFromDB(db)
	fixed := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }
	return s, mock
}

func TestPostgresCommitMatch(t *testing.T) {
	s, mock := newMockStore(t)
	now := s.now()

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE rides SET status").
		WithArgs("matched", "d1", now, "r1", "requested").
		WillReturnRows(sqlmock.NewRows(rideCols).
			AddRow("r1", "u1", "d1", 37.7749, -122.4194, 37.7849, -122.4094, "matched", nil, nil, now, now))
	mock.ExpectExec("UPDATE driver_profiles SET is_available = FALSE").
		WithArgs(now, "d1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	r, err := s.CommitMatch(context.Background(), "r1", "d1")
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if r.Status != models.StatusMatched || r.DriverID != "d1" {
		t.Fatalf("unexpected ride %+v", r)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestPostgresCommitMatchRollsBackWhenDriverTaken(t *testing.T) {
	s, mock := newMockStore(t)
	now := s.now()

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE rides SET status").
		WillReturnRows(sqlmock.NewRows(rideCols).
			AddRow("r1", "u1", "d1", 0.0, 0.0, 0.0, 0.0, "matched", nil, nil, now, now))
	mock.ExpectExec("UPDATE driver_profiles SET is_available = FALSE").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	_, err := s.CommitMatch(context.Background(), "r1", "d1")
	if !errors.Is(err, ErrDriverTaken) {
		t.Fatalf("expected driver taken, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestPostgresCommitMatchRideNoLongerRequested(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE rides SET status").WillReturnRows(sqlmock.NewRows(rideCols))
	mock.ExpectRollback()

	_, err := s.CommitMatch(context.Background(), "r1", "d1")
	if !errors.Is(err, ErrRideStateChanged) {
		t.Fatalf("expected ride state changed, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestPostgresCommitMatchCommitFailure(t *testing.T) {
	s, mock := newMockStore(t)
	now := s.now()

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE rides SET status").
		WillReturnRows(sqlmock.NewRows(rideCols).
			AddRow("r1", "u1", "d1", 0.0, 0.0, 0.0, 0.0, "matched", nil, nil, now, now))
	mock.ExpectExec("UPDATE driver_profiles").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit().WillReturnError(errors.New("connection reset"))

	_, err := s.CommitMatch(context.Background(), "r1", "d1")
	if !errors.Is(err, models.ErrStoreUnavailable) {
		t.Fatalf("expected store unavailable, got %v", err)
	}
}

func TestPostgresGetRideNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("SELECT (.+) FROM rides WHERE id").
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows(rideCols))

	if _, err := s.GetRide(context.Background(), "nope"); !errors.Is(err, models.ErrRideNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestPostgresGetRideScansOptionalColumns(t *testing.T) {
	s, mock := newMockStore(t)
	now := s.now()
	mock.ExpectQuery("SELECT (.+) FROM rides WHERE id").
		WithArgs("r1").
		WillReturnRows(sqlmock.NewRows(rideCols).
			AddRow("r1", "u1", nil, 1.0, 2.0, 3.0, 4.0, "requested", 12.5, int64(300), now, now))

	r, err := s.GetRide(context.Background(), "r1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if r.DriverID != "" || r.EstimatedFare == nil || *r.EstimatedFare != 12.5 || r.EstimatedTimeSec == nil || *r.EstimatedTimeSec != 300 {
		t.Fatalf("unexpected ride %+v", r)
	}
}

func TestPostgresCreateRideDuplicate(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO rides").WillReturnError(&pq.Error{Code: uniqueViolation})

	err := s.CreateRide(context.Background(), &models.Ride{ID: "r1", Status: models.StatusRequested})
	if !errors.Is(err, models.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestPostgresTransitionCancelFreesDriver(t *testing.T) {
	s, mock := newMockStore(t)
	now := s.now()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM rides WHERE id = \\$1 FOR UPDATE").
		WithArgs("r1").
		WillReturnRows(sqlmock.NewRows(rideCols).
			AddRow("r1", "u1", "d1", 0.0, 0.0, 0.0, 0.0, "matched", nil, nil, now, now))
	mock.ExpectExec("UPDATE rides SET status").
		WithArgs("cancelled", nil, now, "r1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE driver_profiles SET is_available = TRUE").
		WithArgs(now, "d1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	r, err := s.TransitionRide(context.Background(), "r1", models.StatusMatched, models.StatusCancelled)
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if r.Status != models.StatusCancelled || r.DriverID != "" {
		t.Fatalf("unexpected ride %+v", r)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestPostgresTransitionStaleStatus(t *testing.T) {
	s, mock := newMockStore(t)
	now := s.now()

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").
		WillReturnRows(sqlmock.NewRows(rideCols).
			AddRow("r1", "u1", nil, 0.0, 0.0, 0.0, 0.0, "requested", nil, nil, now, now))
	mock.ExpectRollback()

	_, err := s.TransitionRide(context.Background(), "r1", models.StatusMatched, models.StatusInProgress)
	if !errors.Is(err, ErrRideStateChanged) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestPostgresSaveDriverProfile(t *testing.T) {
	s, mock := newMockStore(t)
	now := s.now()
	loc := models.Coord{Lat: 37.7749, Lon: -122.4194}

	mock.ExpectExec("INSERT INTO driver_profiles (.+) WHERE NOT (.+) EXISTS").
		WithArgs("d1", true, "7ABC123", nil, loc.Lat, loc.Lon, now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.SaveDriverProfile(context.Background(), &models.DriverProfile{
		DriverID: "d1", Available: true, LicensePlate: "7ABC123", LastLocation: &loc,
	})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestPostgresSaveDriverProfileRefusedWhileEngaged(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO driver_profiles (.+) status IN \\('matched', 'in_progress'\\)").
		WithArgs("d1", true, nil, nil, nil, nil, s.now()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.SaveDriverProfile(context.Background(), &models.DriverProfile{DriverID: "d1", Available: true})
	if !errors.Is(err, ErrDriverEngaged) {
		t.Fatalf("expected engaged driver, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestPostgresGetDriverProfileScansOptionalColumns(t *testing.T) {
	s, mock := newMockStore(t)
	now := s.now()
	mock.ExpectQuery("SELECT driver_id, is_available, license_plate, car_model").
		WithArgs("d1").
		WillReturnRows(sqlmock.NewRows([]string{"driver_id", "is_available", "license_plate", "car_model", "current_lat", "current_lon", "updated_at"}).
			AddRow("d1", false, "7ABC123", nil, 37.7749, -122.4194, now))

	p, err := s.GetDriverProfile(context.Background(), "d1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if p.LicensePlate != "7ABC123" || p.CarModel != "" || p.LastLocation == nil || p.LastLocation.Lat != 37.7749 {
		t.Fatalf("unexpected profile %+v", p)
	}
}
