package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

//go:embed migrations/*.sql
var migrations embed.FS

const rideColumns = `id, rider_id, driver_id, origin_lat, origin_lon, dest_lat, dest_lon,
       status, estimated_fare, estimated_time_seconds, created_at, updated_at`

const uniqueViolation = "23505"

type PostgresStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, models.Unavailable("postgres ping", err)
	}
	return NewPostgresStoreFromDB(db), nil
}

func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, now: time.Now}
}

// Migrate applies the embedded schema. Statements are idempotent.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	b, err := migrations.ReadFile("migrations/001_init.sql")
	if err != nil {
		return err
	}
	if _, err := p.db.ExecContext(ctx, string(b)); err != nil {
		return fmt.Errorf("apply 001_init.sql: %w", err)
	}
	return nil
}

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) CreateRide(ctx context.Context, r *models.Ride) error {
	var driverID sql.NullString
	if r.DriverID != "" {
		driverID = sql.NullString{String: r.DriverID, Valid: true}
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO rides (id, rider_id, driver_id, origin_lat, origin_lon, dest_lat, dest_lon,
		                   status, estimated_fare, estimated_time_seconds, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		r.ID, r.RiderID, driverID, r.Origin.Lat, r.Origin.Lon, r.Destination.Lat, r.Destination.Lon,
		string(r.Status), r.EstimatedFare, r.EstimatedTimeSec, r.CreatedAt, r.UpdatedAt)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return fmt.Errorf("ride %s already exists: %w", r.ID, models.ErrConflict)
	}
	if err != nil {
		return models.Unavailable("insert ride", err)
	}
	return nil
}

func (p *PostgresStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE id = $1`, id)
	r, err := scanRide(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrRideNotFound
	}
	if err != nil {
		return nil, models.Unavailable("select ride", err)
	}
	return r, nil
}

func (p *PostgresStore) ListRidesByStatus(ctx context.Context, status models.RideStatus, limit int) ([]*models.Ride, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+rideColumns+` FROM rides WHERE status = $1 ORDER BY created_at LIMIT $2`,
		string(status), limit)
	if err != nil {
		return nil, models.Unavailable("list rides", err)
	}
	defer rows.Close()
	out := make([]*models.Ride, 0)
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, models.Unavailable("scan ride", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, models.Unavailable("list rides", err)
	}
	return out, nil
}

func (p *PostgresStore) GetDriverProfile(ctx context.Context, driverID string) (*models.DriverProfile, error) {
	var (
		prof       models.DriverProfile
		plate, car sql.NullString
		lat, lon   sql.NullFloat64
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT driver_id, is_available, license_plate, car_model, current_lat, current_lon, updated_at
		FROM driver_profiles WHERE driver_id = $1`, driverID).
		Scan(&prof.DriverID, &prof.Available, &plate, &car, &lat, &lon, &prof.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrDriverProfileNotFound
	}
	if err != nil {
		return nil, models.Unavailable("select driver profile", err)
	}
	prof.LicensePlate = plate.String
	prof.CarModel = car.String
	if lat.Valid && lon.Valid {
		prof.LastLocation = &models.Coord{Lat: lat.Float64, Lon: lon.Float64}
	}
	return &prof, nil
}

// SaveDriverProfile upserts in a single statement. The SELECT yields no row
// when the driver is being marked available while an active ride still
// references them, so nothing is written and RowsAffected is zero.
func (p *PostgresStore) SaveDriverProfile(ctx context.Context, prof *models.DriverProfile) error {
	var lat, lon sql.NullFloat64
	if prof.LastLocation != nil {
		lat = sql.NullFloat64{Float64: prof.LastLocation.Lat, Valid: true}
		lon = sql.NullFloat64{Float64: prof.LastLocation.Lon, Valid: true}
	}
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO driver_profiles (driver_id, is_available, license_plate, car_model, current_lat, current_lon, updated_at)
		SELECT $1::text, $2::boolean, $3::text, $4::text, $5::double precision, $6::double precision, $7::timestamptz
		WHERE NOT ($2::boolean AND EXISTS (
		    SELECT 1 FROM rides WHERE driver_id = $1::text AND status IN ('matched', 'in_progress')))
		ON CONFLICT (driver_id) DO UPDATE
		SET is_available = EXCLUDED.is_available,
		    license_plate = EXCLUDED.license_plate,
		    car_model = EXCLUDED.car_model,
		    current_lat = EXCLUDED.current_lat,
		    current_lon = EXCLUDED.current_lon,
		    updated_at = EXCLUDED.updated_at`,
		prof.DriverID, prof.Available, nullString(prof.LicensePlate), nullString(prof.CarModel), lat, lon, p.now())
	if err != nil {
		return models.Unavailable("upsert driver profile", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return models.Unavailable("upsert driver profile", err)
	}
	if n == 0 {
		return fmt.Errorf("driver %s: %w", prof.DriverID, ErrDriverEngaged)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// CommitMatch flips the ride to matched and the driver to unavailable in one
// transaction. Each UPDATE carries its own precondition so a concurrent
// writer makes RowsAffected zero instead of overwriting.
func (p *PostgresStore) CommitMatch(ctx context.Context, rideID, driverID string) (_ *models.Ride, err error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, models.Unavailable("begin", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	now := p.now()
	row := tx.QueryRowContext(ctx, `
		UPDATE rides SET status = $1, driver_id = $2, updated_at = $3
		WHERE id = $4 AND status = $5
		RETURNING `+rideColumns,
		string(models.StatusMatched), driverID, now, rideID, string(models.StatusRequested))
	ride, err := scanRide(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("ride %s: %w", rideID, ErrRideStateChanged)
	}
	if err != nil {
		return nil, models.Unavailable("update ride", err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE driver_profiles SET is_available = FALSE, updated_at = $1
		WHERE driver_id = $2 AND is_available`, now, driverID)
	if err != nil {
		return nil, models.Unavailable("update driver", err)
	}
	if n, rerr := res.RowsAffected(); rerr != nil || n != 1 {
		return nil, fmt.Errorf("driver %s: %w", driverID, ErrDriverTaken)
	}

	if err := tx.Commit(); err != nil {
		return nil, models.Unavailable("commit", err)
	}
	return ride, nil
}

func (p *PostgresStore) TransitionRide(ctx context.Context, rideID string, from, to models.RideStatus) (_ *models.Ride, err error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, models.Unavailable("begin", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	ride, err := scanRide(tx.QueryRowContext(ctx,
		`SELECT `+rideColumns+` FROM rides WHERE id = $1 FOR UPDATE`, rideID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrRideNotFound
	}
	if err != nil {
		return nil, models.Unavailable("select ride", err)
	}
	if ride.Status != from {
		return nil, fmt.Errorf("ride %s is %s, not %s: %w", rideID, ride.Status, from, ErrRideStateChanged)
	}

	now := p.now()
	freed := ride.DriverID
	if !models.HasDriver(to) {
		ride.DriverID = ""
	}
	var driverID sql.NullString
	if ride.DriverID != "" {
		driverID = sql.NullString{String: ride.DriverID, Valid: true}
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE rides SET status = $1, driver_id = $2, updated_at = $3 WHERE id = $4`,
		string(to), driverID, now, rideID); err != nil {
		return nil, models.Unavailable("update ride", err)
	}
	if freed != "" && models.DriverHeld(from) && !models.DriverHeld(to) {
		if _, err := tx.ExecContext(ctx,
			`UPDATE driver_profiles SET is_available = TRUE, updated_at = $1 WHERE driver_id = $2`,
			now, freed); err != nil {
			return nil, models.Unavailable("release driver", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, models.Unavailable("commit", err)
	}
	ride.Status = to
	ride.UpdatedAt = now
	return ride, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRide(row rowScanner) (*models.Ride, error) {
	var (
		r        models.Ride
		driverID sql.NullString
		status   string
		fare     sql.NullFloat64
		etaSec   sql.NullInt64
	)
	err := row.Scan(&r.ID, &r.RiderID, &driverID,
		&r.Origin.Lat, &r.Origin.Lon, &r.Destination.Lat, &r.Destination.Lon,
		&status, &fare, &etaSec, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.Status = models.RideStatus(status)
	if driverID.Valid {
		r.DriverID = driverID.String
	}
	if fare.Valid {
		v := fare.Float64
		r.EstimatedFare = &v
	}
	if etaSec.Valid {
		v := int(etaSec.Int64)
		r.EstimatedTimeSec = &v
	}
	return &r, nil
}
