package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/trip-dispatch/internal/models"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)
	// quick ping
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate applies every .sql file in dir in name order. The scripts are
// expected to be idempotent.
func (p *PostgresStore) Migrate(ctx context.Context, dir string) ([]string, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*.sql"))
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	applied := make([]string, 0, len(files))
	for _, f := range files {
		b, err := os.ReadFile(f)
		if err != nil {
			return applied, fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := p.db.ExecContext(ctx, string(b)); err != nil {
			return applied, fmt.Errorf("apply migration %s: %w", filepath.Base(f), err)
		}
		applied = append(applied, filepath.Base(f))
	}
	return applied, nil
}

const insertTrip = `INSERT INTO trips(id, client_id, driver_id, phase, origin, destination, vehicle_type, price, payment_method, commission, rating, comment, cancelled_by, driver, transitions, created_at, finished_at)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
ON CONFLICT (id) DO NOTHING`

const accrueDebt = `INSERT INTO driver_debts(driver_id, amount, updated_at) VALUES($1,$2,$3)
ON CONFLICT (driver_id) DO UPDATE SET amount = driver_debts.amount + EXCLUDED.amount, updated_at = EXCLUDED.updated_at`

func (p *PostgresStore) SaveTrip(ctx context.Context, t *models.Trip) error {
	transitions, err := json.Marshal(t.Transitions)
	if err != nil {
		return err
	}
	// jsonb parameters go as text; lib/pq would encode []byte as bytea
	var driver sql.NullString
	if t.Driver != nil {
		b, err := json.Marshal(t.Driver)
		if err != nil {
			return err
		}
		driver = sql.NullString{String: string(b), Valid: true}
	}
	var rating sql.NullInt64
	if t.Rating != nil {
		rating = sql.NullInt64{Int64: int64(*t.Rating), Valid: true}
	}
	finished := t.At(t.Phase)
	if finished.IsZero() {
		finished = time.Now()
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, insertTrip,
		t.ID, t.ClientID, t.DriverID, string(t.Phase), t.Request.Origin, t.Request.Destination, t.Request.VehicleType,
		t.Price, t.PaymentMethod, t.Commission, rating, t.Comment, t.CancelledBy, driver, string(transitions),
		t.At(models.PhaseRequested), finished)
	if err != nil {
		return fmt.Errorf("insert trip %s: %w", t.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 && t.Phase == models.PhaseCompleted && t.DriverID != "" && t.Commission > 0 {
		if _, err := tx.ExecContext(ctx, accrueDebt, t.DriverID, t.Commission, finished); err != nil {
			return fmt.Errorf("accrue debt %s: %w", t.DriverID, err)
		}
	}
	return tx.Commit()
}

func (p *PostgresStore) SaveRating(ctx context.Context, tripID string, stars int, comment string) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE trips SET rating=$2, comment=$3 WHERE id=$1 AND rating IS NULL AND phase='COMPLETED'`,
		tripID, stars, comment)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil || n == 1 {
		return err
	}

	var (
		current sql.NullInt64
		phase   string
	)
	err = p.db.QueryRowContext(ctx, `SELECT rating, phase FROM trips WHERE id=$1`, tripID).Scan(&current, &phase)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("rating %s: %w", tripID, models.ErrUnknownTrip)
	case err != nil:
		return err
	case current.Valid:
		return fmt.Errorf("rating %s: %w", tripID, models.ErrAlreadyRated)
	default:
		return fmt.Errorf("rating %s in %s: %w", tripID, phase, models.ErrInvalidTransition)
	}
}

const selectHistory = `SELECT id, client_id, driver_id, phase, origin, destination, vehicle_type, price, payment_method, commission, rating, comment, cancelled_by, driver, transitions
FROM trips WHERE client_id=$1 OR driver_id=$1 ORDER BY created_at DESC LIMIT $2`

func (p *PostgresStore) History(ctx context.Context, userID string) ([]models.Trip, error) {
	rows, err := p.db.QueryContext(ctx, selectHistory, userID, historyLimit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]models.Trip, 0)
	for rows.Next() {
		var (
			t                   models.Trip
			phase               string
			rating              sql.NullInt64
			driver, transitions []byte
		)
		if err := rows.Scan(&t.ID, &t.ClientID, &t.DriverID, &phase, &t.Request.Origin, &t.Request.Destination,
			&t.Request.VehicleType, &t.Price, &t.PaymentMethod, &t.Commission, &rating, &t.Comment, &t.CancelledBy,
			&driver, &transitions); err != nil {
			return nil, err
		}
		t.Phase = models.Phase(phase)
		t.Request.ClientID = t.ClientID
		t.Request.Price = t.Price
		t.Request.PaymentMethod = t.PaymentMethod
		if rating.Valid {
			r := int(rating.Int64)
			t.Rating = &r
		}
		if len(driver) > 0 {
			var d models.DriverSnapshot
			if err := json.Unmarshal(driver, &d); err == nil {
				t.Driver = &d
			}
		}
		t.Transitions = map[models.Phase]time.Time{}
		if len(transitions) > 0 {
			_ = json.Unmarshal(transitions, &t.Transitions)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Debt(ctx context.Context, driverID string) (float64, error) {
	var amount float64
	err := p.db.QueryRowContext(ctx, `SELECT amount FROM driver_debts WHERE driver_id=$1`, driverID).Scan(&amount)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return math.Round(amount*100) / 100, nil
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func (p *PostgresStore) Close() error {
	return p.db.Close()
}
