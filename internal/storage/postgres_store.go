package storage

import (
	"database/sql"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/ride-stream/internal/models"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) SaveTrip(t *models.Trip) error {
	var driverID sql.NullString
	if t.Driver != nil {
		driverID = sql.NullString{String: t.Driver.ID, Valid: true}
	}
	_, err := p.db.Exec(`INSERT INTO trips(id, user_id, status, fare_id, package_slug, total_price_cents, driver_id, created_at, updated_at) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		t.ID, t.UserID, t.Status, t.SelectedFare.ID, t.SelectedFare.PackageSlug, t.SelectedFare.TotalPriceInCents, driverID, time.Now(), time.Now())
	return err
}

func (p *PostgresStore) UpdateTrip(t *models.Trip) error {
	var driverID sql.NullString
	if t.Driver != nil {
		driverID = sql.NullString{String: t.Driver.ID, Valid: true}
	}
	_, err := p.db.Exec(`UPDATE trips SET status=$1, driver_id=$2, updated_at=$3 WHERE id=$4`,
		t.Status, driverID, time.Now(), t.ID)
	return err
}
