package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/rider-relay/internal/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS rider_location_trail (
	id          BIGSERIAL PRIMARY KEY,
	rider_id    TEXT             NOT NULL,
	order_id    TEXT,
	lat         DOUBLE PRECISION NOT NULL,
	lng         DOUBLE PRECISION NOT NULL,
	sample_ts   BIGINT           NOT NULL,
	received_at TIMESTAMPTZ      NOT NULL,
	UNIQUE (rider_id, sample_ts)
);
CREATE INDEX IF NOT EXISTS rider_location_trail_rider_ts ON rider_location_trail (rider_id, sample_ts DESC);
`

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate trail schema: %w", err)
	}
	return nil
}

// AppendPoint is idempotent per (rider, timestamp) so redelivered messages
// do not duplicate points.
func (p *PostgresStore) AppendPoint(ctx context.Context, s models.LocationSample) error {
	var orderID sql.NullString
	if s.OrderID != "" {
		orderID = sql.NullString{String: s.OrderID, Valid: true}
	}
	receivedAt := s.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now()
	}
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO rider_location_trail(rider_id, order_id, lat, lng, sample_ts, received_at) VALUES($1,$2,$3,$4,$5,$6) ON CONFLICT (rider_id, sample_ts) DO NOTHING`,
		s.RiderID, orderID, s.Lat, s.Lng, s.Timestamp, receivedAt)
	return err
}

func (p *PostgresStore) Trail(ctx context.Context, riderID string, limit int) ([]models.LocationSample, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT rider_id, order_id, lat, lng, sample_ts, received_at FROM rider_location_trail WHERE rider_id=$1 ORDER BY sample_ts DESC LIMIT $2`,
		riderID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.LocationSample
	for rows.Next() {
		var (
			s       models.LocationSample
			orderID sql.NullString
		)
		if err := rows.Scan(&s.RiderID, &orderID, &s.Lat, &s.Lng, &s.Timestamp, &s.ReceivedAt); err != nil {
			return nil, err
		}
		s.OrderID = orderID.String
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Close() error { return p.db.Close() }
