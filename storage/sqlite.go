package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"optionflow/logger"
	"optionflow/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS option_data (
    id                INTEGER PRIMARY KEY AUTOINCREMENT,
    instrument_name   TEXT NOT NULL,
    price             REAL,
    volatility        REAL,
    delta             REAL,
    observed_at       TIMESTAMP NOT NULL,
    created_at        TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_instrument_observed
    ON option_data (instrument_name, observed_at);
`

// Store persists option records in a local SQLite database.
type Store struct {
	db  *sqlx.DB
	log *logger.Log
}

// Open connects to the SQLite file at path, creating the schema when
// missing.
func Open(path string) (*Store, error) {
	db, err := sqlx.Connect("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite database %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	store := &Store{db: db, log: logger.GetLogger()}
	store.log.WithComponent("storage").WithFields(logger.Fields{"path": path}).Info("sqlite store ready")
	return store, nil
}

// Insert writes a single record. CreatedAt is stamped here when the
// caller left it zero.
func (s *Store) Insert(ctx context.Context, record *models.OptionRecord) error {
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO option_data (instrument_name, price, volatility, delta, observed_at, created_at)
		VALUES (:instrument_name, :price, :volatility, :delta, :observed_at, :created_at)`,
		record)
	if err != nil {
		return fmt.Errorf("insert option record: %w", err)
	}
	return nil
}

// History returns the records for one instrument observed within the
// window ending now, newest first.
func (s *Store) History(ctx context.Context, instrument string, window time.Duration) ([]models.OptionRecord, error) {
	since := time.Now().UTC().Add(-window)
	var records []models.OptionRecord
	err := s.db.SelectContext(ctx, &records, `
		SELECT id, instrument_name, price, volatility, delta, observed_at, created_at
		FROM option_data
		WHERE instrument_name = ? AND observed_at >= ?
		ORDER BY observed_at DESC`,
		instrument, since)
	if err != nil {
		return nil, fmt.Errorf("query history for %s: %w", instrument, err)
	}
	return records, nil
}

// Recent returns the latest stored records across all instruments.
func (s *Store) Recent(ctx context.Context, limit int) ([]models.OptionRecord, error) {
	var records []models.OptionRecord
	err := s.db.SelectContext(ctx, &records, `
		SELECT id, instrument_name, price, volatility, delta, observed_at, created_at
		FROM option_data
		ORDER BY created_at DESC, id DESC
		LIMIT ?`,
		limit)
	if err != nil {
		return nil, fmt.Errorf("query recent records: %w", err)
	}
	return records, nil
}

// Stats summarizes the table contents.
func (s *Store) Stats(ctx context.Context) (*models.Stats, error) {
	stats := &models.Stats{}

	if err := s.db.GetContext(ctx, &stats.TotalRecords,
		`SELECT COUNT(*) FROM option_data`); err != nil {
		return nil, fmt.Errorf("count records: %w", err)
	}
	if err := s.db.GetContext(ctx, &stats.UniqueInstruments,
		`SELECT COUNT(DISTINCT instrument_name) FROM option_data`); err != nil {
		return nil, fmt.Errorf("count instruments: %w", err)
	}

	var latest time.Time
	err := s.db.GetContext(ctx, &latest,
		`SELECT observed_at FROM option_data ORDER BY observed_at DESC LIMIT 1`)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// Empty table, no latest observation.
	case err != nil:
		return nil, fmt.Errorf("latest observation: %w", err)
	default:
		stats.LatestObservedAt = &latest
	}

	return stats, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
