package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"opstracker/backend/internal/domain"
)

// SQLiteRateStore is a file-backed persistent rate tier for deployments
// without postgres. Rows are written once and never expire.
type SQLiteRateStore struct {
	db *sql.DB
}

// NewSQLiteRateStore opens (creating if needed) the cache file at path.
// Use ":memory:" for a throwaway database.
func NewSQLiteRateStore(path string) (*SQLiteRateStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open rate cache: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteRateStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate rate cache: %w", err)
	}
	return s, nil
}

func (s *SQLiteRateStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteRateStore) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS cached_rates (
		rate_date TEXT NOT NULL,
		from_ccy TEXT NOT NULL,
		to_ccy TEXT NOT NULL,
		rate TEXT NOT NULL,
		created_at TEXT NOT NULL,
		PRIMARY KEY (rate_date, from_ccy, to_ccy)
	);`)
	return err
}

func (s *SQLiteRateStore) GetCachedRate(ctx context.Context, date time.Time, from, to string) (decimal.Decimal, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT rate FROM cached_rates WHERE rate_date = ? AND from_ccy = ? AND to_ccy = ?`,
		date.UTC().Format(domain.DateLayout), strings.ToUpper(from), strings.ToUpper(to),
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, err
	}
	rate, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("corrupt cached rate %q: %w", raw, err)
	}
	return rate, true, nil
}

func (s *SQLiteRateStore) PutCachedRate(ctx context.Context, rate domain.CachedRate) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cached_rates (rate_date, from_ccy, to_ccy, rate, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (rate_date, from_ccy, to_ccy) DO UPDATE SET rate = excluded.rate`,
		rate.Date.UTC().Format(domain.DateLayout),
		strings.ToUpper(rate.From),
		strings.ToUpper(rate.To),
		rate.Rate.String(),
		time.Now().UTC().Format(time.RFC3339),
	)
	return err
}
