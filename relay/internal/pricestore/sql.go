package pricestore

import (
	"context"
	"database/sql"

	"go_tradernet/relay/pkg/types"

	_ "github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

// Dialect selects the SQL flavour of an SQLStore.
type Dialect string

const (
	DialectSQLite Dialect = "sqlite"
	DialectMySQL  Dialect = "mysql"
)

const createTable = `
	CREATE TABLE IF NOT EXISTS prices (
		symbol VARCHAR(64) NOT NULL PRIMARY KEY,
		price DOUBLE NOT NULL,
		prev_price DOUBLE NOT NULL,
		updated_at BIGINT NOT NULL,
		is_live BOOLEAN NOT NULL,
		trend VARCHAR(8) NOT NULL
	)`

const selectColumns = `SELECT symbol, price, prev_price, updated_at, is_live, trend FROM prices`

var upserts = map[Dialect]string{
	DialectSQLite: `
		INSERT INTO prices (symbol, price, prev_price, updated_at, is_live, trend)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(symbol) DO UPDATE SET
		price = excluded.price,
		prev_price = excluded.prev_price,
		updated_at = excluded.updated_at,
		is_live = excluded.is_live,
		trend = excluded.trend`,
	DialectMySQL: `
		INSERT INTO prices (symbol, price, prev_price, updated_at, is_live, trend)
		VALUES (?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
		price = VALUES(price),
		prev_price = VALUES(prev_price),
		updated_at = VALUES(updated_at),
		is_live = VALUES(is_live),
		trend = VALUES(trend)`,
}

// SQLStore keeps records in a single prices table.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	upsert  string
}

// NewSQLStore wraps an open database and creates the prices table if needed.
func NewSQLStore(ctx context.Context, db *sql.DB, dialect Dialect) (*SQLStore, error) {
	upsert, ok := upserts[dialect]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownDriver, "dialect %q", dialect)
	}

	if dialect == DialectSQLite {
		// SQLite allows a single writer.
		db.SetMaxOpenConns(1)
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = WAL"); err != nil {
			return nil, errors.Wrap(err, "failed to set WAL mode")
		}
	}

	if _, err := db.ExecContext(ctx, createTable); err != nil {
		return nil, errors.Wrap(err, "failed to create prices table")
	}

	return &SQLStore{db: db, dialect: dialect, upsert: upsert}, nil
}

// OpenSQLite opens (or creates) a SQLite database file.
func OpenSQLite(ctx context.Context, path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open sqlite")
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to ping sqlite")
	}

	store, err := NewSQLStore(ctx, db, DialectSQLite)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLStore) Get(ctx context.Context, symbol string) (Record, bool, error) {
	var rec Record
	var trend string
	err := s.db.QueryRowContext(ctx, selectColumns+` WHERE symbol = ?`, symbol).Scan(
		&rec.Symbol, &rec.Price, &rec.PrevPrice, &rec.Timestamp, &rec.IsLive, &trend,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, false, nil
		}
		return Record{}, false, errors.Wrap(err, "failed to get price")
	}
	rec.Trend = types.Trend(trend)
	return rec, true, nil
}

func (s *SQLStore) Put(ctx context.Context, rec Record) error {
	_, err := s.db.ExecContext(ctx, s.upsert,
		rec.Symbol, rec.Price, rec.PrevPrice, rec.Timestamp, rec.IsLive, string(rec.Trend),
	)
	if err != nil {
		return errors.Wrap(err, "failed to upsert price")
	}
	return nil
}

// PutBatch writes all records in one transaction.
func (s *SQLStore) PutBatch(ctx context.Context, recs []Record) error {
	if len(recs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, s.upsert)
	if err != nil {
		return errors.Wrap(err, "failed to prepare upsert")
	}
	defer stmt.Close()

	for _, rec := range recs {
		if _, err := stmt.ExecContext(ctx,
			rec.Symbol, rec.Price, rec.PrevPrice, rec.Timestamp, rec.IsLive, string(rec.Trend),
		); err != nil {
			return errors.Wrapf(err, "failed to upsert price for %s", rec.Symbol)
		}
	}

	return errors.Wrap(tx.Commit(), "failed to commit prices")
}

// All returns every record ordered by symbol.
func (s *SQLStore) All(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+` ORDER BY symbol`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list prices")
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var trend string
		if err := rows.Scan(
			&rec.Symbol, &rec.Price, &rec.PrevPrice, &rec.Timestamp, &rec.IsLive, &trend,
		); err != nil {
			return nil, errors.Wrap(err, "failed to scan price")
		}
		rec.Trend = types.Trend(trend)
		out = append(out, rec)
	}
	return out, errors.Wrap(rows.Err(), "failed to iterate prices")
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
