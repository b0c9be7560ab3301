package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dnldd/candlekeep/shared"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

// SQLiteConfig is the configuration for the embedded sqlite store.
type SQLiteConfig struct {
	// Path is the database file path, ":memory:" keeps the database in process.
	Path string
	// Location is the location returned candle and tick times are converted to.
	Location *time.Location
	// Logger is the database logger.
	Logger *zerolog.Logger
}

// Validate asserts the config sane inputs.
func (cfg *SQLiteConfig) Validate() error {
	var errs error

	if cfg.Path == "" {
		errs = errors.Join(errs, fmt.Errorf("sqlite path cannot be an empty string"))
	}
	if cfg.Location == nil {
		errs = errors.Join(errs, fmt.Errorf("location cannot be nil"))
	}
	if cfg.Logger == nil {
		errs = errors.Join(errs, fmt.Errorf("logger cannot be nil"))
	}

	return errs
}

// SQLite is an embedded candle store.
type SQLite struct {
	cfg *SQLiteConfig
	db  *sql.DB
}

// Ensure the sqlite store implements the CandleStore interface.
var _ shared.CandleStore = (*SQLite)(nil)

// NewSQLite opens the sqlite database at the configured path and bootstraps its tables.
func NewSQLite(ctx context.Context, cfg *SQLiteConfig) (*SQLite, error) {
	err := cfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("validating sqlite config: %w", err)
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}

	// sqlite serializes writers, a single connection also keeps in-memory databases shared.
	db.SetMaxOpenConns(1)

	err = db.PingContext(ctx)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging sqlite database: %w", err)
	}

	store := &SQLite{cfg: cfg, db: db}
	err = store.bootstrap(ctx)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("bootstrapping sqlite database: %w", err)
	}

	return store, nil
}

// bootstrap initializes the database.
func (s *SQLite) bootstrap(ctx context.Context) error {
	if s.cfg.Path != ":memory:" {
		_, err := s.db.ExecContext(ctx, "PRAGMA journal_mode = WAL;")
		if err != nil {
			s.cfg.Logger.Warn().Msgf("setting wal mode: %v", err)
		}
	}

	for _, stmt := range []string{createCandleTableSQL, createTickTableSQL, createTickIndexSQL} {
		_, err := s.db.ExecContext(ctx, stmt)
		if err != nil {
			return err
		}
	}

	return nil
}

// StoreCandle upserts the provided candle keyed by symbol, timeframe and start.
func (s *SQLite) StoreCandle(ctx context.Context, candle *shared.Candle) error {
	_, err := s.db.ExecContext(ctx, upsertCandleSQL, candleParams(candle)...)
	if err != nil {
		return fmt.Errorf("storing %s %s candle: %w", candle.Symbol, candle.Timeframe.String(), err)
	}

	return nil
}

// StoreCandles upserts the provided candles in a single transaction.
func (s *SQLite) StoreCandles(ctx context.Context, candles []shared.Candle) error {
	if len(candles) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, upsertCandleSQL)
	if err != nil {
		return fmt.Errorf("preparing candle upsert: %w", err)
	}
	defer stmt.Close()

	for idx := range candles {
		_, err := stmt.ExecContext(ctx, candleParams(&candles[idx])...)
		if err != nil {
			return fmt.Errorf("storing %s %s candle: %w", candles[idx].Symbol,
				candles[idx].Timeframe.String(), err)
		}
	}

	return tx.Commit()
}

// GetCandles returns the candles matching the query, ascending by start.
func (s *SQLite) GetCandles(ctx context.Context, query shared.CandleQuery) ([]shared.Candle, error) {
	rows, err := s.db.QueryContext(ctx, findCandlesSQL, queryParams(query)...)
	if err != nil {
		return nil, fmt.Errorf("querying %s %s candles: %w", query.Symbol, query.Timeframe.String(), err)
	}
	defer rows.Close()

	var candles []shared.Candle
	for rows.Next() {
		var candle shared.Candle
		var timeframe string
		var start, end int64

		err := rows.Scan(&candle.Symbol, &timeframe, &start, &end, &candle.Open, &candle.High,
			&candle.Low, &candle.Close, &candle.Volume, &candle.TickCount)
		if err != nil {
			return nil, fmt.Errorf("scanning candle row: %w", err)
		}

		candle.Timeframe, err = shared.ParseTimeframe(timeframe)
		if err != nil {
			return nil, err
		}
		candle.Start = fromMilli(start, s.cfg.Location)
		candle.End = fromMilli(end, s.cfg.Location)
		candles = append(candles, candle)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("iterating candle rows: %w", err)
	}

	reverse(candles)

	return candles, nil
}

// StoreTick persists the provided tick.
func (s *SQLite) StoreTick(ctx context.Context, tick *shared.Tick) error {
	_, err := s.db.ExecContext(ctx, insertTickSQL, tickParams(tick)...)
	if err != nil {
		return fmt.Errorf("storing %s tick: %w", tick.Symbol, err)
	}

	return nil
}

// LatestTicks returns the most recent tick of each provided symbol.
func (s *SQLite) LatestTicks(ctx context.Context, symbols []string) (map[string]shared.Tick, error) {
	latest := make(map[string]shared.Tick, len(symbols))
	for _, symbol := range symbols {
		var tick shared.Tick
		var ts int64
		var quantity, cumulativeVolume sql.NullFloat64
		var sequence sql.NullInt64

		err := s.db.QueryRowContext(ctx, findLatestTickSQL, symbol).Scan(&tick.Symbol, &tick.Exchange,
			&ts, &tick.Price, &quantity, &cumulativeVolume, &sequence)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("querying latest %s tick: %w", symbol, err)
		}

		tick.Timestamp = fromMilli(ts, s.cfg.Location)
		if quantity.Valid {
			tick.WithQuantity(quantity.Float64)
		}
		if cumulativeVolume.Valid {
			tick.WithCumulativeVolume(cumulativeVolume.Float64)
		}
		if sequence.Valid {
			tick.WithSequence(sequence.Int64)
		}

		latest[symbol] = tick
	}

	return latest, nil
}

// Close releases the store's resources.
func (s *SQLite) Close() error {
	return s.db.Close()
}
