package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/dnldd/candlekeep/shared"
	rqlitehttp "github.com/rqlite/rqlite-go-http"
	"github.com/rs/zerolog"
)

// RQLiteConfig is the configuration for the rqlite store.
type RQLiteConfig struct {
	// Endpoint represents the database connection endpoint.
	Endpoint string
	// User is the database user.
	User string
	// Pass is the database user pass.
	Pass string
	// Location is the location returned candle and tick times are converted to.
	Location *time.Location
	// Logger is the database logger.
	Logger *zerolog.Logger
}

// Validate asserts the config sane inputs.
func (cfg *RQLiteConfig) Validate() error {
	var errs error

	if cfg.Endpoint == "" {
		errs = errors.Join(errs, fmt.Errorf("rqlite endpoint cannot be an empty string"))
	}
	if cfg.Location == nil {
		errs = errors.Join(errs, fmt.Errorf("location cannot be nil"))
	}
	if cfg.Logger == nil {
		errs = errors.Join(errs, fmt.Errorf("logger cannot be nil"))
	}

	return errs
}

// RQLite represents the rqlite database connection.
type RQLite struct {
	cfg    *RQLiteConfig
	client *rqlitehttp.Client
}

// Ensure the rqlite store implements the CandleStore interface.
var _ shared.CandleStore = (*RQLite)(nil)

// NewRQLite initializes a new rqlite database connection.
func NewRQLite(ctx context.Context, cfg *RQLiteConfig) (*RQLite, error) {
	err := cfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("validating rqlite config: %w", err)
	}

	httpc := &http.Client{Timeout: time.Second * 5}
	client, err := rqlitehttp.NewClient(cfg.Endpoint, httpc)
	if err != nil {
		return nil, fmt.Errorf("creating database client: %w", err)
	}

	if cfg.User != "" {
		client.SetBasicAuth(cfg.User, cfg.Pass)
	}

	db := &RQLite{
		cfg:    cfg,
		client: client,
	}

	err = db.bootstrap(ctx)
	if err != nil {
		return nil, fmt.Errorf("bootstrapping database: %w", err)
	}

	return db, nil
}

// bootstrap initializes the database.
func (db *RQLite) bootstrap(ctx context.Context) error {
	return db.execute(ctx, rqlitehttp.SQLStatements{
		{SQL: createCandleTableSQL},
		{SQL: createTickTableSQL},
		{SQL: createTickIndexSQL},
	})
}

// execute runs the provided statements in a single transaction.
func (db *RQLite) execute(ctx context.Context, stmts rqlitehttp.SQLStatements) error {
	resp, err := db.client.Execute(ctx, stmts, &rqlitehttp.ExecuteOptions{
		Transaction: true,
		Timings:     true,
	})
	if err != nil {
		return err
	}

	has, idx, errStr := resp.HasError()
	if has {
		return fmt.Errorf("executing statement %d: %s", idx, errStr)
	}

	return nil
}

// StoreCandle upserts the provided candle keyed by symbol, timeframe and start.
func (db *RQLite) StoreCandle(ctx context.Context, candle *shared.Candle) error {
	err := db.execute(ctx, rqlitehttp.SQLStatements{
		{SQL: upsertCandleSQL, PositionalParams: candleParams(candle)},
	})
	if err != nil {
		return fmt.Errorf("storing %s %s candle: %w", candle.Symbol, candle.Timeframe.String(), err)
	}

	return nil
}

// StoreCandles upserts the provided candles in a single transaction.
func (db *RQLite) StoreCandles(ctx context.Context, candles []shared.Candle) error {
	if len(candles) == 0 {
		return nil
	}

	stmts := make(rqlitehttp.SQLStatements, 0, len(candles))
	for idx := range candles {
		stmts = append(stmts, rqlitehttp.SQLStatements{
			{SQL: upsertCandleSQL, PositionalParams: candleParams(&candles[idx])},
		}...)
	}

	err := db.execute(ctx, stmts)
	if err != nil {
		return fmt.Errorf("storing %d candles: %w", len(candles), err)
	}

	return nil
}

// query runs the provided read statement and returns its rows.
func (db *RQLite) query(ctx context.Context, sql string, args ...any) ([][]any, error) {
	resp, err := db.client.QuerySingle(ctx, sql, args...)
	if err != nil {
		return nil, err
	}

	results := resp.GetQueryResults()
	if len(results) == 0 {
		return nil, nil
	}
	if results[0].Error != "" {
		return nil, fmt.Errorf("querying statement: %s", results[0].Error)
	}

	return results[0].Values, nil
}

// GetCandles returns the candles matching the query, ascending by start.
func (db *RQLite) GetCandles(ctx context.Context, query shared.CandleQuery) ([]shared.Candle, error) {
	rows, err := db.query(ctx, findCandlesSQL, queryParams(query)...)
	if err != nil {
		return nil, fmt.Errorf("querying %s %s candles: %w", query.Symbol, query.Timeframe.String(), err)
	}

	candles := make([]shared.Candle, 0, len(rows))
	for _, row := range rows {
		candle, err := db.parseCandleRow(row)
		if err != nil {
			db.cfg.Logger.Error().Msgf("skipping malformed candle row %s: %v", spew.Sdump(row), err)
			continue
		}
		candles = append(candles, *candle)
	}

	reverse(candles)

	return candles, nil
}

// parseCandleRow converts a queried candle row.
func (db *RQLite) parseCandleRow(row []any) (*shared.Candle, error) {
	if len(row) != 10 {
		return nil, fmt.Errorf("expected 10 candle columns, got %d", len(row))
	}

	timeframe, err := shared.ParseTimeframe(fmt.Sprint(row[1]))
	if err != nil {
		return nil, err
	}

	nums := make([]float64, 0, 8)
	for _, v := range row[2:] {
		n, err := toFloat(v)
		if err != nil {
			return nil, err
		}
		nums = append(nums, n)
	}

	return &shared.Candle{
		Symbol:    fmt.Sprint(row[0]),
		Timeframe: timeframe,
		Start:     fromMilli(int64(nums[0]), db.cfg.Location),
		End:       fromMilli(int64(nums[1]), db.cfg.Location),
		Open:      nums[2],
		High:      nums[3],
		Low:       nums[4],
		Close:     nums[5],
		Volume:    nums[6],
		TickCount: int64(nums[7]),
	}, nil
}

// StoreTick persists the provided tick.
func (db *RQLite) StoreTick(ctx context.Context, tick *shared.Tick) error {
	err := db.execute(ctx, rqlitehttp.SQLStatements{
		{SQL: insertTickSQL, PositionalParams: tickParams(tick)},
	})
	if err != nil {
		return fmt.Errorf("storing %s tick: %w", tick.Symbol, err)
	}

	return nil
}

// LatestTicks returns the most recent tick of each provided symbol.
func (db *RQLite) LatestTicks(ctx context.Context, symbols []string) (map[string]shared.Tick, error) {
	latest := make(map[string]shared.Tick, len(symbols))
	for _, symbol := range symbols {
		rows, err := db.query(ctx, findLatestTickSQL, symbol)
		if err != nil {
			return nil, fmt.Errorf("querying latest %s tick: %w", symbol, err)
		}
		if len(rows) == 0 || len(rows[0]) != 7 {
			continue
		}

		row := rows[0]
		ts, err := toFloat(row[2])
		if err != nil {
			return nil, err
		}
		price, err := toFloat(row[3])
		if err != nil {
			return nil, err
		}

		tick := shared.Tick{
			Symbol:    fmt.Sprint(row[0]),
			Exchange:  fmt.Sprint(row[1]),
			Timestamp: fromMilli(int64(ts), db.cfg.Location),
			Price:     price,
		}
		if qty, err := toFloat(row[4]); err == nil {
			tick.WithQuantity(qty)
		}
		if vol, err := toFloat(row[5]); err == nil {
			tick.WithCumulativeVolume(vol)
		}
		if seq, err := toFloat(row[6]); err == nil {
			tick.WithSequence(int64(seq))
		}

		latest[symbol] = tick
	}

	return latest, nil
}

// Close releases the store's resources.
func (db *RQLite) Close() error {
	return nil
}

// toFloat converts a decoded json value to a float.
func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case int64:
		return float64(n), nil
	case int:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	case string:
		return strconv.ParseFloat(n, 64)
	case nil:
		return 0, fmt.Errorf("null value")
	default:
		return 0, fmt.Errorf("unexpected value type %T", v)
	}
}
