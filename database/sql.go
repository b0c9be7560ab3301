package database

import (
	"math"
	"time"

	"github.com/dnldd/candlekeep/shared"
)

const (
	// SQL statements, shared by the sqlite compatible stores.
	createCandleTableSQL = "CREATE TABLE IF NOT EXISTS candles (symbol TEXT NOT NULL, timeframe TEXT NOT NULL, bucketstart INTEGER NOT NULL, bucketend INTEGER NOT NULL, open REAL NOT NULL, high REAL NOT NULL, low REAL NOT NULL, close REAL NOT NULL, volume REAL NOT NULL, tickcount INTEGER NOT NULL, PRIMARY KEY (symbol, timeframe, bucketstart))"
	createTickTableSQL   = "CREATE TABLE IF NOT EXISTS ticks (symbol TEXT NOT NULL, exchange TEXT NOT NULL, ts INTEGER NOT NULL, price REAL NOT NULL, quantity REAL, cumulativevolume REAL, sequence INTEGER)"
	createTickIndexSQL   = "CREATE INDEX IF NOT EXISTS ticks_symbol_ts ON ticks (symbol, ts)"
	upsertCandleSQL      = "INSERT INTO candles (symbol, timeframe, bucketstart, bucketend, open, high, low, close, volume, tickcount) VALUES (?,?,?,?,?,?,?,?,?,?) ON CONFLICT (symbol, timeframe, bucketstart) DO UPDATE SET bucketend = excluded.bucketend, open = excluded.open, high = excluded.high, low = excluded.low, close = excluded.close, volume = excluded.volume, tickcount = excluded.tickcount"
	findCandlesSQL       = "SELECT symbol, timeframe, bucketstart, bucketend, open, high, low, close, volume, tickcount FROM candles WHERE symbol = ? AND timeframe = ? AND bucketstart >= ? AND bucketstart < ? ORDER BY bucketstart DESC LIMIT ?"
	insertTickSQL        = "INSERT INTO ticks (symbol, exchange, ts, price, quantity, cumulativevolume, sequence) VALUES (?,?,?,?,?,?,?)"
	findLatestTickSQL    = "SELECT symbol, exchange, ts, price, quantity, cumulativevolume, sequence FROM ticks WHERE symbol = ? ORDER BY ts DESC LIMIT 1"
)

// candleParams returns the positional upsert parameters of the provided candle.
func candleParams(candle *shared.Candle) []any {
	return []any{candle.Symbol, candle.Timeframe.String(), candle.Start.UnixMilli(),
		candle.End.UnixMilli(), candle.Open, candle.High, candle.Low, candle.Close,
		candle.Volume, candle.TickCount}
}

// tickParams returns the positional insert parameters of the provided tick.
func tickParams(tick *shared.Tick) []any {
	var quantity, cumulativeVolume, sequence any
	if tick.Quantity != nil {
		quantity = *tick.Quantity
	}
	if tick.CumulativeVolume != nil {
		cumulativeVolume = *tick.CumulativeVolume
	}
	if tick.Sequence != nil {
		sequence = *tick.Sequence
	}

	return []any{tick.Symbol, tick.Exchange, tick.Timestamp.UnixMilli(), tick.Price,
		quantity, cumulativeVolume, sequence}
}

// queryParams returns the positional lookup parameters of the provided query.
func queryParams(query shared.CandleQuery) []any {
	var from int64
	if !query.From.IsZero() {
		from = query.From.UnixMilli()
	}
	to := int64(math.MaxInt64)
	if !query.To.IsZero() {
		to = query.To.UnixMilli()
	}

	// A negative limit is unbounded in sqlite.
	limit := -1
	if query.Limit > 0 {
		limit = query.Limit
	}

	return []any{query.Symbol, query.Timeframe.String(), from, to, limit}
}

// fromMilli converts a stored unix millisecond timestamp to the provided location.
func fromMilli(ms int64, loc *time.Location) time.Time {
	return time.UnixMilli(ms).In(loc)
}

// reverse flips candles fetched most recent first into ascending order.
func reverse(candles []shared.Candle) {
	for i, j := 0, len(candles)-1; i < j; i, j = i+1, j-1 {
		candles[i], candles[j] = candles[j], candles[i]
	}
}
