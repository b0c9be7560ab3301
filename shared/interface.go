package shared

import (
	"context"
	"time"
)

// CandleQuery represents the filter for a candle lookup. Zero bounds are open.
type CandleQuery struct {
	Symbol    string
	Timeframe Timeframe
	From      time.Time
	To        time.Time
	// Limit caps the number of most recent candles returned, zero is unlimited.
	Limit int
}

// CandleStore defines the requirements for persisting candles and ticks.
type CandleStore interface {
	// StoreCandle upserts the provided candle keyed by symbol, timeframe and start.
	StoreCandle(ctx context.Context, candle *Candle) error
	// StoreCandles upserts the provided candles in a single batch.
	StoreCandles(ctx context.Context, candles []Candle) error
	// GetCandles returns the candles matching the query, ascending by start.
	GetCandles(ctx context.Context, query CandleQuery) ([]Candle, error)
	// StoreTick persists the provided tick.
	StoreTick(ctx context.Context, tick *Tick) error
	// LatestTicks returns the most recent tick of each provided symbol.
	LatestTicks(ctx context.Context, symbols []string) (map[string]Tick, error)
	// Close releases the store's resources.
	Close() error
}

// HistoricalFetcher defines the requirements for fetching historical candles.
type HistoricalFetcher interface {
	// FetchHistorical fetches completed candles for the provided date range.
	FetchHistorical(ctx context.Context, instrument Instrument, timeframe Timeframe, from time.Time, to time.Time) ([]Candle, error)
	// FetchIntraday fetches the current session's candles.
	FetchIntraday(ctx context.Context, instrument Instrument, timeframe Timeframe) ([]Candle, error)
}

// ConnectionStatus represents a feed connection transition.
type ConnectionStatus int

const (
	Connected ConnectionStatus = iota
	Disconnected
)

// String stringifies the provided connection status.
func (s ConnectionStatus) String() string {
	switch s {
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// ConnectionEvent represents a feed connection transition.
type ConnectionEvent struct {
	Status ConnectionStatus
	// Reconnect is set for connections following a disconnect.
	Reconnect bool
	Err       error
	Time      time.Time
}

// Feed defines the requirements for a live tick feed.
type Feed interface {
	// Connect establishes the feed connection with the provided access token.
	Connect(ctx context.Context, token string) error
	// Subscribe starts streaming ticks for the provided instruments.
	Subscribe(ctx context.Context, instruments []Instrument, mode string) error
	// Unsubscribe stops streaming ticks for the provided instruments.
	Unsubscribe(ctx context.Context, instruments []Instrument) error
	// Disconnect terminates the feed connection.
	Disconnect() error
	// Ticks returns the channel ticks are published on.
	Ticks() <-chan Tick
	// Events returns the channel connection transitions are published on.
	Events() <-chan ConnectionEvent
}
