package database

import (
	"context"
	"slices"
	"sync"

	"github.com/dnldd/candlekeep/shared"
)

// seriesKey identifies a candle series.
type seriesKey struct {
	symbol    string
	timeframe shared.Timeframe
}

// Memory is an in-process candle store, state does not survive restarts.
type Memory struct {
	candles    map[seriesKey]map[int64]shared.Candle
	candlesMtx sync.RWMutex
	ticks      map[string]shared.Tick
	ticksMtx   sync.RWMutex
}

// Ensure the memory store implements the CandleStore interface.
var _ shared.CandleStore = (*Memory)(nil)

// NewMemory initializes an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		candles: make(map[seriesKey]map[int64]shared.Candle),
		ticks:   make(map[string]shared.Tick),
	}
}

// StoreCandle upserts the provided candle keyed by symbol, timeframe and start.
func (m *Memory) StoreCandle(_ context.Context, candle *shared.Candle) error {
	m.candlesMtx.Lock()
	defer m.candlesMtx.Unlock()

	m.upsert(candle)
	return nil
}

// upsert stores the candle. It must be called with the candles lock held.
func (m *Memory) upsert(candle *shared.Candle) {
	key := seriesKey{symbol: candle.Symbol, timeframe: candle.Timeframe}
	series, ok := m.candles[key]
	if !ok {
		series = make(map[int64]shared.Candle)
		m.candles[key] = series
	}

	series[candle.Start.UnixMilli()] = *candle
}

// StoreCandles upserts the provided candles in a single batch.
func (m *Memory) StoreCandles(_ context.Context, candles []shared.Candle) error {
	m.candlesMtx.Lock()
	defer m.candlesMtx.Unlock()

	for idx := range candles {
		m.upsert(&candles[idx])
	}

	return nil
}

// GetCandles returns the candles matching the query, ascending by start.
func (m *Memory) GetCandles(_ context.Context, query shared.CandleQuery) ([]shared.Candle, error) {
	m.candlesMtx.RLock()
	series := m.candles[seriesKey{symbol: query.Symbol, timeframe: query.Timeframe}]
	candles := make([]shared.Candle, 0, len(series))
	for _, candle := range series {
		if !query.From.IsZero() && candle.Start.Before(query.From) {
			continue
		}
		if !query.To.IsZero() && !candle.Start.Before(query.To) {
			continue
		}
		candles = append(candles, candle)
	}
	m.candlesMtx.RUnlock()

	slices.SortFunc(candles, func(a, b shared.Candle) int {
		return a.Start.Compare(b.Start)
	})

	if query.Limit > 0 && len(candles) > query.Limit {
		candles = candles[len(candles)-query.Limit:]
	}

	return candles, nil
}

// StoreTick persists the provided tick, only the latest tick per symbol is retained.
func (m *Memory) StoreTick(_ context.Context, tick *shared.Tick) error {
	m.ticksMtx.Lock()
	defer m.ticksMtx.Unlock()

	current, ok := m.ticks[tick.Symbol]
	if ok && current.Timestamp.After(tick.Timestamp) {
		return nil
	}

	m.ticks[tick.Symbol] = *tick
	return nil
}

// LatestTicks returns the most recent tick of each provided symbol.
func (m *Memory) LatestTicks(_ context.Context, symbols []string) (map[string]shared.Tick, error) {
	m.ticksMtx.RLock()
	defer m.ticksMtx.RUnlock()

	latest := make(map[string]shared.Tick, len(symbols))
	for _, symbol := range symbols {
		tick, ok := m.ticks[symbol]
		if ok {
			latest[symbol] = tick
		}
	}

	return latest, nil
}

// Close releases the store's resources.
func (m *Memory) Close() error {
	return nil
}
