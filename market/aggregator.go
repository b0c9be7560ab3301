package market

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dnldd/candlekeep/shared"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"
)

const (
	// bufferSize is the default buffer size for channels.
	bufferSize = 64
	// defaultCandleLimit is the number of closed candles returned when no limit is provided.
	defaultCandleLimit = 300
)

// AggregatorConfig represents the aggregator configuration.
type AggregatorConfig struct {
	// Clock buckets tick timestamps.
	Clock *shared.Clock
	// Store persists closed candles and, optionally, ticks.
	Store shared.CandleStore
	// Timeframes are the timeframes maintained per symbol, all timeframes when empty.
	Timeframes []shared.Timeframe
	// Capacity is the closed candle capacity per series.
	Capacity int
	// PersistTicks stores every applied tick.
	PersistTicks bool
	// Logger represents the application logger.
	Logger *zerolog.Logger
}

// Validate asserts the config sane inputs.
func (cfg *AggregatorConfig) Validate() error {
	var errs error

	if cfg.Clock == nil {
		errs = errors.Join(errs, fmt.Errorf("clock cannot be nil"))
	}
	if cfg.Store == nil {
		errs = errors.Join(errs, fmt.Errorf("store cannot be nil"))
	}
	for _, tf := range cfg.Timeframes {
		if !tf.Valid() {
			errs = errors.Join(errs, fmt.Errorf("unknown timeframe provided: %s", tf.String()))
		}
	}
	if cfg.Capacity < 0 {
		errs = errors.Join(errs, fmt.Errorf("capacity cannot be negative"))
	}
	if cfg.Logger == nil {
		errs = errors.Join(errs, fmt.Errorf("logger cannot be nil"))
	}

	return errs
}

// symbolState groups the series of a symbol behind a single lock.
type symbolState struct {
	series map[shared.Timeframe]*Series
	mtx    sync.Mutex
}

// Aggregator builds multi-timeframe candles from live ticks.
type Aggregator struct {
	cfg        *AggregatorConfig
	symbols    map[string]*symbolState
	symbolsMtx sync.RWMutex
	running    *atomic.Bool
	drainReqs  chan chan struct{}
}

// NewAggregator initializes a new aggregator.
func NewAggregator(cfg *AggregatorConfig) (*Aggregator, error) {
	err := cfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("validating aggregator config: %w", err)
	}

	if len(cfg.Timeframes) == 0 {
		cfg.Timeframes = shared.Timeframes
	}

	return &Aggregator{
		cfg:       cfg,
		symbols:   make(map[string]*symbolState),
		running:   atomic.NewBool(false),
		drainReqs: make(chan chan struct{}),
	}, nil
}

// state returns the series state of the provided symbol, creating it when absent.
func (a *Aggregator) state(symbol string) *symbolState {
	a.symbolsMtx.RLock()
	state, ok := a.symbols[symbol]
	a.symbolsMtx.RUnlock()
	if ok {
		return state
	}

	a.symbolsMtx.Lock()
	defer a.symbolsMtx.Unlock()

	state, ok = a.symbols[symbol]
	if ok {
		return state
	}

	state = &symbolState{series: make(map[shared.Timeframe]*Series, len(a.cfg.Timeframes))}
	for _, tf := range a.cfg.Timeframes {
		state.series[tf] = NewSeries(symbol, tf, a.cfg.Capacity)
	}
	a.symbols[symbol] = state

	return state
}

// lookup returns the series state of the provided symbol if it exists.
func (a *Aggregator) lookup(symbol string) (*symbolState, bool) {
	a.symbolsMtx.RLock()
	defer a.symbolsMtx.RUnlock()

	state, ok := a.symbols[symbol]
	return state, ok
}

// ApplyTick updates every timeframe of the tick's symbol, persisting candles closed by it.
func (a *Aggregator) ApplyTick(ctx context.Context, tick *shared.Tick) error {
	err := tick.Validate()
	if err != nil {
		return fmt.Errorf("validating tick: %w", err)
	}

	state := a.state(tick.Symbol)
	closed := make([]shared.Candle, 0, len(a.cfg.Timeframes))

	state.mtx.Lock()
	for _, tf := range a.cfg.Timeframes {
		start, end, err := a.cfg.Clock.Bucket(tick.Timestamp, tf)
		if err != nil {
			state.mtx.Unlock()
			return fmt.Errorf("bucketing %s tick: %w", tick.Symbol, err)
		}

		series := state.series[tf]
		delta, reset := series.volumeDelta(tick)
		if reset {
			a.cfg.Logger.Debug().Msgf("cumulative volume reset for %s %s, clamping delta to zero",
				tick.Symbol, tf.String())
		}

		candle := series.Apply(tick, start, end, delta)
		if candle != nil {
			closed = append(closed, *candle)
		}
	}
	state.mtx.Unlock()

	if len(closed) > 0 {
		err = a.cfg.Store.StoreCandles(ctx, closed)
		if err != nil {
			return fmt.Errorf("storing closed %s candles: %w", tick.Symbol, err)
		}
	}

	if a.cfg.PersistTicks {
		err = a.cfg.Store.StoreTick(ctx, tick)
		if err != nil {
			return fmt.Errorf("storing %s tick: %w", tick.Symbol, err)
		}
	}

	return nil
}

// GetCandles returns up to limit most recent closed candles of the series with the
// working candle appended, ascending by start.
func (a *Aggregator) GetCandles(symbol string, timeframe shared.Timeframe, limit int) ([]shared.Candle, error) {
	if !timeframe.Valid() {
		return nil, fmt.Errorf("unknown timeframe provided: %s", timeframe.String())
	}
	if limit <= 0 {
		limit = defaultCandleLimit
	}

	state, ok := a.lookup(symbol)
	if !ok {
		return []shared.Candle{}, nil
	}

	state.mtx.Lock()
	defer state.mtx.Unlock()

	series, ok := state.series[timeframe]
	if !ok {
		return nil, fmt.Errorf("timeframe %s is not aggregated", timeframe.String())
	}

	return series.Candles(limit), nil
}

// Merge overwrites the closed candles of the series with the provided completed candles.
func (a *Aggregator) Merge(ctx context.Context, symbol string, timeframe shared.Timeframe, candles []shared.Candle) error {
	if len(candles) == 0 {
		return nil
	}

	state := a.state(symbol)
	state.mtx.Lock()
	series, ok := state.series[timeframe]
	if !ok {
		state.mtx.Unlock()
		return fmt.Errorf("timeframe %s is not aggregated", timeframe.String())
	}
	promoted := series.Merge(candles)
	state.mtx.Unlock()

	if promoted != nil {
		err := a.cfg.Store.StoreCandle(ctx, promoted)
		if err != nil {
			return fmt.Errorf("storing promoted %s %s candle: %w", symbol, timeframe.String(), err)
		}
	}

	return nil
}

// LastProcessed returns the earliest last processed tick time across the timeframes of
// the provided symbol. The boolean is false when no tick has been processed.
func (a *Aggregator) LastProcessed(symbol string) (time.Time, bool) {
	state, ok := a.lookup(symbol)
	if !ok {
		return time.Time{}, false
	}

	state.mtx.Lock()
	defer state.mtx.Unlock()

	var earliest time.Time
	for _, series := range state.series {
		ts := series.LastProcessed()
		if ts.IsZero() {
			continue
		}
		if earliest.IsZero() || ts.Before(earliest) {
			earliest = ts
		}
	}

	return earliest, !earliest.IsZero()
}

// Flush closes and persists every working candle.
func (a *Aggregator) Flush(ctx context.Context) error {
	a.symbolsMtx.RLock()
	states := make(map[string]*symbolState, len(a.symbols))
	for symbol, state := range a.symbols {
		states[symbol] = state
	}
	a.symbolsMtx.RUnlock()

	var closed []shared.Candle
	for _, state := range states {
		state.mtx.Lock()
		for _, series := range state.series {
			candle := series.Flush()
			if candle != nil {
				closed = append(closed, *candle)
			}
		}
		state.mtx.Unlock()
	}

	if len(closed) == 0 {
		return nil
	}

	err := a.cfg.Store.StoreCandles(ctx, closed)
	if err != nil {
		return fmt.Errorf("storing flushed candles: %w", err)
	}

	a.cfg.Logger.Info().Msgf("flushed %d working candle(s)", len(closed))

	return nil
}

// Drain blocks until every tick buffered for the running aggregator has been applied.
// It returns immediately when the aggregator is not running.
func (a *Aggregator) Drain(ctx context.Context) error {
	if !a.running.Load() {
		return nil
	}

	done := make(chan struct{})
	select {
	case a.drainReqs <- done:
	case <-ctx.Done():
		return fmt.Errorf("requesting tick drain: %w", ctx.Err())
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("draining ticks: %w", ctx.Err())
	}
}

// Run routes ticks to a dedicated worker per symbol until the context is done or the
// tick channel is closed. Pending ticks are drained before it returns.
func (a *Aggregator) Run(ctx context.Context, ticks <-chan shared.Tick) {
	workers := make(map[string]chan shared.Tick)
	var wg sync.WaitGroup
	// inflight is only added to by this goroutine.
	var inflight sync.WaitGroup

	worker := func(symbol string, queue <-chan shared.Tick) {
		defer wg.Done()
		for tick := range queue {
			err := a.ApplyTick(context.WithoutCancel(ctx), &tick)
			if err != nil {
				a.cfg.Logger.Error().Msgf("applying %s tick: %v", symbol, err)
			}
			inflight.Done()
		}
	}

	route := func(tick shared.Tick) bool {
		queue, ok := workers[tick.Symbol]
		if !ok {
			queue = make(chan shared.Tick, bufferSize)
			workers[tick.Symbol] = queue
			wg.Add(1)
			go worker(tick.Symbol, queue)
		}

		inflight.Add(1)
		select {
		case queue <- tick:
			return true
		case <-ctx.Done():
			inflight.Done()
			return false
		}
	}

	a.running.Store(true)
	defer a.running.Store(false)

	defer func() {
		for _, queue := range workers {
			close(queue)
		}
		wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case done := <-a.drainReqs:
			closed := false
			for range len(ticks) {
				tick, ok := <-ticks
				if !ok {
					closed = true
					break
				}
				if !route(tick) {
					close(done)
					return
				}
			}
			inflight.Wait()
			close(done)
			if closed {
				return
			}

		case tick, ok := <-ticks:
			if !ok {
				return
			}
			if !route(tick) {
				return
			}
		}
	}
}
