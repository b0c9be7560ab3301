package recovery

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/dnldd/candlekeep/shared"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"
)

// DefaultLookbacks are the bootstrap lookback windows per timeframe.
var DefaultLookbacks = map[shared.Timeframe]time.Duration{
	shared.OneMinute:     time.Hour * 24 * 2,
	shared.FiveMinute:    time.Hour * 24 * 5,
	shared.FifteenMinute: time.Hour * 24 * 10,
	shared.OneHour:       time.Hour * 24 * 45,
	shared.OneDay:        time.Hour * 24 * 365,
}

// Merger defines the candle series requirements of the coordinator.
type Merger interface {
	// Merge overwrites the closed candles of a series with the provided completed candles.
	Merge(ctx context.Context, symbol string, timeframe shared.Timeframe, candles []shared.Candle) error
	// LastProcessed returns the earliest last processed tick time of the symbol.
	LastProcessed(symbol string) (time.Time, bool)
}

// CoordinatorConfig represents the gap recovery coordinator configuration.
type CoordinatorConfig struct {
	// Fetcher fetches historical and intraday candles.
	Fetcher shared.HistoricalFetcher
	// Merger receives recovered candles.
	Merger Merger
	// Store persists recovered candles.
	Store shared.CandleStore
	// Clock resolves session dates.
	Clock *shared.Clock
	// Timeframes are the recovered timeframes, all timeframes when empty.
	Timeframes []shared.Timeframe
	// Lookbacks are the bootstrap windows per timeframe, DefaultLookbacks when nil.
	Lookbacks map[shared.Timeframe]time.Duration
	// Now returns the current time, the clock's time when nil.
	Now func() time.Time
	// Logger represents the application logger.
	Logger *zerolog.Logger
}

// Validate asserts the config sane inputs.
func (cfg *CoordinatorConfig) Validate() error {
	var errs error

	if cfg.Fetcher == nil {
		errs = errors.Join(errs, fmt.Errorf("fetcher cannot be nil"))
	}
	if cfg.Merger == nil {
		errs = errors.Join(errs, fmt.Errorf("merger cannot be nil"))
	}
	if cfg.Store == nil {
		errs = errors.Join(errs, fmt.Errorf("store cannot be nil"))
	}
	if cfg.Clock == nil {
		errs = errors.Join(errs, fmt.Errorf("clock cannot be nil"))
	}
	for tf, lookback := range cfg.Lookbacks {
		if lookback <= 0 {
			errs = errors.Join(errs, fmt.Errorf("%s lookback must be positive", tf.String()))
		}
	}
	if cfg.Logger == nil {
		errs = errors.Join(errs, fmt.Errorf("logger cannot be nil"))
	}

	return errs
}

// Coordinator backfills and repairs candle series from the historical api.
type Coordinator struct {
	cfg       *CoordinatorConfig
	active    map[string]shared.Instrument
	activeMtx sync.RWMutex
	running   *atomic.Int32
}

// NewCoordinator initializes a new gap recovery coordinator.
func NewCoordinator(cfg *CoordinatorConfig) (*Coordinator, error) {
	err := cfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("validating coordinator config: %w", err)
	}

	if len(cfg.Timeframes) == 0 {
		cfg.Timeframes = shared.Timeframes
	}
	if cfg.Lookbacks == nil {
		cfg.Lookbacks = DefaultLookbacks
	}
	if cfg.Now == nil {
		cfg.Now = cfg.Clock.Now
	}

	return &Coordinator{
		cfg:     cfg,
		active:  make(map[string]shared.Instrument),
		running: atomic.NewInt32(0),
	}, nil
}

// Track marks the provided instruments as actively streamed.
func (c *Coordinator) Track(instruments ...shared.Instrument) {
	c.activeMtx.Lock()
	for _, instrument := range instruments {
		c.active[instrument.Symbol] = instrument
	}
	c.activeMtx.Unlock()
}

// Release stops tracking the provided symbols, every symbol when none is provided.
func (c *Coordinator) Release(symbols ...string) {
	c.activeMtx.Lock()
	defer c.activeMtx.Unlock()

	if len(symbols) == 0 {
		clear(c.active)
		return
	}

	for _, symbol := range symbols {
		delete(c.active, symbol)
	}
}

// Active returns the actively streamed instruments ordered by symbol.
func (c *Coordinator) Active() []shared.Instrument {
	c.activeMtx.RLock()
	set := make([]shared.Instrument, 0, len(c.active))
	for _, instrument := range c.active {
		set = append(set, instrument)
	}
	c.activeMtx.RUnlock()

	slices.SortFunc(set, func(a, b shared.Instrument) int {
		switch {
		case a.Symbol < b.Symbol:
			return -1
		case a.Symbol > b.Symbol:
			return 1
		default:
			return 0
		}
	})

	return set
}

// InProgress checks whether any recovery is currently running.
func (c *Coordinator) InProgress() bool {
	return c.running.Load() > 0
}

// Bootstrap backfills every timeframe of the provided instrument over its lookback window.
func (c *Coordinator) Bootstrap(ctx context.Context, instrument shared.Instrument) error {
	now := c.cfg.Now()
	return c.recoverAll(ctx, instrument, func(tf shared.Timeframe) time.Time {
		lookback, ok := c.cfg.Lookbacks[tf]
		if !ok {
			lookback = DefaultLookbacks[tf]
		}
		return now.Add(-lookback)
	})
}

// RecoverGaps re-fetches every timeframe of the provided instrument from since to now.
func (c *Coordinator) RecoverGaps(ctx context.Context, instrument shared.Instrument, since time.Time) error {
	if since.IsZero() {
		return fmt.Errorf("%w: recovery start for %s", shared.ErrInvalidTimestamp, instrument.Symbol)
	}

	return c.recoverAll(ctx, instrument, func(shared.Timeframe) time.Time {
		return since
	})
}

// recoverAll concurrently recovers every timeframe of the instrument from the start
// resolved per timeframe up to now.
func (c *Coordinator) recoverAll(ctx context.Context, instrument shared.Instrument, start func(shared.Timeframe) time.Time) error {
	now := c.cfg.Now()

	var errs error
	var errsMtx sync.Mutex
	var wg sync.WaitGroup
	for _, tf := range c.cfg.Timeframes {
		wg.Add(1)
		go func(tf shared.Timeframe) {
			defer wg.Done()

			_, err := c.RecoverRange(ctx, instrument, tf, start(tf), now)
			if err != nil {
				errsMtx.Lock()
				errs = errors.Join(errs, err)
				errsMtx.Unlock()
			}
		}(tf)
	}
	wg.Wait()

	return errs
}

// RecoverRange fetches and merges the completed candles of a single timeframe within the
// provided range. Days before today are fetched from the historical endpoint, today from
// the intraday endpoint. It returns the number of merged candles.
func (c *Coordinator) RecoverRange(ctx context.Context, instrument shared.Instrument, timeframe shared.Timeframe, from time.Time, to time.Time) (int, error) {
	if !to.After(from) {
		return 0, fmt.Errorf("invalid recovery range for %s %s: %v -> %v",
			instrument.Symbol, timeframe.String(), from, to)
	}

	c.running.Inc()
	defer c.running.Dec()

	now := c.cfg.Now()
	today := c.cfg.Clock.SessionDate(now)

	var candles []shared.Candle
	if from.Before(today) {
		histTo := c.cfg.Clock.SessionDate(to)
		if !to.Before(today) {
			histTo = today.AddDate(0, 0, -1)
		}

		fetched, err := c.cfg.Fetcher.FetchHistorical(ctx, instrument, timeframe,
			c.cfg.Clock.SessionDate(from), histTo)
		if err != nil {
			return 0, fmt.Errorf("recovering historical %s %s candles: %w",
				instrument.Symbol, timeframe.String(), err)
		}
		candles = append(candles, fetched...)
	}

	if to.After(today) {
		fetched, err := c.cfg.Fetcher.FetchIntraday(ctx, instrument, timeframe)
		if err != nil {
			return 0, fmt.Errorf("recovering intraday %s %s candles: %w",
				instrument.Symbol, timeframe.String(), err)
		}
		candles = append(candles, fetched...)
	}

	// Results arriving after cancellation are discarded.
	if ctx.Err() != nil {
		return 0, ctx.Err()
	}

	completed := make([]shared.Candle, 0, len(candles))
	for idx := range candles {
		if candles[idx].End.After(now) {
			continue
		}
		completed = append(completed, candles[idx])
	}

	if len(completed) == 0 {
		return 0, nil
	}

	err := c.cfg.Merger.Merge(ctx, instrument.Symbol, timeframe, completed)
	if err != nil {
		return 0, fmt.Errorf("merging %s %s candles: %w", instrument.Symbol, timeframe.String(), err)
	}

	err = c.cfg.Store.StoreCandles(ctx, completed)
	if err != nil {
		return 0, fmt.Errorf("storing %s %s candles: %w", instrument.Symbol, timeframe.String(), err)
	}

	c.cfg.Logger.Info().Msgf("recovered %d %s %s candle(s)", len(completed),
		instrument.Symbol, timeframe.String())

	return len(completed), nil
}

// HandleReconnect recovers every active instrument from its last processed tick.
// Instruments without processed ticks are skipped.
func (c *Coordinator) HandleReconnect(ctx context.Context) error {
	var errs error
	for _, instrument := range c.Active() {
		since, ok := c.cfg.Merger.LastProcessed(instrument.Symbol)
		if !ok {
			c.cfg.Logger.Debug().Msgf("no processed ticks for %s, skipping recovery",
				instrument.Symbol)
			continue
		}

		err := c.RecoverGaps(ctx, instrument, since)
		if err != nil {
			c.cfg.Logger.Error().Msgf("recovering %s after reconnect: %v", instrument.Symbol, err)
			errs = errors.Join(errs, err)
		}
	}

	return errs
}
