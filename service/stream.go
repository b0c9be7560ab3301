package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dnldd/candlekeep/feed"
	"github.com/dnldd/candlekeep/fetch"
	"github.com/dnldd/candlekeep/instrument"
	"github.com/dnldd/candlekeep/integrity"
	"github.com/dnldd/candlekeep/market"
	"github.com/dnldd/candlekeep/recovery"
	"github.com/dnldd/candlekeep/shared"
	"github.com/go-co-op/gocron"
	"github.com/rs/zerolog"
)

const (
	// drainTimeout bounds the wait for buffered ticks when stopping the stream.
	drainTimeout = time.Second * 5
)

// TokenFetcher is a historical fetcher authenticated with a bearer token.
type TokenFetcher interface {
	shared.HistoricalFetcher
	// SetAccessToken sets the bearer token used for subsequent requests.
	SetAccessToken(token string)
}

// StreamConfig represents the configuration struct for the stream service.
type StreamConfig struct {
	// Registry resolves symbols to instruments.
	Registry *instrument.Registry
	// Store persists candles and ticks.
	Store shared.CandleStore
	// Fetcher fetches historical and intraday candles.
	Fetcher TokenFetcher
	// Feed streams live ticks.
	Feed shared.Feed
	// Clock buckets timestamps in the session location.
	Clock *shared.Clock
	// Session is the daily trading session.
	Session *shared.SessionHours
	// Calendar resolves trading days.
	Calendar shared.SessionCalendar
	// Window is the provider request budget, the default budget when nil.
	Window *fetch.SlidingWindow
	// Mode is the feed subscription mode, feed.ModeFull when empty.
	Mode string
	// PersistTicks persists every aggregated tick.
	PersistTicks bool
	// LookbackDays is the number of days checked for completeness.
	LookbackDays int
	// ValidationInterval is the periodic completeness check interval, zero disables it.
	ValidationInterval time.Duration
	// Replay streams the configured symbols from a recorded feed and cancels once
	// the recording is exhausted.
	Replay bool
	// Symbols are the replayed symbols.
	Symbols []string
	// Exchange is the exchange of the replayed symbols.
	Exchange string
	// Cancel is the context cancellation function.
	Cancel context.CancelFunc
	// Now returns the current time, the clock's time when nil.
	Now func() time.Time
	// Logger represents the application logger.
	Logger *zerolog.Logger
}

// Validate asserts the config sane inputs.
func (cfg *StreamConfig) Validate() error {
	var errs error

	if cfg.Registry == nil {
		errs = errors.Join(errs, fmt.Errorf("registry cannot be nil"))
	}
	if cfg.Store == nil {
		errs = errors.Join(errs, fmt.Errorf("store cannot be nil"))
	}
	if cfg.Fetcher == nil {
		errs = errors.Join(errs, fmt.Errorf("fetcher cannot be nil"))
	}
	if cfg.Feed == nil {
		errs = errors.Join(errs, fmt.Errorf("feed cannot be nil"))
	}
	if cfg.Clock == nil {
		errs = errors.Join(errs, fmt.Errorf("clock cannot be nil"))
	}
	if cfg.Session == nil {
		errs = errors.Join(errs, fmt.Errorf("session cannot be nil"))
	}
	if cfg.Calendar == nil {
		errs = errors.Join(errs, fmt.Errorf("calendar cannot be nil"))
	}
	if cfg.ValidationInterval < 0 {
		errs = errors.Join(errs, fmt.Errorf("validation interval cannot be negative"))
	}
	if cfg.Replay {
		if len(cfg.Symbols) == 0 {
			errs = errors.Join(errs, fmt.Errorf("no symbols provided for replay"))
		}
		if cfg.Cancel == nil {
			errs = errors.Join(errs, fmt.Errorf("context cancellation function cannot be nil"))
		}
	}
	if cfg.Logger == nil {
		errs = errors.Join(errs, fmt.Errorf("logger cannot be nil"))
	}

	return errs
}

// FetchSummary represents the outcome of a backfill batch.
type FetchSummary struct {
	Results     []shared.FetchResult
	ByTimeframe map[shared.Timeframe][]shared.FetchResult
	Successful  int
	Total       int
}

// TradingStatus represents a snapshot of the trading readiness of the service.
type TradingStatus struct {
	State              integrity.TradingState
	StateChanged       time.Time
	Completeness       *shared.CompletenessStatus
	Streaming          map[string]bool
	RecoveryInProgress bool
	MarketOpen         bool
	TradingReady       bool
	Scheduler          fetch.Status
}

// Stream represents the candle streaming service.
type Stream struct {
	cfg          *StreamConfig
	scheduler    *fetch.Scheduler
	aggregator   *market.Aggregator
	coordinator  *recovery.Coordinator
	validator    *integrity.Validator
	tracker      *integrity.Tracker
	jobScheduler *gocron.Scheduler
	drained      chan struct{}
	streamMtx    sync.Mutex
	logger       *zerolog.Logger
}

// NewStream initializes a new stream service.
func NewStream(cfg *StreamConfig) (*Stream, error) {
	err := cfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("validating stream config: %w", err)
	}

	if cfg.Window == nil {
		cfg.Window = fetch.NewSlidingWindow(fetch.WindowConfig{})
	}
	if cfg.Mode == "" {
		cfg.Mode = feed.ModeFull
	}
	if cfg.Now == nil {
		cfg.Now = cfg.Clock.Now
	}

	logger := cfg.Logger.With().Str("service", "stream").Logger()
	jobScheduler := gocron.NewScheduler(cfg.Clock.Location())

	schedulerLogger := logger.With().Str("component", "scheduler").Logger()
	scheduler, err := fetch.NewScheduler(&fetch.SchedulerConfig{
		Fetcher: cfg.Fetcher,
		Store:   cfg.Store,
		Window:  cfg.Window,
		Clock:   cfg.Clock,
		Logger:  &schedulerLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating fetch scheduler: %v", err)
	}

	aggregatorLogger := logger.With().Str("component", "aggregator").Logger()
	aggregator, err := market.NewAggregator(&market.AggregatorConfig{
		Clock:        cfg.Clock,
		Store:        cfg.Store,
		PersistTicks: cfg.PersistTicks,
		Logger:       &aggregatorLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating aggregator: %v", err)
	}

	coordinatorLogger := logger.With().Str("component", "recovery").Logger()
	coordinator, err := recovery.NewCoordinator(&recovery.CoordinatorConfig{
		Fetcher: cfg.Fetcher,
		Merger:  aggregator,
		Store:   cfg.Store,
		Clock:   cfg.Clock,
		Now:     cfg.Now,
		Logger:  &coordinatorLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating recovery coordinator: %v", err)
	}

	validatorLogger := logger.With().Str("component", "validator").Logger()
	validator, err := integrity.NewValidator(&integrity.ValidatorConfig{
		Store:        cfg.Store,
		Instruments:  cfg.Registry.Selected,
		Recoverer:    coordinator,
		Calendar:     cfg.Calendar,
		Session:      cfg.Session,
		LookbackDays: cfg.LookbackDays,
		JobScheduler: jobScheduler,
		Now:          cfg.Now,
		Logger:       &validatorLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating validator: %v", err)
	}

	tracker := integrity.NewTracker()
	err = tracker.Transition(integrity.InstrumentsLoaded)
	if err != nil {
		return nil, err
	}

	return &Stream{
		cfg:          cfg,
		scheduler:    scheduler,
		aggregator:   aggregator,
		coordinator:  coordinator,
		validator:    validator,
		tracker:      tracker,
		jobScheduler: jobScheduler,
		drained:      make(chan struct{}),
		logger:       &logger,
	}, nil
}

// symbols returns the symbols of the provided instruments.
func symbols(instruments []shared.Instrument) []string {
	set := make([]string, 0, len(instruments))
	for _, inst := range instruments {
		set = append(set, inst.Symbol)
	}

	return set
}

// selected returns the selected instruments, ErrNoInstruments when there are none.
func (s *Stream) selected() ([]shared.Instrument, error) {
	instruments := s.cfg.Registry.Selected()
	if len(instruments) == 0 {
		return nil, shared.ErrNoInstruments
	}

	return instruments, nil
}

// summarize groups the provided fetch results.
func summarize(results []shared.FetchResult) *FetchSummary {
	return &FetchSummary{
		Results:     results,
		ByTimeframe: shared.GroupResults(results),
		Successful:  shared.CountSuccessful(results),
		Total:       len(results),
	}
}

// FetchAllTimeframes backfills every bulk timeframe of the selected instruments.
func (s *Stream) FetchAllTimeframes(ctx context.Context, token string, daysBack int) (*FetchSummary, error) {
	if token == "" {
		return nil, shared.ErrMissingToken
	}

	instruments, err := s.selected()
	if err != nil {
		return nil, err
	}

	s.cfg.Fetcher.SetAccessToken(token)
	results, err := s.scheduler.FetchAllTimeframes(ctx, instruments, daysBack)
	if err != nil {
		return nil, err
	}

	return summarize(results), nil
}

// FetchSingleInterval backfills the provided timeframe of the selected instruments.
func (s *Stream) FetchSingleInterval(ctx context.Context, token string, timeframe shared.Timeframe, daysBack int) (*FetchSummary, error) {
	if token == "" {
		return nil, shared.ErrMissingToken
	}
	if !timeframe.Valid() {
		return nil, fmt.Errorf("unknown timeframe provided: %s", timeframe.String())
	}

	instruments, err := s.selected()
	if err != nil {
		return nil, err
	}

	s.cfg.Fetcher.SetAccessToken(token)
	results, err := s.scheduler.FetchSingleInterval(ctx, instruments, timeframe, daysBack)
	if err != nil {
		return nil, err
	}

	return summarize(results), nil
}

// ValidateCompleteness checks the stored history of the selected instruments.
func (s *Stream) ValidateCompleteness(ctx context.Context) (*shared.CompletenessStatus, error) {
	return s.validator.ValidateCompleteness(ctx)
}

// PrepareTrading backfills the selected instruments, repairs detected gaps and moves
// the trading state to complete or incomplete accordingly.
func (s *Stream) PrepareTrading(ctx context.Context, token string, daysBack int) (*shared.CompletenessStatus, error) {
	if token == "" {
		return nil, shared.ErrMissingToken
	}
	_, err := s.selected()
	if err != nil {
		return nil, err
	}

	state, _ := s.tracker.State()
	if state == integrity.Halted {
		err = s.tracker.Transition(integrity.InstrumentsLoaded)
		if err != nil {
			return nil, err
		}
	}

	err = s.tracker.Transition(integrity.HistoricalFetching)
	if err != nil {
		return nil, err
	}

	summary, err := s.FetchAllTimeframes(ctx, token, daysBack)
	if err != nil {
		s.transition(integrity.HistoricalIncomplete)
		return nil, fmt.Errorf("backfilling history: %w", err)
	}

	s.logger.Info().Msgf("backfill complete, %d/%d request(s) succeeded", summary.Successful,
		summary.Total)

	status, err := s.validator.ValidateAndRecover(ctx)
	if err != nil {
		s.transition(integrity.HistoricalIncomplete)
		return status, fmt.Errorf("validating history: %w", err)
	}

	if !status.ReadyForTrading {
		s.transition(integrity.HistoricalIncomplete)
		return status, nil
	}

	s.transition(integrity.HistoricalComplete)
	return status, nil
}

// transition moves the trading state, logging rejected transitions.
func (s *Stream) transition(to integrity.TradingState) {
	err := s.tracker.Transition(to)
	if err != nil {
		s.logger.Error().Msgf("transitioning trading state: %v", err)
	}
}

// StartStream resolves the provided symbols, connects the feed, subscribes and bootstraps
// the history of every resolved instrument. Subscribing first buffers the ticks that
// arrive while history is fetched. Streaming requires complete history. A failed
// connection or subscription leaves no streaming state behind.
func (s *Stream) StartStream(ctx context.Context, symbolSet []string, exchange string, token string) ([]string, error) {
	if token == "" {
		return nil, shared.ErrMissingToken
	}

	instruments, err := s.cfg.Registry.Resolve(symbolSet, exchange)
	if err != nil {
		return nil, err
	}

	s.streamMtx.Lock()
	defer s.streamMtx.Unlock()

	state, _ := s.tracker.State()
	if state == integrity.StreamingActive || state == integrity.Recovery {
		return nil, shared.ErrStreaming
	}

	err = s.tracker.CanStream()
	if err != nil {
		return nil, err
	}

	s.cfg.Fetcher.SetAccessToken(token)

	err = s.cfg.Feed.Connect(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("connecting feed: %w", err)
	}

	err = s.cfg.Feed.Subscribe(ctx, instruments, s.cfg.Mode)
	if err != nil {
		dErr := s.cfg.Feed.Disconnect()
		if dErr != nil {
			s.logger.Error().Msgf("disconnecting feed: %v", dErr)
		}
		return nil, fmt.Errorf("subscribing feed: %w", err)
	}

	s.coordinator.Track(instruments...)
	for _, inst := range instruments {
		err := s.coordinator.Bootstrap(ctx, inst)
		if err != nil {
			s.logger.Error().Msgf("bootstrapping %s: %v", inst.Symbol, err)
		}
	}

	err = s.tracker.Transition(integrity.StreamingActive)
	if err != nil {
		return nil, err
	}
	s.tracker.SetStreaming(true, symbols(instruments)...)

	keys := make([]string, 0, len(instruments))
	for _, inst := range instruments {
		keys = append(keys, inst.Key)
	}

	s.logger.Info().Msgf("streaming %v", symbols(instruments))

	return keys, nil
}

// StartReplay streams the provided symbols from a recorded feed. Replays carry their own
// history so neither the readiness gate nor bootstrapping apply.
func (s *Stream) StartReplay(ctx context.Context, symbolSet []string, exchange string) ([]string, error) {
	instruments, err := s.cfg.Registry.Resolve(symbolSet, exchange)
	if err != nil {
		return nil, err
	}

	s.streamMtx.Lock()
	defer s.streamMtx.Unlock()

	err = s.cfg.Feed.Connect(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("connecting replay: %w", err)
	}

	err = s.cfg.Feed.Subscribe(ctx, instruments, s.cfg.Mode)
	if err != nil {
		dErr := s.cfg.Feed.Disconnect()
		if dErr != nil {
			s.logger.Error().Msgf("disconnecting replay: %v", dErr)
		}
		return nil, fmt.Errorf("subscribing replay: %w", err)
	}

	s.tracker.SetStreaming(true, symbols(instruments)...)

	return symbols(instruments), nil
}

// StopStream unsubscribes and disconnects the feed, applies buffered ticks and then
// flushes every working candle.
func (s *Stream) StopStream(ctx context.Context) error {
	s.streamMtx.Lock()
	defer s.streamMtx.Unlock()

	// The state moves before disconnecting so the resulting event is not treated as a
	// connection loss.
	state, _ := s.tracker.State()
	if state == integrity.StreamingActive || state == integrity.Recovery {
		s.transition(integrity.HistoricalComplete)
	}

	var errs error
	active := s.coordinator.Active()
	if len(active) > 0 {
		err := s.cfg.Feed.Unsubscribe(ctx, active)
		if err != nil {
			s.logger.Warn().Msgf("unsubscribing feed: %v", err)
		}
	}

	err := s.cfg.Feed.Disconnect()
	if err != nil {
		errs = errors.Join(errs, fmt.Errorf("disconnecting feed: %w", err))
	}

	s.coordinator.Release()
	s.tracker.ClearStreaming()

	// Ticks already delivered are applied before the working candles are flushed.
	drainCtx, cancel := context.WithTimeout(ctx, drainTimeout)
	err = s.aggregator.Drain(drainCtx)
	cancel()
	if err != nil {
		s.logger.Warn().Msgf("flushing before ticks drained: %v", err)
	}

	err = s.aggregator.Flush(ctx)
	if err != nil {
		errs = errors.Join(errs, err)
	}

	return errs
}

// Halt stops streaming and forces the inert halted state, clearing every streaming flag.
// Preparing trading again leaves the halted state.
func (s *Stream) Halt(ctx context.Context) error {
	s.streamMtx.Lock()
	s.tracker.Halt()
	s.streamMtx.Unlock()

	s.logger.Warn().Msgf("trading halted")

	return s.StopStream(ctx)
}

// GetCandles returns up to limit of the most recent candles of the provided series. The
// live series is preferred, the store serves series that are not streamed.
func (s *Stream) GetCandles(ctx context.Context, symbol string, timeframe shared.Timeframe, limit int) ([]shared.Candle, error) {
	candles, err := s.aggregator.GetCandles(symbol, timeframe, limit)
	if err != nil {
		return nil, err
	}
	if len(candles) > 0 {
		return candles, nil
	}

	return s.cfg.Store.GetCandles(ctx, shared.CandleQuery{
		Symbol:    symbol,
		Timeframe: timeframe,
		Limit:     limit,
	})
}

// RecoverGaps refetches every timeframe of the provided symbol since the provided time.
func (s *Stream) RecoverGaps(ctx context.Context, symbol string, since time.Time) error {
	var inst shared.Instrument
	var found bool
	for _, active := range s.coordinator.Active() {
		if active.Symbol == symbol {
			inst, found = active, true
			break
		}
	}

	if !found {
		resolved, err := s.cfg.Registry.Resolve([]string{symbol}, "")
		if err != nil {
			return err
		}
		inst = resolved[0]
	}

	return s.coordinator.RecoverGaps(ctx, inst, since)
}

// TradingStatus returns a snapshot of the trading readiness of the service.
func (s *Stream) TradingStatus() *TradingStatus {
	state, changed := s.tracker.State()
	now := s.cfg.Now()
	streaming := s.tracker.Streaming()
	completeness := s.validator.Last()

	status := &TradingStatus{
		State:              state,
		StateChanged:       changed,
		Completeness:       completeness,
		Streaming:          streaming,
		RecoveryInProgress: s.coordinator.InProgress(),
		MarketOpen:         s.cfg.Calendar.IsTradingDay(now) && s.cfg.Session.Contains(now),
		Scheduler:          s.scheduler.Status(),
	}

	status.TradingReady = completeness != nil && completeness.ReadyForTrading &&
		state == integrity.StreamingActive && len(streaming) > 0

	return status
}

// Drained returns a channel closed once the aggregator stops consuming ticks.
func (s *Stream) Drained() <-chan struct{} {
	return s.drained
}

// handleConnectionEvent moves the trading state on feed connection transitions. A lost
// connection enters recovery, the following reconnect repairs the gap before streaming
// resumes.
func (s *Stream) handleConnectionEvent(ctx context.Context, event shared.ConnectionEvent) {
	active := symbols(s.coordinator.Active())

	switch event.Status {
	case shared.Disconnected:
		s.streamMtx.Lock()
		defer s.streamMtx.Unlock()

		state, _ := s.tracker.State()
		if state != integrity.StreamingActive {
			return
		}

		s.logger.Warn().Msgf("feed disconnected: %v", event.Err)
		s.transition(integrity.Recovery)
		s.tracker.SetStreaming(false, active...)

	case shared.Connected:
		state, _ := s.tracker.State()
		if !event.Reconnect || state != integrity.Recovery {
			return
		}

		err := s.coordinator.HandleReconnect(ctx)
		if err != nil {
			s.logger.Error().Msgf("recovering after reconnect: %v", err)
		}

		s.streamMtx.Lock()
		state, _ = s.tracker.State()
		if state == integrity.Recovery {
			s.transition(integrity.StreamingActive)
			s.tracker.SetStreaming(true, active...)
		}
		s.streamMtx.Unlock()
	}
}

// handleEvents processes feed connection events until the context is done.
func (s *Stream) handleEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return

		case event := <-s.cfg.Feed.Events():
			s.handleConnectionEvent(ctx, event)
		}
	}
}

// Run handles the lifecycle processes of the stream service.
func (s *Stream) Run(ctx context.Context) {
	var wg sync.WaitGroup

	s.jobScheduler.StartAsync()
	if s.cfg.ValidationInterval > 0 {
		err := s.validator.SchedulePeriodic(ctx, s.cfg.ValidationInterval)
		if err != nil {
			s.logger.Error().Msgf("scheduling completeness validation: %v", err)
		}
	}

	wg.Add(2)
	go func() {
		s.aggregator.Run(ctx, s.cfg.Feed.Ticks())
		close(s.drained)
		wg.Done()
	}()

	go func() {
		s.handleEvents(ctx)
		wg.Done()
	}()

	if s.cfg.Replay {
		go func() {
			_, err := s.StartReplay(ctx, s.cfg.Symbols, s.cfg.Exchange)
			if err != nil {
				s.logger.Error().Msgf("starting replay: %v", err)
				s.cfg.Cancel()
				return
			}

			select {
			case <-s.drained:
				s.logger.Info().Msgf("replay for %v done", s.cfg.Symbols)
			case <-ctx.Done():
			}

			s.cfg.Cancel()
		}()
	}

	wg.Wait()

	s.jobScheduler.Stop()

	err := s.StopStream(context.Background())
	if err != nil {
		s.logger.Error().Msgf("stopping stream: %v", err)
	}
}
