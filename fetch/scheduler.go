package fetch

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

// BulkTimeframes are the timeframes fetched by a full historical backfill, cheapest first.
var BulkTimeframes = []shared.Timeframe{shared.OneDay, shared.FifteenMinute, shared.FiveMinute, shared.OneMinute}

// SchedulerConfig represents the configuration for the fetch scheduler.
type SchedulerConfig struct {
	// Fetcher fetches historical candles from the provider.
	Fetcher shared.HistoricalFetcher
	// Store persists fetched candles.
	Store shared.CandleStore
	// Window enforces the provider request budget.
	Window *SlidingWindow
	// Clock resolves session dates for request ranges.
	Clock *shared.Clock
	// Logger represents the application logger.
	Logger *zerolog.Logger
}

// Validate asserts the config sane inputs.
func (cfg *SchedulerConfig) Validate() error {
	var errs error

	if cfg.Fetcher == nil {
		errs = errors.Join(errs, fmt.Errorf("fetcher cannot be nil"))
	}
	if cfg.Store == nil {
		errs = errors.Join(errs, fmt.Errorf("store cannot be nil"))
	}
	if cfg.Window == nil {
		errs = errors.Join(errs, fmt.Errorf("window cannot be nil"))
	}
	if cfg.Clock == nil {
		errs = errors.Join(errs, fmt.Errorf("clock cannot be nil"))
	}
	if cfg.Logger == nil {
		errs = errors.Join(errs, fmt.Errorf("logger cannot be nil"))
	}

	return errs
}

// Status represents the live state of the fetch scheduler.
type Status struct {
	QueueDepth int
	Processing bool
	InFlight   int
}

// Scheduler drains queued fetch requests one at a time within the provider request budget.
type Scheduler struct {
	cfg        *SchedulerConfig
	queue      []*shared.FetchRequest
	queueMtx   sync.Mutex
	processing *atomic.Bool
	inFlight   *atomic.Int32
}

// NewScheduler initializes the fetch scheduler.
func NewScheduler(cfg *SchedulerConfig) (*Scheduler, error) {
	err := cfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("validating scheduler config: %w", err)
	}

	return &Scheduler{
		cfg:        cfg,
		processing: atomic.NewBool(false),
		inFlight:   atomic.NewInt32(0),
	}, nil
}

// Enqueue appends the provided batch to the queue, ordered cheapest timeframe first.
func (s *Scheduler) Enqueue(reqs ...*shared.FetchRequest) {
	batch := slices.Clone(reqs)
	slices.SortStableFunc(batch, func(a, b *shared.FetchRequest) int {
		return a.Priority - b.Priority
	})

	s.queueMtx.Lock()
	s.queue = append(s.queue, batch...)
	s.queueMtx.Unlock()
}

// next pops the request at the head of the queue.
func (s *Scheduler) next() (*shared.FetchRequest, bool) {
	s.queueMtx.Lock()
	defer s.queueMtx.Unlock()

	if len(s.queue) == 0 {
		return nil, false
	}

	req := s.queue[0]
	s.queue[0] = nil
	s.queue = s.queue[1:]

	return req, true
}

// Status returns the live state of the scheduler.
func (s *Scheduler) Status() Status {
	s.queueMtx.Lock()
	depth := len(s.queue)
	s.queueMtx.Unlock()

	return Status{
		QueueDepth: depth,
		Processing: s.processing.Load(),
		InFlight:   int(s.inFlight.Load()),
	}
}

// handleRequest fetches and stores the candles of the provided request.
func (s *Scheduler) handleRequest(ctx context.Context, req *shared.FetchRequest) shared.FetchResult {
	result := shared.FetchResult{Request: *req}

	waited, err := s.cfg.Window.Acquire(ctx)
	if err != nil {
		result.Err = fmt.Sprintf("waiting for request budget: %v", err)
		return result
	}
	if waited > 0 {
		s.cfg.Logger.Info().Msgf("request budget exhausted, waited %s before fetching %s %s",
			waited, req.Instrument.Symbol, req.Timeframe.String())
	}

	s.inFlight.Inc()
	candles, err := s.cfg.Fetcher.FetchHistorical(ctx, req.Instrument, req.Timeframe, req.From, req.To)
	s.inFlight.Dec()
	if err != nil {
		result.Err = err.Error()
		return result
	}

	err = s.cfg.Store.StoreCandles(ctx, candles)
	if err != nil {
		result.Err = fmt.Sprintf("storing candles: %v", err)
		return result
	}

	result.Success = true
	result.CandleCount = len(candles)

	return result
}

// Process drains the queue sequentially, isolating every request failure in its result.
// A cancelled context stops processing and leaves the remaining requests queued.
func (s *Scheduler) Process(ctx context.Context) ([]shared.FetchResult, error) {
	if !s.processing.CAS(false, true) {
		return nil, shared.ErrAlreadyProcessing
	}
	defer s.processing.Store(false)

	return s.drain(ctx, nil)
}

// drain processes queued requests until the queue is empty. Only the results of the
// provided batch are returned when batch is not nil. The caller must hold the processing
// flag.
func (s *Scheduler) drain(ctx context.Context, batch map[string]struct{}) ([]shared.FetchResult, error) {
	var results []shared.FetchResult
	var processed int
	for {
		if ctx.Err() != nil {
			return results, ctx.Err()
		}

		req, ok := s.next()
		if !ok {
			break
		}

		result := s.handleRequest(ctx, req)
		if !result.Success {
			s.cfg.Logger.Error().Msgf("fetching %s %s candles: %s", req.Instrument.Symbol,
				req.Timeframe.String(), result.Err)
		}
		processed++

		if batch != nil {
			_, ok := batch[req.ID]
			if !ok {
				continue
			}
		}
		results = append(results, result)
	}

	s.cfg.Logger.Info().Msgf("processed %d fetch requests, %d successful", processed,
		shared.CountSuccessful(results))

	return results, nil
}

// BuildRequests creates one request per instrument and timeframe covering the provided
// number of days up to yesterday's session date.
func (s *Scheduler) BuildRequests(instruments []shared.Instrument, timeframes []shared.Timeframe, daysBack int) ([]*shared.FetchRequest, error) {
	if len(instruments) == 0 {
		return nil, shared.ErrNoInstruments
	}
	if daysBack <= 0 {
		return nil, fmt.Errorf("days back must be positive, got %d", daysBack)
	}

	end := s.cfg.Clock.SessionDate(s.cfg.Clock.Now()).AddDate(0, 0, -1)
	start := end.AddDate(0, 0, -daysBack)

	reqs := make([]*shared.FetchRequest, 0, len(instruments)*len(timeframes))
	for _, instrument := range instruments {
		for _, timeframe := range timeframes {
			req, err := shared.NewFetchRequest(instrument, timeframe, start, end)
			if err != nil {
				return nil, err
			}
			reqs = append(reqs, req)
		}
	}

	return reqs, nil
}

// FetchAllTimeframes backfills every bulk timeframe of the provided instruments.
func (s *Scheduler) FetchAllTimeframes(ctx context.Context, instruments []shared.Instrument, daysBack int) ([]shared.FetchResult, error) {
	return s.fetch(ctx, instruments, BulkTimeframes, daysBack)
}

// FetchSingleInterval backfills a single timeframe of the provided instruments.
func (s *Scheduler) FetchSingleInterval(ctx context.Context, instruments []shared.Instrument, timeframe shared.Timeframe, daysBack int) ([]shared.FetchResult, error) {
	return s.fetch(ctx, instruments, []shared.Timeframe{timeframe}, daysBack)
}

// fetch builds, enqueues and processes a backfill batch, returning the results of that
// batch only.
func (s *Scheduler) fetch(ctx context.Context, instruments []shared.Instrument, timeframes []shared.Timeframe, daysBack int) ([]shared.FetchResult, error) {
	reqs, err := s.BuildRequests(instruments, timeframes, daysBack)
	if err != nil {
		return nil, err
	}

	// Claim the queue before enqueuing so a rejected batch leaves nothing behind.
	if !s.processing.CAS(false, true) {
		return nil, shared.ErrAlreadyProcessing
	}
	defer s.processing.Store(false)

	batch := make(map[string]struct{}, len(reqs))
	for _, req := range reqs {
		batch[req.ID] = struct{}{}
	}

	start := time.Now()
	s.Enqueue(reqs...)
	results, err := s.drain(ctx, batch)
	if err != nil {
		return results, err
	}

	s.cfg.Logger.Info().Msgf("backfilled %d instrument(s) across %d timeframe(s) in %s",
		len(instruments), len(timeframes), time.Since(start).Round(time.Millisecond))

	return results, nil
}
