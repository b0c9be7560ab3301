package integrity

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dnldd/candlekeep/shared"
	"github.com/go-co-op/gocron"
	"github.com/rs/zerolog"
)

const (
	// lookbackDays is the default number of days checked for completeness.
	lookbackDays = 30
)

// TradingTimeframes are the timeframes required before trading can start.
var TradingTimeframes = []shared.Timeframe{shared.OneMinute, shared.FiveMinute, shared.FifteenMinute}

// Recoverer defines the gap repair requirements of the validator.
type Recoverer interface {
	// RecoverRange fetches and merges the candles of a timeframe within the provided range.
	RecoverRange(ctx context.Context, instrument shared.Instrument, timeframe shared.Timeframe, from time.Time, to time.Time) (int, error)
	// InProgress checks whether any recovery is currently running.
	InProgress() bool
}

// ValidatorConfig represents the completeness validator configuration.
type ValidatorConfig struct {
	// Store is the persistent candle store checked for completeness.
	Store shared.CandleStore
	// Instruments returns the selected instruments.
	Instruments func() []shared.Instrument
	// Recoverer repairs detected gaps.
	Recoverer Recoverer
	// Calendar resolves trading days.
	Calendar shared.SessionCalendar
	// Session is the daily trading session.
	Session *shared.SessionHours
	// Timeframes are the required timeframes, TradingTimeframes when empty.
	Timeframes []shared.Timeframe
	// LookbackDays is the number of days checked, 30 when zero.
	LookbackDays int
	// JobScheduler schedules periodic validation.
	JobScheduler *gocron.Scheduler
	// Now returns the current time, time.Now when nil.
	Now func() time.Time
	// Logger represents the application logger.
	Logger *zerolog.Logger
}

// Validate asserts the config sane inputs.
func (cfg *ValidatorConfig) Validate() error {
	var errs error

	if cfg.Store == nil {
		errs = errors.Join(errs, fmt.Errorf("store cannot be nil"))
	}
	if cfg.Instruments == nil {
		errs = errors.Join(errs, fmt.Errorf("instruments cannot be nil"))
	}
	if cfg.Recoverer == nil {
		errs = errors.Join(errs, fmt.Errorf("recoverer cannot be nil"))
	}
	if cfg.Calendar == nil {
		errs = errors.Join(errs, fmt.Errorf("calendar cannot be nil"))
	}
	if cfg.Session == nil {
		errs = errors.Join(errs, fmt.Errorf("session cannot be nil"))
	}
	if cfg.LookbackDays < 0 {
		errs = errors.Join(errs, fmt.Errorf("lookback days cannot be negative"))
	}
	if cfg.JobScheduler == nil {
		errs = errors.Join(errs, fmt.Errorf("job scheduler cannot be nil"))
	}
	if cfg.Logger == nil {
		errs = errors.Join(errs, fmt.Errorf("logger cannot be nil"))
	}

	return errs
}

// Validator checks the stored candles of the selected instruments for missing sessions.
type Validator struct {
	cfg       *ValidatorConfig
	last      *shared.CompletenessStatus
	lastMtx   sync.RWMutex
	periodic  *gocron.Job
	validates sync.Mutex
}

// NewValidator initializes a new completeness validator.
func NewValidator(cfg *ValidatorConfig) (*Validator, error) {
	err := cfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("validating validator config: %w", err)
	}

	if len(cfg.Timeframes) == 0 {
		cfg.Timeframes = TradingTimeframes
	}
	if cfg.LookbackDays == 0 {
		cfg.LookbackDays = lookbackDays
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Validator{cfg: cfg}, nil
}

// ExpectedSessions returns the session dates expected within the lookback window,
// ascending. Sessions that have not closed yet are not expected.
func (v *Validator) ExpectedSessions(now time.Time) []time.Time {
	loc := v.cfg.Session.Location()
	local := now.In(loc)
	year, month, day := local.Date()
	today := time.Date(year, month, day, 0, 0, 0, 0, loc)

	sessions := make([]time.Time, 0, v.cfg.LookbackDays)
	for offset := v.cfg.LookbackDays; offset >= 0; offset-- {
		date := today.AddDate(0, 0, -offset)
		if !v.cfg.Calendar.IsTradingDay(v.cfg.Session.Midpoint(date)) {
			continue
		}

		_, close := v.cfg.Session.Window(date)
		if close.After(now) {
			continue
		}

		sessions = append(sessions, date)
	}

	return sessions
}

// findGaps returns the expected sessions of the instrument and timeframe missing from
// the store.
func (v *Validator) findGaps(ctx context.Context, instrument shared.Instrument, timeframe shared.Timeframe, sessions []time.Time, now time.Time) ([]shared.Gap, error) {
	if len(sessions) == 0 {
		return nil, nil
	}

	candles, err := v.cfg.Store.GetCandles(ctx, shared.CandleQuery{
		Symbol:    instrument.Symbol,
		Timeframe: timeframe,
		From:      sessions[0],
		To:        now,
	})
	if err != nil {
		return nil, fmt.Errorf("fetching %s %s candles: %w", instrument.Symbol, timeframe.String(), err)
	}

	loc := v.cfg.Session.Location()
	present := make(map[string]struct{}, len(sessions))
	for idx := range candles {
		present[candles[idx].Start.In(loc).Format(shared.DateLayout)] = struct{}{}
	}

	var gaps []shared.Gap
	for _, session := range sessions {
		_, ok := present[session.Format(shared.DateLayout)]
		if ok {
			continue
		}

		open, close := v.cfg.Session.Window(session)
		gaps = append(gaps, shared.Gap{
			Instrument: instrument,
			Timeframe:  timeframe,
			Start:      open,
			End:        close,
		})
	}

	return gaps, nil
}

// ValidateCompleteness checks every selected instrument and required timeframe for
// missing sessions. Trading is ready only when every instrument is complete.
func (v *Validator) ValidateCompleteness(ctx context.Context) (*shared.CompletenessStatus, error) {
	v.validates.Lock()
	defer v.validates.Unlock()

	now := v.cfg.Now()
	instruments := v.cfg.Instruments()
	status := &shared.CompletenessStatus{
		TotalInstruments:   len(instruments),
		RecoveryInProgress: v.cfg.Recoverer.InProgress(),
		CheckedAt:          now,
	}

	if len(instruments) == 0 {
		v.setLast(status)
		return status, shared.ErrNoInstruments
	}

	sessions := v.ExpectedSessions(now)
	for _, instrument := range instruments {
		complete := true
		for _, tf := range v.cfg.Timeframes {
			gaps, err := v.findGaps(ctx, instrument, tf, sessions, now)
			if err != nil {
				return nil, err
			}

			if len(gaps) > 0 {
				complete = false
				status.Gaps = append(status.Gaps, gaps...)
			}
		}

		if complete {
			status.CompleteInstruments++
		}
	}

	status.GapCount = len(status.Gaps)
	status.CompletionPercentage = float64(status.CompleteInstruments) / float64(status.TotalInstruments) * 100
	status.ReadyForTrading = status.CompleteInstruments == status.TotalInstruments

	v.setLast(status)

	v.cfg.Logger.Info().Msgf("completeness: %d/%d instruments complete (%.2f%%), %d gap(s)",
		status.CompleteInstruments, status.TotalInstruments, status.CompletionPercentage,
		status.GapCount)

	return status, nil
}

// ValidateAndRecover validates completeness, delegates detected gaps to recovery and
// validates again.
func (v *Validator) ValidateAndRecover(ctx context.Context) (*shared.CompletenessStatus, error) {
	status, err := v.ValidateCompleteness(ctx)
	if err != nil {
		return status, err
	}

	if status.GapCount == 0 {
		return status, nil
	}

	for _, gap := range status.Gaps {
		if ctx.Err() != nil {
			return status, ctx.Err()
		}

		_, err := v.cfg.Recoverer.RecoverRange(ctx, gap.Instrument, gap.Timeframe, gap.Start, gap.End)
		if err != nil {
			v.cfg.Logger.Error().Msgf("recovering %s %s gap %s: %v", gap.Instrument.Symbol,
				gap.Timeframe.String(), gap.Start.Format(shared.DateLayout), err)
		}
	}

	return v.ValidateCompleteness(ctx)
}

// setLast records the provided status as the latest.
func (v *Validator) setLast(status *shared.CompletenessStatus) {
	v.lastMtx.Lock()
	v.last = status
	v.lastMtx.Unlock()
}

// Last returns the most recent completeness status, nil before the first validation.
func (v *Validator) Last() *shared.CompletenessStatus {
	v.lastMtx.RLock()
	defer v.lastMtx.RUnlock()
	return v.last
}

// SchedulePeriodic registers a periodic completeness check on the job scheduler. The
// check only refreshes the latest status.
func (v *Validator) SchedulePeriodic(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("validation interval must be positive, got %s", interval)
	}
	if v.periodic != nil {
		v.cfg.JobScheduler.RemoveByReference(v.periodic)
	}

	job, err := v.cfg.JobScheduler.Every(interval).SingletonMode().WaitForSchedule().Do(func() {
		_, err := v.ValidateCompleteness(ctx)
		if err != nil {
			v.cfg.Logger.Error().Msgf("periodic completeness validation: %v", err)
		}
	})
	if err != nil {
		return fmt.Errorf("scheduling completeness validation: %w", err)
	}

	v.periodic = job
	return nil
}
