package integrity

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dnldd/candlekeep/database"
	"github.com/dnldd/candlekeep/shared"
	"github.com/go-co-op/gocron"
	"github.com/peterldowns/testy/assert"
	"github.com/rs/zerolog/log"
)

var ist = time.FixedZone("IST", 19800)

type RecovererMock struct {
	store   shared.CandleStore
	fail    bool
	calls   []shared.Gap
	callMtx sync.Mutex
}

func (m *RecovererMock) RecoverRange(ctx context.Context, instrument shared.Instrument, timeframe shared.Timeframe, from time.Time, to time.Time) (int, error) {
	m.callMtx.Lock()
	m.calls = append(m.calls, shared.Gap{Instrument: instrument, Timeframe: timeframe, Start: from, End: to})
	m.callMtx.Unlock()

	if m.fail {
		return 0, errors.New("boom")
	}

	err := m.store.StoreCandle(ctx, sessionCandle(instrument.Symbol, timeframe, from))
	if err != nil {
		return 0, err
	}

	return 1, nil
}

func (m *RecovererMock) InProgress() bool {
	return false
}

func sessionCandle(symbol string, timeframe shared.Timeframe, start time.Time) *shared.Candle {
	return &shared.Candle{
		Symbol:    symbol,
		Timeframe: timeframe,
		Start:     start,
		End:       start.Add(timeframe.Duration()),
		Open:      100,
		High:      101,
		Low:       99,
		Close:     100,
		Volume:    10,
	}
}

func setupValidator(t *testing.T, instruments []shared.Instrument, now time.Time) (*Validator, *database.Memory, *RecovererMock) {
	session, err := shared.NewSessionHours(shared.NSEOpen, shared.NSEClose, ist)
	assert.NoError(t, err)

	store := database.NewMemory()
	recoverer := &RecovererMock{store: store}
	validator, err := NewValidator(&ValidatorConfig{
		Store:        store,
		Instruments:  func() []shared.Instrument { return instruments },
		Recoverer:    recoverer,
		Calendar:     shared.WeekdayCalendar{Location: ist},
		Session:      session,
		LookbackDays: 7,
		JobScheduler: gocron.NewScheduler(ist),
		Now:          func() time.Time { return now },
		Logger:       &log.Logger,
	})
	assert.NoError(t, err)

	return validator, store, recoverer
}

// fillSessions stores one candle per session and timeframe, skipping the provided date.
func fillSessions(t *testing.T, store *database.Memory, symbol string, sessions []time.Time, skip time.Time, skipTF shared.Timeframe) {
	for _, session := range sessions {
		for _, tf := range TradingTimeframes {
			if session.Equal(skip) && tf == skipTF {
				continue
			}

			open := session.Add(time.Hour*9 + time.Minute*15)
			err := store.StoreCandle(context.Background(), sessionCandle(symbol, tf, open))
			assert.NoError(t, err)
		}
	}
}

func TestValidatorConfigValidate(t *testing.T) {
	cfg := &ValidatorConfig{LookbackDays: -1}
	err := cfg.Validate()
	assert.Error(t, err)
	for _, substr := range []string{
		"store cannot be nil",
		"instruments cannot be nil",
		"recoverer cannot be nil",
		"calendar cannot be nil",
		"session cannot be nil",
		"lookback days cannot be negative",
		"job scheduler cannot be nil",
		"logger cannot be nil",
	} {
		assert.True(t, strings.Contains(err.Error(), substr))
	}

	_, err = NewValidator(cfg)
	assert.Error(t, err)
}

func TestExpectedSessions(t *testing.T) {
	validator, _, _ := setupValidator(t, nil, time.Now())

	// Ensure weekends are not expected and a closed session today is.
	sessions := validator.ExpectedSessions(time.Date(2025, 1, 8, 16, 0, 0, 0, ist))
	assert.Equal(t, len(sessions), 6)
	assert.True(t, sessions[0].Equal(time.Date(2025, 1, 1, 0, 0, 0, 0, ist)))
	assert.True(t, sessions[5].Equal(time.Date(2025, 1, 8, 0, 0, 0, 0, ist)))

	// Ensure a session that has not closed yet is not expected.
	sessions = validator.ExpectedSessions(time.Date(2025, 1, 8, 12, 0, 0, 0, ist))
	assert.Equal(t, len(sessions), 5)
	assert.True(t, sessions[4].Equal(time.Date(2025, 1, 7, 0, 0, 0, 0, ist)))

	// Ensure timestamps in other locations resolve to the session date.
	sessions = validator.ExpectedSessions(time.Date(2025, 1, 8, 10, 45, 0, 0, time.UTC))
	assert.Equal(t, len(sessions), 6)
}

func TestValidateCompleteness(t *testing.T) {
	instruments := []shared.Instrument{
		{Symbol: "RELIANCE", Key: "NSE_EQ|INE002A01018"},
		{Symbol: "TCS", Key: "NSE_EQ|INE467B01029"},
	}
	now := time.Date(2025, 1, 8, 16, 0, 0, 0, ist)
	validator, store, recoverer := setupValidator(t, instruments, now)
	ctx := context.Background()

	assert.True(t, validator.Last() == nil)

	sessions := validator.ExpectedSessions(now)
	missing := time.Date(2025, 1, 3, 0, 0, 0, 0, ist)
	fillSessions(t, store, "RELIANCE", sessions, time.Time{}, shared.OneMinute)
	fillSessions(t, store, "TCS", sessions, missing, shared.FiveMinute)

	// Ensure missing sessions are reported as gaps and block trading.
	status, err := validator.ValidateCompleteness(ctx)
	assert.NoError(t, err)
	assert.Equal(t, status.TotalInstruments, 2)
	assert.Equal(t, status.CompleteInstruments, 1)
	assert.Equal(t, status.GapCount, 1)
	assert.Equal(t, status.CompletionPercentage, 50.0)
	assert.False(t, status.ReadyForTrading)
	assert.True(t, status.CheckedAt.Equal(now))

	gap := status.Gaps[0]
	assert.Equal(t, gap.Instrument.Symbol, "TCS")
	assert.Equal(t, gap.Timeframe, shared.FiveMinute)
	assert.True(t, gap.Start.Equal(time.Date(2025, 1, 3, 9, 15, 0, 0, ist)))
	assert.True(t, gap.End.Equal(time.Date(2025, 1, 3, 15, 30, 0, 0, ist)))
	assert.True(t, validator.Last() == status)

	// Ensure recovering the gaps makes the selection ready for trading.
	status, err = validator.ValidateAndRecover(ctx)
	assert.NoError(t, err)
	assert.Equal(t, len(recoverer.calls), 1)
	assert.Equal(t, status.GapCount, 0)
	assert.Equal(t, status.CompletionPercentage, 100.0)
	assert.True(t, status.ReadyForTrading)

	// Ensure a complete selection does not trigger recovery.
	_, err = validator.ValidateAndRecover(ctx)
	assert.NoError(t, err)
	assert.Equal(t, len(recoverer.calls), 1)
}

func TestValidateAndRecoverFailure(t *testing.T) {
	instruments := []shared.Instrument{{Symbol: "RELIANCE", Key: "NSE_EQ|INE002A01018"}}
	validator, _, recoverer := setupValidator(t, instruments, time.Date(2025, 1, 8, 16, 0, 0, 0, ist))
	recoverer.fail = true

	// Ensure failed recoveries leave the selection incomplete.
	status, err := validator.ValidateAndRecover(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, status.GapCount, 6*len(TradingTimeframes))
	assert.Equal(t, len(recoverer.calls), 6*len(TradingTimeframes))
	assert.Equal(t, status.CompletionPercentage, 0.0)
	assert.False(t, status.ReadyForTrading)
}

func TestValidateNoInstruments(t *testing.T) {
	validator, _, _ := setupValidator(t, nil, time.Now())

	// Ensure an empty selection is never ready.
	status, err := validator.ValidateCompleteness(context.Background())
	assert.True(t, errors.Is(err, shared.ErrNoInstruments))
	assert.False(t, status.ReadyForTrading)
	assert.Equal(t, status.CompletionPercentage, 0.0)
}

func TestSchedulePeriodic(t *testing.T) {
	instruments := []shared.Instrument{{Symbol: "RELIANCE", Key: "NSE_EQ|INE002A01018"}}
	validator, _, _ := setupValidator(t, instruments, time.Now())

	// Ensure invalid intervals are rejected.
	err := validator.SchedulePeriodic(context.Background(), 0)
	assert.Error(t, err)

	// Ensure the periodic check refreshes the latest status.
	err = validator.SchedulePeriodic(context.Background(), time.Millisecond*50)
	assert.NoError(t, err)

	validator.cfg.JobScheduler.StartAsync()
	defer validator.cfg.JobScheduler.Stop()

	deadline := time.Now().Add(time.Second * 5)
	for validator.Last() == nil && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond * 10)
	}
	assert.NotNil(t, validator.Last())
}
