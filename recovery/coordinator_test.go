package recovery

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dnldd/candlekeep/database"
	"github.com/dnldd/candlekeep/market"
	"github.com/dnldd/candlekeep/shared"
	"github.com/peterldowns/testy/assert"
	"github.com/rs/zerolog/log"
)

var (
	ist            = time.FixedZone("IST", 19800)
	now            = time.Date(2025, 1, 8, 10, 20, 0, 0, ist)
	testInstrument = shared.Instrument{Symbol: "RELIANCE", Key: "NSE_EQ|INE002A01018", Exchange: "NSE"}
)

type fetchCall struct {
	intraday  bool
	timeframe shared.Timeframe
	from      time.Time
	to        time.Time
}

type FetcherMock struct {
	clock   *shared.Clock
	fail    map[shared.Timeframe]bool
	block   chan struct{}
	calls   []fetchCall
	callMtx sync.Mutex
}

func (m *FetcherMock) record(call fetchCall) {
	m.callMtx.Lock()
	m.calls = append(m.calls, call)
	m.callMtx.Unlock()

	if m.block != nil {
		<-m.block
	}
}

func (m *FetcherMock) callsFor(timeframe shared.Timeframe) []fetchCall {
	m.callMtx.Lock()
	defer m.callMtx.Unlock()

	var set []fetchCall
	for _, call := range m.calls {
		if call.timeframe == timeframe {
			set = append(set, call)
		}
	}

	return set
}

func (m *FetcherMock) candle(symbol string, timeframe shared.Timeframe, start time.Time) shared.Candle {
	return shared.Candle{
		Symbol:    symbol,
		Timeframe: timeframe,
		Start:     start,
		End:       start.Add(timeframe.Duration()),
		Open:      100,
		High:      101,
		Low:       99,
		Close:     100.5,
		Volume:    1000,
	}
}

func (m *FetcherMock) FetchHistorical(ctx context.Context, instrument shared.Instrument, timeframe shared.Timeframe, from time.Time, to time.Time) ([]shared.Candle, error) {
	m.record(fetchCall{timeframe: timeframe, from: from, to: to})
	if m.fail[timeframe] {
		return nil, &shared.FetchError{Symbol: instrument.Symbol, Timeframe: timeframe, Attempts: 4, Err: errors.New("boom")}
	}

	start := to.Add(time.Hour*9 + time.Minute*15)
	if timeframe == shared.OneDay {
		start = to
	}

	return []shared.Candle{m.candle(instrument.Symbol, timeframe, start)}, nil
}

func (m *FetcherMock) FetchIntraday(ctx context.Context, instrument shared.Instrument, timeframe shared.Timeframe) ([]shared.Candle, error) {
	m.record(fetchCall{intraday: true, timeframe: timeframe})
	if m.fail[timeframe] {
		return nil, &shared.FetchError{Symbol: instrument.Symbol, Timeframe: timeframe, Attempts: 4, Err: errors.New("boom")}
	}

	open, err := m.clock.BucketStart(now, timeframe)
	if err != nil {
		return nil, err
	}

	return []shared.Candle{
		m.candle(instrument.Symbol, timeframe, open.Add(-timeframe.Duration())),
		m.candle(instrument.Symbol, timeframe, open),
	}, nil
}

func setupCoordinator(t *testing.T, fetcher *FetcherMock) (*Coordinator, *market.Aggregator, *database.Memory) {
	clock, err := shared.NewClock(ist)
	assert.NoError(t, err)
	fetcher.clock = clock

	store := database.NewMemory()
	agg, err := market.NewAggregator(&market.AggregatorConfig{
		Clock:  clock,
		Store:  store,
		Logger: &log.Logger,
	})
	assert.NoError(t, err)

	coord, err := NewCoordinator(&CoordinatorConfig{
		Fetcher: fetcher,
		Merger:  agg,
		Store:   store,
		Clock:   clock,
		Now:     func() time.Time { return now },
		Logger:  &log.Logger,
	})
	assert.NoError(t, err)

	return coord, agg, store
}

func TestCoordinatorConfigValidate(t *testing.T) {
	cfg := &CoordinatorConfig{Lookbacks: map[shared.Timeframe]time.Duration{shared.OneMinute: 0}}
	err := cfg.Validate()
	assert.Error(t, err)
	for _, substr := range []string{
		"fetcher cannot be nil",
		"merger cannot be nil",
		"store cannot be nil",
		"clock cannot be nil",
		"1m lookback must be positive",
		"logger cannot be nil",
	} {
		assert.True(t, strings.Contains(err.Error(), substr))
	}

	_, err = NewCoordinator(cfg)
	assert.Error(t, err)
}

func TestBootstrap(t *testing.T) {
	fetcher := &FetcherMock{}
	coord, agg, store := setupCoordinator(t, fetcher)
	ctx := context.Background()

	// Ensure every timeframe is backfilled over its lookback window.
	err := coord.Bootstrap(ctx, testInstrument)
	assert.NoError(t, err)
	assert.False(t, coord.InProgress())

	yesterday := time.Date(2025, 1, 7, 0, 0, 0, 0, ist)
	for tf, lookback := range DefaultLookbacks {
		calls := fetcher.callsFor(tf)
		assert.Equal(t, len(calls), 2)

		for _, call := range calls {
			if call.intraday {
				continue
			}
			want := time.Date(2025, 1, 8, 0, 0, 0, 0, ist).Add(-lookback)
			assert.True(t, call.from.Equal(want))
			assert.True(t, call.to.Equal(yesterday))
		}
	}

	// Ensure only completed candles are merged and persisted.
	for _, tf := range []shared.Timeframe{shared.OneMinute, shared.FiveMinute, shared.FifteenMinute, shared.OneHour} {
		candles, err := agg.GetCandles(testInstrument.Symbol, tf, 0)
		assert.NoError(t, err)
		assert.Equal(t, len(candles), 2)
		for idx := range candles {
			assert.False(t, candles[idx].End.After(now))
		}

		stored, err := store.GetCandles(ctx, shared.CandleQuery{Symbol: testInstrument.Symbol, Timeframe: tf})
		assert.NoError(t, err)
		assert.Equal(t, len(stored), 2)
	}

	// Ensure bootstrapping again is idempotent.
	err = coord.Bootstrap(ctx, testInstrument)
	assert.NoError(t, err)
	candles, err := agg.GetCandles(testInstrument.Symbol, shared.FiveMinute, 0)
	assert.NoError(t, err)
	assert.Equal(t, len(candles), 2)
}

func TestRecoverGapsToday(t *testing.T) {
	fetcher := &FetcherMock{}
	coord, agg, _ := setupCoordinator(t, fetcher)

	// Ensure recovery within today only uses the intraday endpoint.
	err := coord.RecoverGaps(context.Background(), testInstrument, now.Add(-time.Minute*15))
	assert.NoError(t, err)
	for _, tf := range shared.Timeframes {
		calls := fetcher.callsFor(tf)
		assert.Equal(t, len(calls), 1)
		assert.True(t, calls[0].intraday)
	}

	candles, err := agg.GetCandles(testInstrument.Symbol, shared.OneMinute, 0)
	assert.NoError(t, err)
	assert.Equal(t, len(candles), 1)
	assert.True(t, candles[0].End.Equal(now))

	// Ensure a zero recovery start is rejected.
	err = coord.RecoverGaps(context.Background(), testInstrument, time.Time{})
	assert.True(t, errors.Is(err, shared.ErrInvalidTimestamp))
}

func TestRecoverRangePastSession(t *testing.T) {
	fetcher := &FetcherMock{}
	coord, _, store := setupCoordinator(t, fetcher)

	from := time.Date(2025, 1, 3, 9, 15, 0, 0, ist)
	to := time.Date(2025, 1, 3, 15, 30, 0, 0, ist)

	// Ensure a past session is recovered from the historical endpoint only.
	count, err := coord.RecoverRange(context.Background(), testInstrument, shared.FiveMinute, from, to)
	assert.NoError(t, err)
	assert.Equal(t, count, 1)

	calls := fetcher.callsFor(shared.FiveMinute)
	assert.Equal(t, len(calls), 1)
	assert.False(t, calls[0].intraday)
	session := time.Date(2025, 1, 3, 0, 0, 0, 0, ist)
	assert.True(t, calls[0].from.Equal(session))
	assert.True(t, calls[0].to.Equal(session))

	stored, err := store.GetCandles(context.Background(), shared.CandleQuery{Symbol: testInstrument.Symbol, Timeframe: shared.FiveMinute})
	assert.NoError(t, err)
	assert.Equal(t, len(stored), 1)

	// Ensure inverted ranges are rejected.
	_, err = coord.RecoverRange(context.Background(), testInstrument, shared.FiveMinute, to, from)
	assert.Error(t, err)
}

func TestRecoverFailures(t *testing.T) {
	fetcher := &FetcherMock{fail: map[shared.Timeframe]bool{shared.OneHour: true}}
	coord, agg, _ := setupCoordinator(t, fetcher)

	// Ensure a failing timeframe does not prevent the others from recovering.
	err := coord.RecoverGaps(context.Background(), testInstrument, now.AddDate(0, 0, -1))
	assert.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "boom"))

	candles, err := agg.GetCandles(testInstrument.Symbol, shared.FifteenMinute, 0)
	assert.NoError(t, err)
	assert.Equal(t, len(candles), 2)

	candles, err = agg.GetCandles(testInstrument.Symbol, shared.OneHour, 0)
	assert.NoError(t, err)
	assert.Equal(t, len(candles), 0)

	// Ensure results arriving after cancellation are discarded.
	fetcher.fail = nil
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = coord.RecoverRange(ctx, testInstrument, shared.OneHour, now.Add(-time.Hour*2), now)
	assert.True(t, errors.Is(err, context.Canceled))

	candles, err = agg.GetCandles(testInstrument.Symbol, shared.OneHour, 0)
	assert.NoError(t, err)
	assert.Equal(t, len(candles), 0)
}

func TestHandleReconnect(t *testing.T) {
	fetcher := &FetcherMock{}
	coord, agg, _ := setupCoordinator(t, fetcher)
	ctx := context.Background()

	coord.Track(testInstrument, shared.Instrument{Symbol: "TCS", Key: "NSE_EQ|INE467B01029"})
	assert.Equal(t, len(coord.Active()), 2)
	assert.Equal(t, coord.Active()[0].Symbol, testInstrument.Symbol)

	// Ensure instruments without processed ticks are skipped.
	err := coord.HandleReconnect(ctx)
	assert.NoError(t, err)
	assert.Equal(t, len(fetcher.calls), 0)

	// Ensure instruments with processed ticks are recovered from their last tick.
	tick, err := shared.NewTick(testInstrument.Symbol, "NSE", now.Add(-time.Minute*5), 100)
	assert.NoError(t, err)
	assert.NoError(t, agg.ApplyTick(ctx, tick.WithQuantity(1)))

	err = coord.HandleReconnect(ctx)
	assert.NoError(t, err)
	assert.Equal(t, len(fetcher.calls), len(shared.Timeframes))

	// Ensure released instruments are no longer recovered.
	coord.Release(testInstrument.Symbol)
	assert.Equal(t, len(coord.Active()), 1)
	coord.Release()
	assert.Equal(t, len(coord.Active()), 0)
}

func TestInProgress(t *testing.T) {
	fetcher := &FetcherMock{block: make(chan struct{})}
	coord, _, _ := setupCoordinator(t, fetcher)

	done := make(chan error)
	go func() {
		_, err := coord.RecoverRange(context.Background(), testInstrument, shared.OneMinute, now.Add(-time.Minute*10), now)
		done <- err
	}()

	// Ensure the recovery flag is set while a recovery is running.
	for !coord.InProgress() {
		time.Sleep(time.Millisecond)
	}

	close(fetcher.block)
	assert.NoError(t, <-done)
	assert.False(t, coord.InProgress())
}
