package market

import (
	"slices"
	"time"

	"github.com/dnldd/candlekeep/shared"
)

const (
	// closedCapacity is the maximum number of closed candles tracked per series.
	closedCapacity = 2000
)

// Series tracks the working and closed candles of a symbol for one timeframe.
type Series struct {
	symbol    string
	timeframe shared.Timeframe
	capacity  int
	working   *shared.Candle
	// closed is ordered ascending by start with unique starts.
	closed        []shared.Candle
	lastProcessed time.Time
	lastSeenCum   *float64
}

// NewSeries initializes an empty candle series.
func NewSeries(symbol string, timeframe shared.Timeframe, capacity int) *Series {
	if capacity <= 0 {
		capacity = closedCapacity
	}

	return &Series{
		symbol:    symbol,
		timeframe: timeframe,
		capacity:  capacity,
		closed:    make([]shared.Candle, 0, min(capacity, 64)),
	}
}

// volumeDelta derives the traded volume of the provided tick. The boolean is set when a
// negative cumulative delta was clamped to zero.
func (s *Series) volumeDelta(tick *shared.Tick) (float64, bool) {
	if tick.Quantity != nil {
		return max(*tick.Quantity, 0), false
	}

	if tick.CumulativeVolume == nil {
		return 0, false
	}

	// The first cumulative reading counts in full.
	var prev float64
	if s.lastSeenCum != nil {
		prev = *s.lastSeenCum
	}
	cum := *tick.CumulativeVolume
	s.lastSeenCum = &cum

	delta := cum - prev
	if delta < 0 {
		return 0, true
	}

	return delta, false
}

// Apply folds the provided tick into the series. The previous working candle is returned
// when the tick rolls the series over into a new bucket.
func (s *Series) Apply(tick *shared.Tick, start time.Time, end time.Time, delta float64) *shared.Candle {
	var closed *shared.Candle

	switch {
	case s.working == nil:
		reopened, ok := s.reopen(start)
		if ok {
			s.working = reopened
			s.working.Update(tick.Price, delta)
			break
		}
		s.working = shared.NewCandle(s.symbol, s.timeframe, start, end, tick.Price, delta)
	case start.After(s.working.Start):
		closed = s.working
		s.upsertClosed(*closed)
		reopened, ok := s.reopen(start)
		if ok {
			s.working = reopened
			s.working.Update(tick.Price, delta)
			break
		}
		s.working = shared.NewCandle(s.symbol, s.timeframe, start, end, tick.Price, delta)
	default:
		// Ticks landing in an earlier bucket fold into the working candle.
		s.working.Update(tick.Price, delta)
	}

	if tick.Timestamp.After(s.lastProcessed) {
		s.lastProcessed = tick.Timestamp
	}

	return closed
}

// reopen removes the closed candle starting at the provided time and returns it, so a
// flushed bucket keeps accumulating instead of being replaced by a fresh candle.
func (s *Series) reopen(start time.Time) (*shared.Candle, bool) {
	idx, found := slices.BinarySearchFunc(s.closed, start, func(c shared.Candle, t time.Time) int {
		return c.Start.Compare(t)
	})
	if !found {
		return nil, false
	}

	candle := s.closed[idx]
	s.closed = slices.Delete(s.closed, idx, idx+1)

	return &candle, true
}

// upsertClosed inserts or overwrites the provided closed candle keyed by its start,
// evicting the oldest entry when the series is at capacity.
func (s *Series) upsertClosed(candle shared.Candle) {
	idx, found := slices.BinarySearchFunc(s.closed, candle.Start, func(c shared.Candle, t time.Time) int {
		return c.Start.Compare(t)
	})
	if found {
		s.closed[idx] = candle
		return
	}

	s.closed = slices.Insert(s.closed, idx, candle)
	if len(s.closed) > s.capacity {
		s.closed = slices.Delete(s.closed, 0, len(s.closed)-s.capacity)
	}
}

// Merge overwrites closed candles with the provided completed candles. A working candle
// at or before the latest merged bucket is closed first and returned when no merged
// candle replaced it.
func (s *Series) Merge(candles []shared.Candle) *shared.Candle {
	if len(candles) == 0 {
		return nil
	}

	latest := candles[0].Start
	for idx := range candles {
		if candles[idx].Start.After(latest) {
			latest = candles[idx].Start
		}
	}

	var promoted *shared.Candle
	if s.working != nil && !s.working.Start.After(latest) {
		promoted = s.working
		s.upsertClosed(*promoted)
		s.working = nil
	}

	for idx := range candles {
		s.upsertClosed(candles[idx])
		if promoted != nil && candles[idx].Start.Equal(promoted.Start) {
			promoted = nil
		}
	}

	return promoted
}

// Flush closes the working candle and returns it.
func (s *Series) Flush() *shared.Candle {
	if s.working == nil {
		return nil
	}

	closed := s.working
	s.upsertClosed(*closed)
	s.working = nil

	return closed
}

// Candles returns up to the last limit closed candles with the working candle appended.
func (s *Series) Candles(limit int) []shared.Candle {
	closed := s.closed
	if limit > 0 && len(closed) > limit {
		closed = closed[len(closed)-limit:]
	}

	set := make([]shared.Candle, 0, len(closed)+1)
	set = append(set, closed...)
	if s.working != nil {
		set = append(set, *s.working)
	}

	return set
}

// Working returns a copy of the working candle.
func (s *Series) Working() (shared.Candle, bool) {
	if s.working == nil {
		return shared.Candle{}, false
	}

	return *s.working, true
}

// LastProcessed returns the timestamp of the last applied tick.
func (s *Series) LastProcessed() time.Time {
	return s.lastProcessed
}
