package shared

import (
	"fmt"
	"math"
	"time"
)

// Candle represents an OHLCV summary of the ticks within one timeframe bucket.
type Candle struct {
	Symbol    string
	Timeframe Timeframe
	// Start is the inclusive bucket start.
	Start time.Time
	// End is the exclusive bucket end.
	End       time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	TickCount int64
}

// NewCandle opens a candle for the provided bucket from a single price.
func NewCandle(symbol string, timeframe Timeframe, start time.Time, end time.Time, price float64, volume float64) *Candle {
	return &Candle{
		Symbol:    symbol,
		Timeframe: timeframe,
		Start:     start,
		End:       end,
		Open:      price,
		High:      price,
		Low:       price,
		Close:     price,
		Volume:    volume,
		TickCount: 1,
	}
}

// Validate asserts the candle invariants.
func (c *Candle) Validate() error {
	if c.Symbol == "" {
		return fmt.Errorf("candle symbol cannot be an empty string")
	}
	if !c.Timeframe.Valid() {
		return fmt.Errorf("unknown candle timeframe: %s", c.Timeframe.String())
	}
	if c.Start.IsZero() || !c.End.After(c.Start) {
		return fmt.Errorf("candle end (%v) must be after start (%v)", c.End, c.Start)
	}
	for _, v := range []float64{c.Open, c.High, c.Low, c.Close, c.Volume} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("candle values must be finite")
		}
	}
	if c.High < math.Max(c.Open, c.Close) {
		return fmt.Errorf("candle high %.4f below max(open, close)", c.High)
	}
	if c.Low > math.Min(c.Open, c.Close) {
		return fmt.Errorf("candle low %.4f above min(open, close)", c.Low)
	}
	if c.Volume < 0 {
		return fmt.Errorf("candle volume cannot be negative")
	}

	return nil
}

// Update folds the provided price and volume delta into the candle.
func (c *Candle) Update(price float64, delta float64) {
	c.High = math.Max(c.High, price)
	c.Low = math.Min(c.Low, price)
	c.Close = price
	c.Volume += delta
	c.TickCount++
}

// Contains checks whether the provided time falls within the candle's bucket.
func (c *Candle) Contains(t time.Time) bool {
	return !t.Before(c.Start) && t.Before(c.End)
}
