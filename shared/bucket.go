package shared

import (
	"fmt"
	"time"
)

// Clock maps timestamps to timeframe aligned buckets in the trading session location.
type Clock struct {
	loc *time.Location
}

// NewClock initializes a bucket clock for the provided session location.
func NewClock(loc *time.Location) (*Clock, error) {
	if loc == nil {
		return nil, fmt.Errorf("session location cannot be nil")
	}

	return &Clock{loc: loc}, nil
}

// Location returns the session location of the clock.
func (c *Clock) Location() *time.Location {
	return c.loc
}

// Now returns the current time in the session location.
func (c *Clock) Now() time.Time {
	return time.Now().In(c.loc)
}

// BucketStart floors the provided timestamp to the start of its timeframe bucket.
func (c *Clock) BucketStart(ts time.Time, timeframe Timeframe) (time.Time, error) {
	if ts.IsZero() {
		return time.Time{}, fmt.Errorf("%w: zero timestamp has no session time", ErrInvalidTimestamp)
	}

	// Calendar fields are read in the session location, truncating the absolute
	// time would misalign buckets for offsets with half hours.
	local := ts.In(c.loc)
	year, month, day := local.Date()

	switch timeframe {
	case OneMinute, FiveMinute, FifteenMinute:
		width := int(timeframe.Duration() / time.Minute)
		minute := local.Minute() - local.Minute()%width
		return time.Date(year, month, day, local.Hour(), minute, 0, 0, c.loc), nil
	case OneHour:
		return time.Date(year, month, day, local.Hour(), 0, 0, 0, c.loc), nil
	case OneDay:
		return time.Date(year, month, day, 0, 0, 0, 0, c.loc), nil
	default:
		return time.Time{}, fmt.Errorf("unknown timeframe provided: %s", timeframe.String())
	}
}

// BucketEnd returns the exclusive end of the bucket starting at the provided time.
func (c *Clock) BucketEnd(start time.Time, timeframe Timeframe) (time.Time, error) {
	if start.IsZero() {
		return time.Time{}, fmt.Errorf("%w: zero bucket start", ErrInvalidTimestamp)
	}
	if !timeframe.Valid() {
		return time.Time{}, fmt.Errorf("unknown timeframe provided: %s", timeframe.String())
	}

	return start.Add(timeframe.Duration()), nil
}

// Bucket returns the start and end of the bucket containing the provided timestamp.
func (c *Clock) Bucket(ts time.Time, timeframe Timeframe) (time.Time, time.Time, error) {
	start, err := c.BucketStart(ts, timeframe)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}

	return start, start.Add(timeframe.Duration()), nil
}

// SessionDate returns local midnight of the trading day containing the timestamp.
func (c *Clock) SessionDate(ts time.Time) time.Time {
	local := ts.In(c.loc)
	year, month, day := local.Date()
	return time.Date(year, month, day, 0, 0, 0, 0, c.loc)
}
