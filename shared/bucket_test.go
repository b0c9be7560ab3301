package shared

import (
	"errors"
	"testing"
	"time"

	"github.com/peterldowns/testy/assert"
)

func setupClock(t *testing.T) *Clock {
	loc, err := time.LoadLocation(IndiaLocation)
	assert.NoError(t, err)

	clock, err := NewClock(loc)
	assert.NoError(t, err)

	return clock
}

func TestBucketStart(t *testing.T) {
	clock := setupClock(t)
	loc := clock.Location()
	ts := time.Date(2025, 1, 6, 9, 37, 42, 500, loc)

	tests := []struct {
		name      string
		timeframe Timeframe
		want      time.Time
	}{
		{"one minute", OneMinute, time.Date(2025, 1, 6, 9, 37, 0, 0, loc)},
		{"five minute", FiveMinute, time.Date(2025, 1, 6, 9, 35, 0, 0, loc)},
		{"fifteen minute", FifteenMinute, time.Date(2025, 1, 6, 9, 30, 0, 0, loc)},
		{"one hour", OneHour, time.Date(2025, 1, 6, 9, 0, 0, 0, loc)},
		{"one day", OneDay, time.Date(2025, 1, 6, 0, 0, 0, 0, loc)},
	}

	for _, test := range tests {
		start, err := clock.BucketStart(ts, test.timeframe)
		assert.NoError(t, err)
		if !start.Equal(test.want) {
			t.Errorf("%s: expected %v, got %v", test.name, test.want, start)
		}

		end, err := clock.BucketEnd(start, test.timeframe)
		assert.NoError(t, err)
		assert.Equal(t, end.Sub(start), test.timeframe.Duration())
	}
}

func TestBucketStartConvertsToSessionLocation(t *testing.T) {
	clock := setupClock(t)

	// 04:07 UTC is 09:37 in india, the half hour offset must not leak into hour buckets.
	ts := time.Date(2025, 1, 6, 4, 7, 0, 0, time.UTC)

	start, err := clock.BucketStart(ts, OneHour)
	assert.NoError(t, err)
	assert.Equal(t, start.Hour(), 9)
	assert.Equal(t, start.Minute(), 0)
	assert.Equal(t, start.Location().String(), IndiaLocation)

	// 20:00 UTC on the 5th is already the 6th in india.
	late := time.Date(2025, 1, 5, 20, 0, 0, 0, time.UTC)
	day, err := clock.BucketStart(late, OneDay)
	assert.NoError(t, err)
	assert.Equal(t, day.Day(), 6)
	assert.Equal(t, clock.SessionDate(late).Day(), 6)
}

func TestBucketRejectsInvalidInput(t *testing.T) {
	clock := setupClock(t)

	// Ensure zero timestamps are rejected.
	_, err := clock.BucketStart(time.Time{}, OneMinute)
	assert.True(t, errors.Is(err, ErrInvalidTimestamp))

	_, err = clock.BucketEnd(time.Time{}, OneMinute)
	assert.True(t, errors.Is(err, ErrInvalidTimestamp))

	// Ensure unknown timeframes are rejected.
	_, err = clock.BucketStart(time.Now(), Timeframe(999))
	assert.Error(t, err)

	_, _, err = clock.Bucket(time.Now(), Timeframe(999))
	assert.Error(t, err)

	// Ensure a clock cannot be created without a location.
	_, err = NewClock(nil)
	assert.Error(t, err)
}

func TestBucketBoundary(t *testing.T) {
	clock := setupClock(t)
	loc := clock.Location()

	// Ensure a timestamp exactly on a boundary starts the new bucket.
	boundary := time.Date(2025, 1, 6, 9, 31, 0, 0, loc)
	start, end, err := clock.Bucket(boundary, OneMinute)
	assert.NoError(t, err)
	assert.True(t, start.Equal(boundary))
	assert.True(t, end.Equal(boundary.Add(time.Minute)))

	// Ensure the instant before the boundary belongs to the previous bucket.
	start, _, err = clock.Bucket(boundary.Add(-time.Nanosecond), OneMinute)
	assert.NoError(t, err)
	assert.True(t, start.Equal(boundary.Add(-time.Minute)))
}
