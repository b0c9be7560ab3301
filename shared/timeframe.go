package shared

import (
	"fmt"
	"strings"
	"time"
)

const (
	// SessionTimeLayout is the format layout for parsing session times in a day.
	SessionTimeLayout = "15:04"
	// DateLayout is the format layout for provider date parameters.
	DateLayout = "2006-01-02"
	// IndiaLocation is the default trading session location.
	IndiaLocation = "Asia/Kolkata"
)

// Timeframe represents the market data time period.
type Timeframe int

const (
	OneMinute Timeframe = iota
	FiveMinute
	FifteenMinute
	OneHour
	OneDay
)

// Timeframes lists every supported timeframe, smallest first.
var Timeframes = []Timeframe{OneMinute, FiveMinute, FifteenMinute, OneHour, OneDay}

// String stringifies the provided timeframe.
func (t Timeframe) String() string {
	switch t {
	case OneMinute:
		return "1m"
	case FiveMinute:
		return "5m"
	case FifteenMinute:
		return "15m"
	case OneHour:
		return "1h"
	case OneDay:
		return "1d"
	default:
		return "unknown"
	}
}

// Duration returns the bucket width of the timeframe.
func (t Timeframe) Duration() time.Duration {
	switch t {
	case OneMinute:
		return time.Minute
	case FiveMinute:
		return time.Minute * 5
	case FifteenMinute:
		return time.Minute * 15
	case OneHour:
		return time.Hour
	case OneDay:
		return time.Hour * 24
	default:
		return 0
	}
}

// Valid checks whether the timeframe is a supported one.
func (t Timeframe) Valid() bool {
	return t >= OneMinute && t <= OneDay
}

// Priority returns the fetch priority of the timeframe, cheapest first.
func (t Timeframe) Priority() int {
	switch t {
	case OneDay:
		return 1
	case OneHour:
		return 2
	case FifteenMinute:
		return 3
	case FiveMinute:
		return 4
	case OneMinute:
		return 5
	default:
		return 99
	}
}

// Unit returns the provider unit and interval for the timeframe.
func (t Timeframe) Unit() (string, int) {
	switch t {
	case OneMinute:
		return "minutes", 1
	case FiveMinute:
		return "minutes", 5
	case FifteenMinute:
		return "minutes", 15
	case OneHour:
		return "hours", 1
	case OneDay:
		return "days", 1
	default:
		return "", 0
	}
}

// ParseTimeframe parses the provided timeframe string.
func ParseTimeframe(s string) (Timeframe, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1m", "1minute":
		return OneMinute, nil
	case "5m", "5minute":
		return FiveMinute, nil
	case "15m", "15minute":
		return FifteenMinute, nil
	case "1h", "60m", "1hour":
		return OneHour, nil
	case "1d", "day", "1day":
		return OneDay, nil
	default:
		return 0, fmt.Errorf("unknown timeframe provided: %s", s)
	}
}

// IndiaTime returns the current time in the default trading session location.
func IndiaTime() (time.Time, *time.Location, error) {
	loc, err := time.LoadLocation(IndiaLocation)
	if err != nil {
		return time.Time{}, nil, fmt.Errorf("loading india timezone: %w", err)
	}

	now := time.Now().In(loc)
	return now, loc, nil
}
