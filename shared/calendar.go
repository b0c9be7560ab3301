package shared

import (
	"fmt"
	"time"

	"github.com/scmhub/calendar"
)

// SessionCalendar defines the requirements for determining trading days.
type SessionCalendar interface {
	// IsTradingDay checks whether the exchange trades on the provided date.
	IsTradingDay(date time.Time) bool
}

// WeekdayCalendar treats every weekday as a trading day.
type WeekdayCalendar struct {
	Location *time.Location
}

// IsTradingDay checks whether the provided date is a weekday.
func (c WeekdayCalendar) IsTradingDay(date time.Time) bool {
	if c.Location != nil {
		date = date.In(c.Location)
	}

	weekday := date.Weekday()
	return weekday != time.Saturday && weekday != time.Sunday
}

// ExchangeCalendar resolves trading days from an exchange holiday calendar.
type ExchangeCalendar struct {
	cal *calendar.Calendar
}

// NewExchangeCalendar loads the holiday calendar for the provided market identifier code.
func NewExchangeCalendar(mic string) (*ExchangeCalendar, error) {
	cal := calendar.GetCalendar(mic)
	if cal == nil {
		return nil, fmt.Errorf("no exchange calendar found for mic %s", mic)
	}

	return &ExchangeCalendar{cal: cal}, nil
}

// IsTradingDay checks whether the exchange trades on the provided date.
func (c *ExchangeCalendar) IsTradingDay(date time.Time) bool {
	if c.cal.Loc != nil {
		date = date.In(c.cal.Loc)
	}

	return c.cal.IsBusinessDay(date)
}
