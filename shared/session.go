package shared

import (
	"fmt"
	"time"
)

const (
	// Equity session times for the national stock exchange, in india time.
	NSEOpen  = "09:15"
	NSEClose = "15:30"
)

// SessionHours represents the daily trading session of an exchange.
type SessionHours struct {
	open  time.Duration
	close time.Duration
	loc   *time.Location
}

// NewSessionHours initializes the session hours from the provided open and close times.
func NewSessionHours(open string, close string, loc *time.Location) (*SessionHours, error) {
	if loc == nil {
		return nil, fmt.Errorf("session location cannot be nil")
	}

	sessionOpen, err := time.Parse(SessionTimeLayout, open)
	if err != nil {
		return nil, fmt.Errorf("parsing session open: %w", err)
	}

	sessionClose, err := time.Parse(SessionTimeLayout, close)
	if err != nil {
		return nil, fmt.Errorf("parsing session close: %w", err)
	}

	openOffset := time.Duration(sessionOpen.Hour())*time.Hour + time.Duration(sessionOpen.Minute())*time.Minute
	closeOffset := time.Duration(sessionClose.Hour())*time.Hour + time.Duration(sessionClose.Minute())*time.Minute
	if closeOffset <= openOffset {
		return nil, fmt.Errorf("session close %s must be after open %s", close, open)
	}

	return &SessionHours{
		open:  openOffset,
		close: closeOffset,
		loc:   loc,
	}, nil
}

// Location returns the session location.
func (s *SessionHours) Location() *time.Location {
	return s.loc
}

// Window returns the open and close of the session on the provided date.
func (s *SessionHours) Window(date time.Time) (time.Time, time.Time) {
	local := date.In(s.loc)
	year, month, day := local.Date()
	midnight := time.Date(year, month, day, 0, 0, 0, 0, s.loc)

	return midnight.Add(s.open), midnight.Add(s.close)
}

// Midpoint returns the mid-session sample time of the session on the provided date.
func (s *SessionHours) Midpoint(date time.Time) time.Time {
	open, close := s.Window(date)
	return open.Add(close.Sub(open) / 2)
}

// Contains checks whether the provided time falls within the session on its date.
func (s *SessionHours) Contains(t time.Time) bool {
	open, close := s.Window(t)
	return !t.Before(open) && t.Before(close)
}
