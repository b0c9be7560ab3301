package shared

import (
	"testing"
	"time"

	"github.com/peterldowns/testy/assert"
)

func TestSessionHours(t *testing.T) {
	loc, err := time.LoadLocation(IndiaLocation)
	assert.NoError(t, err)

	// Ensure invalid session definitions are rejected.
	_, err = NewSessionHours("9:xx", NSEClose, loc)
	assert.Error(t, err)
	_, err = NewSessionHours(NSEOpen, "24:61", loc)
	assert.Error(t, err)
	_, err = NewSessionHours(NSEClose, NSEOpen, loc)
	assert.Error(t, err)
	_, err = NewSessionHours(NSEOpen, NSEClose, nil)
	assert.Error(t, err)

	hours, err := NewSessionHours(NSEOpen, NSEClose, loc)
	assert.NoError(t, err)

	// Ensure the session window is anchored to the provided date.
	date := time.Date(2025, 1, 6, 0, 0, 0, 0, loc)
	open, close := hours.Window(date)
	assert.True(t, open.Equal(time.Date(2025, 1, 6, 9, 15, 0, 0, loc)))
	assert.True(t, close.Equal(time.Date(2025, 1, 6, 15, 30, 0, 0, loc)))

	// Ensure the midpoint sits inside the session.
	mid := hours.Midpoint(date)
	assert.True(t, mid.Equal(time.Date(2025, 1, 6, 12, 22, 30, 0, loc)))
	assert.True(t, hours.Contains(mid))

	// Ensure the session is open inclusive and close exclusive.
	assert.True(t, hours.Contains(open))
	assert.False(t, hours.Contains(close))
	assert.False(t, hours.Contains(open.Add(-time.Second)))
}
