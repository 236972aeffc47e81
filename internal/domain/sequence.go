package domain

import (
	"fmt"
	"strings"
	"time"
)

// SequenceScope — область, внутри которой номера заказов уникальны и возрастают.
type SequenceScope struct {
	PlaceID string
	Year    int
	Month   int
}

// ScopeAt возвращает область нумерации заведения для момента at в часовом поясе loc.
func ScopeAt(placeID string, at time.Time, loc *time.Location) SequenceScope {
	if loc != nil {
		at = at.In(loc)
	}
	return SequenceScope{PlaceID: placeID, Year: at.Year(), Month: int(at.Month())}
}

// Key возвращает ключ счётчика вида "place:yyyy:mm".
func (s SequenceScope) Key() string {
	return fmt.Sprintf("%s:%04d:%02d", s.PlaceID, s.Year, s.Month)
}

// Validate проверяет область нумерации.
func (s SequenceScope) Validate() error {
	switch {
	case strings.TrimSpace(s.PlaceID) == "":
		return fmt.Errorf("%w: place is required", ErrSequenceScopeInvalid)
	case strings.Contains(s.PlaceID, ":"):
		return fmt.Errorf("%w: place must not contain ':'", ErrSequenceScopeInvalid)
	case s.Year < 1 || s.Year > 9999:
		return fmt.Errorf("%w: year %d out of range", ErrSequenceScopeInvalid, s.Year)
	case s.Month < 1 || s.Month > 12:
		return fmt.Errorf("%w: month %d out of range", ErrSequenceScopeInvalid, s.Month)
	}
	return nil
}
