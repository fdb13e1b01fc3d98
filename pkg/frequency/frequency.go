// Package frequency converts frequency specifiers such as "1w" or "3M" into
// period boundaries.
//
// A specifier is an optional positive magnitude followed by a unit code:
//
//	m  minute
//	h  hour
//	d  day
//	w  week (weeks start on Monday)
//	M  month
//	q  quarter
//	s  semiannual (Jan 1 and Jul 1)
//	y  year
//
// All calculations are pure and happen in the location of the reference time.
package frequency

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// ErrInvalidFrequency is returned for specifiers that cannot be parsed.
// It is a permanent error: retrying with the same specifier cannot succeed.
var ErrInvalidFrequency = errors.New("invalid frequency")

var specifierRe = regexp.MustCompile(`^(\d+)?([mhdwMqsy])$`)

// Unit is a closed set of calendar units.
type Unit int

const (
	Minute Unit = iota
	Hour
	Day
	Week
	Month
	Quarter
	Semiannual
	Year
)

var unitCodes = [...]string{
	Minute:     "m",
	Hour:       "h",
	Day:        "d",
	Week:       "w",
	Month:      "M",
	Quarter:    "q",
	Semiannual: "s",
	Year:       "y",
}

var unitNames = [...]string{
	Minute:     "minute",
	Hour:       "hour",
	Day:        "day",
	Week:       "week",
	Month:      "month",
	Quarter:    "quarter",
	Semiannual: "semiannual",
	Year:       "year",
}

func (u Unit) Code() string {
	return unitCodes[u]
}

func (u Unit) String() string {
	return unitNames[u]
}

func unitFromCode(code string) (Unit, bool) {
	for u, c := range unitCodes {
		if c == code {
			return Unit(u), true
		}
	}
	return 0, false
}

// start truncates t to the beginning of the unit containing it.
func (u Unit) start(t time.Time) time.Time {
	y, mo, d := t.Date()
	loc := t.Location()

	switch u {
	// Sub-day units step back from the instant itself; rebuilding the wall
	// clock would pick the first occurrence of a repeated DST hour.
	case Minute:
		return t.Add(-time.Duration(t.Second())*time.Second - time.Duration(t.Nanosecond()))
	case Hour:
		return t.Add(-time.Duration(t.Minute())*time.Minute -
			time.Duration(t.Second())*time.Second - time.Duration(t.Nanosecond()))
	case Day:
		return time.Date(y, mo, d, 0, 0, 0, 0, loc)
	case Week:
		// time.Weekday has Sunday == 0; shift so Monday is day 0.
		offset := (int(t.Weekday()) + 6) % 7
		return time.Date(y, mo, d-offset, 0, 0, 0, 0, loc)
	case Month:
		return time.Date(y, mo, 1, 0, 0, 0, 0, loc)
	case Quarter:
		first := time.Month((int(mo)-1)/3*3 + 1)
		return time.Date(y, first, 1, 0, 0, 0, 0, loc)
	case Semiannual:
		first := time.January
		if mo > time.June {
			first = time.July
		}
		return time.Date(y, first, 1, 0, 0, 0, 0, loc)
	case Year:
		return time.Date(y, time.January, 1, 0, 0, 0, 0, loc)
	}
	panic(fmt.Sprintf("frequency: unknown unit %d", int(u)))
}

// add moves t by n units. Calendar units are added on the date fields so that
// month lengths and DST shifts are respected.
func (u Unit) add(t time.Time, n int) time.Time {
	switch u {
	case Minute:
		return t.Add(time.Duration(n) * time.Minute)
	case Hour:
		return t.Add(time.Duration(n) * time.Hour)
	case Day:
		return t.AddDate(0, 0, n)
	case Week:
		return t.AddDate(0, 0, 7*n)
	case Month:
		return t.AddDate(0, n, 0)
	case Quarter:
		return t.AddDate(0, 3*n, 0)
	case Semiannual:
		return t.AddDate(0, 6*n, 0)
	case Year:
		return t.AddDate(n, 0, 0)
	}
	panic(fmt.Sprintf("frequency: unknown unit %d", int(u)))
}

// Frequency is a parsed specifier.
type Frequency struct {
	Magnitude int
	Unit      Unit
}

// Parse parses a specifier like "1w", "M" or "6M".
func Parse(spec string) (Frequency, error) {
	m := specifierRe.FindStringSubmatch(spec)
	if m == nil {
		return Frequency{}, fmt.Errorf("%w: %q", ErrInvalidFrequency, spec)
	}

	magnitude := 1
	if m[1] != "" {
		n, err := strconv.Atoi(m[1])
		if err != nil || n < 1 {
			return Frequency{}, fmt.Errorf("%w: %q: magnitude must be a positive integer", ErrInvalidFrequency, spec)
		}
		magnitude = n
	}

	unit, ok := unitFromCode(m[2])
	if !ok {
		return Frequency{}, fmt.Errorf("%w: %q: unknown unit", ErrInvalidFrequency, spec)
	}

	return Frequency{Magnitude: magnitude, Unit: unit}, nil
}

// MustParse is like Parse but panics on error. Intended for constants and tests.
func MustParse(spec string) Frequency {
	f, err := Parse(spec)
	if err != nil {
		panic(err)
	}
	return f
}

func (f Frequency) String() string {
	return strconv.Itoa(f.Magnitude) + f.Unit.Code()
}

// StartOfCurrentPeriod returns the beginning of the unit containing ref.
func (f Frequency) StartOfCurrentPeriod(ref time.Time) time.Time {
	return f.Unit.start(ref)
}

// StartOfPreviousPeriod returns the current period start moved back by the
// frequency magnitude.
func (f Frequency) StartOfPreviousPeriod(ref time.Time) time.Time {
	return f.Unit.add(f.StartOfCurrentPeriod(ref), -f.Magnitude)
}

// StartOfNextPeriod returns the current period start moved forward by the
// frequency magnitude.
func (f Frequency) StartOfNextPeriod(ref time.Time) time.Time {
	return f.Unit.add(f.StartOfCurrentPeriod(ref), f.Magnitude)
}

// Period is a half-open time range [Start, End).
type Period struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// PreviousPeriod returns the last complete period before ref.
func (f Frequency) PreviousPeriod(ref time.Time) Period {
	return Period{
		Start: f.StartOfPreviousPeriod(ref),
		End:   f.StartOfCurrentPeriod(ref),
	}
}

// Resolution is the nominal length of one unit. Used to bound how often a
// schedule may fire; it is not exact for calendar units.
func (f Frequency) Resolution() time.Duration {
	switch f.Unit {
	case Minute:
		return time.Minute
	case Hour:
		return time.Hour
	case Day:
		return 24 * time.Hour
	case Week:
		return 7 * 24 * time.Hour
	case Month:
		return 28 * 24 * time.Hour
	case Quarter:
		return 89 * 24 * time.Hour
	case Semiannual:
		return 181 * 24 * time.Hour
	case Year:
		return 365 * 24 * time.Hour
	}
	panic(fmt.Sprintf("frequency: unknown unit %d", int(f.Unit)))
}
