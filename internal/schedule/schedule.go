// Package schedule computes when the next step of a sequence may be sent.
// Sends land inside business hours of a configured timezone.
package schedule

import (
	"fmt"
	"time"
	_ "time/tzdata" // containers often ship without zoneinfo

	"github.com/matthewtrundle/BloomMac-sub009/internal/domain"
)

const (
	DefaultOpenHour  = 9
	DefaultCloseHour = 17
)

// BusinessHours is the Monday to Friday send window [OpenHour, CloseHour)
// in Location.
type BusinessHours struct {
	Location  *time.Location
	OpenHour  int
	CloseHour int
}

// New returns the window for the named IANA timezone.
func New(timezone string, openHour, closeHour int) (BusinessHours, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return BusinessHours{}, fmt.Errorf("load timezone %q: %w", timezone, err)
	}
	if openHour < 0 || closeHour > 24 || openHour >= closeHour {
		return BusinessHours{}, fmt.Errorf("invalid business hours %d-%d", openHour, closeHour)
	}
	return BusinessHours{Location: loc, OpenHour: openHour, CloseHour: closeHour}, nil
}

// Default is 09:00-17:00 UTC.
func Default() BusinessHours {
	return BusinessHours{Location: time.UTC, OpenHour: DefaultOpenHour, CloseHour: DefaultCloseHour}
}

func (b BusinessHours) loc() *time.Location {
	if b.Location == nil {
		return time.UTC
	}
	return b.Location
}

// NextSendTime adds delay to ref and moves the result forward into the
// window. Hours are added as elapsed time, then days as calendar days in the
// business timezone so a DST change keeps the wall-clock time. The result is
// in UTC.
func (b BusinessHours) NextSendTime(delay domain.DelaySpec, ref time.Time) time.Time {
	t := ref.In(b.loc()).Add(time.Duration(delay.Hours) * time.Hour)
	t = t.AddDate(0, 0, int(delay.Days))
	return b.Adjust(t).UTC()
}

// Adjust returns the earliest instant at or after t that is inside the
// window, in the business timezone. 17:00 itself is outside.
func (b BusinessHours) Adjust(t time.Time) time.Time {
	loc := b.loc()
	t = t.In(loc)
	// A weekday roll can land on a weekend and vice versa; a week of
	// iterations always settles.
	for i := 0; i < 8; i++ {
		switch t.Weekday() {
		case time.Saturday:
			t = t.AddDate(0, 0, 2)
			continue
		case time.Sunday:
			t = t.AddDate(0, 0, 1)
			continue
		}
		y, m, d := t.Date()
		open := time.Date(y, m, d, b.OpenHour, 0, 0, 0, loc)
		closing := time.Date(y, m, d, b.CloseHour, 0, 0, 0, loc)
		switch {
		case t.Before(open):
			return open
		case !t.Before(closing):
			t = time.Date(y, m, d+1, b.OpenHour, 0, 0, 0, loc)
		default:
			return t
		}
	}
	return t
}

// InWindow reports whether t falls inside the send window.
func (b BusinessHours) InWindow(t time.Time) bool {
	t = t.In(b.loc())
	if wd := t.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return false
	}
	y, m, d := t.Date()
	open := time.Date(y, m, d, b.OpenHour, 0, 0, 0, b.loc())
	closing := time.Date(y, m, d, b.CloseHour, 0, 0, 0, b.loc())
	return !t.Before(open) && t.Before(closing)
}
