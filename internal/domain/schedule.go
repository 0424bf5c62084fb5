package domain

import "time"

// LocalNow is an instant expressed in a user's zone.
type LocalNow struct {
	Time     time.Time // same instant, in Location
	Date     LocalDate
	Location *time.Location
}

// LoadLocation resolves an IANA zone, falling back to UTC for empty or unknown ids.
// The ok result reports whether the zone was resolved as given.
func LoadLocation(tz string) (*time.Location, bool) {
	if tz == "" {
		return time.UTC, false
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.UTC, false
	}
	return loc, true
}

// Resolve converts a UTC instant into the local date and wall clock of tz.
// It never fails: an unresolvable zone is treated as UTC.
func Resolve(nowUTC time.Time, tz string) LocalNow {
	loc, _ := LoadLocation(tz)
	return In(nowUTC, loc)
}

// In is Resolve for an already loaded location.
func In(nowUTC time.Time, loc *time.Location) LocalNow {
	lt := nowUTC.In(loc)
	return LocalNow{Time: lt, Date: DateOf(lt), Location: loc}
}

// At combines a local date and minutes since midnight into an instant.
// A wall time skipped by a forward transition keeps the pre-transition offset,
// so 02:30 on a spring-forward day lands at 03:30 daylight time. An ambiguous
// wall time resolves to its first occurrence.
func At(d LocalDate, minutes int, loc *time.Location) time.Time {
	wall := time.Date(d.Year, d.Month, d.Day, minutes/60, minutes%60, 0, 0, time.UTC)

	// Offsets in force well before and well after this wall clock. A day
	// holds at most one transition, so these are the two sides of it.
	_, before := wall.Add(-24 * time.Hour).In(loc).Zone()
	_, after := wall.Add(24 * time.Hour).In(loc).Zone()

	var found time.Time
	for _, off := range []int{before, after} {
		t := wall.Add(-time.Duration(off) * time.Second).In(loc)
		if _, got := t.Zone(); got != off {
			continue // this offset is not in force at that instant
		}
		if found.IsZero() || t.Before(found) {
			found = t
		}
	}
	if !found.IsZero() {
		return found
	}
	// Gap: the wall clock does not exist; measure it with the old offset.
	return wall.Add(-time.Duration(before) * time.Second).In(loc)
}

// Due is the outcome of the due-window gate.
type Due int

const (
	NotYetDue Due = iota
	IsDue
	WindowMissed
)

func (d Due) String() string {
	switch d {
	case NotYetDue:
		return "not_yet_due"
	case IsDue:
		return "due"
	case WindowMissed:
		return "window_missed"
	default:
		return "unknown"
	}
}

// Evaluate reports whether local now lies in [target, target+window], where
// target is today's configured time of day in the same zone.
func Evaluate(now LocalNow, timeOfDayM int, window time.Duration) Due {
	target := At(now.Date, timeOfDayM, now.Location)
	switch {
	case now.Time.Before(target):
		return NotYetDue
	case now.Time.After(target.Add(window)):
		return WindowMissed
	default:
		return IsDue
	}
}
