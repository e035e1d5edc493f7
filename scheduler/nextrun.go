// Package scheduler decides when each project runs: it computes next-run
// timestamps in the project's timezone and polls the project store every tick
// for due and upcoming work, enqueuing research and delivery jobs idempotently.
package scheduler

import (
	"fmt"
	"time"

	"briefcast.org/store"
)

// ParseDeliveryTime parses an "HH:MM" string.
func ParseDeliveryTime(s string) (hour, minute int, err error) {
	if _, err := fmt.Sscanf(s, "%d:%d", &hour, &minute); err != nil {
		return 0, 0, fmt.Errorf("invalid delivery time %q: %w", s, err)
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid delivery time %q", s)
	}
	return hour, minute, nil
}

// isoWeekday maps Go's Sunday-based weekday to ISO 1-7 (Monday=1).
func isoWeekday(wd time.Weekday) int {
	return (int(wd)+6)%7 + 1
}

// daysInMonth returns the number of days in the given month.
func daysInMonth(year int, month time.Month, loc *time.Location) int {
	return time.Date(year, month+1, 0, 12, 0, 0, 0, loc).Day()
}

// NextRunAt computes the soonest strictly-future instant whose local
// projection in the project's timezone matches the delivery time and, for
// weekly/monthly cadences, the day-of-week/day-of-month. A day-of-month past
// the end of a shorter month snaps to that month's last day. frequency=once
// returns now.
//
// Candidate instants are constructed with time.Date in the project zone, so
// DST transitions normalize the same way the platform does: a delivery time
// that falls inside a spring-forward gap shifts forward with the clock.
func NextRunAt(freq store.Frequency, deliveryTime, timezone string, dayOfWeek, dayOfMonth int, now time.Time) (time.Time, error) {
	if freq == store.FrequencyOnce {
		return now, nil
	}

	hour, minute, err := ParseDeliveryTime(deliveryTime)
	if err != nil {
		return time.Time{}, err
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timezone %q: %w", timezone, err)
	}
	local := now.In(loc)

	switch freq {
	case store.FrequencyDaily:
		for off := 0; off <= 1; off++ {
			cand := time.Date(local.Year(), local.Month(), local.Day()+off, hour, minute, 0, 0, loc)
			if cand.After(now) {
				return cand, nil
			}
		}

	case store.FrequencyWeekly:
		if dayOfWeek < 1 || dayOfWeek > 7 {
			return time.Time{}, fmt.Errorf("invalid dayOfWeek %d", dayOfWeek)
		}
		for off := 0; off <= 7; off++ {
			cand := time.Date(local.Year(), local.Month(), local.Day()+off, hour, minute, 0, 0, loc)
			if cand.After(now) && isoWeekday(cand.Weekday()) == dayOfWeek {
				return cand, nil
			}
		}

	case store.FrequencyMonthly:
		if dayOfMonth < 1 || dayOfMonth > 31 {
			return time.Time{}, fmt.Errorf("invalid dayOfMonth %d", dayOfMonth)
		}
		for off := 0; off <= 2; off++ {
			year, month := local.Year(), local.Month()+time.Month(off)
			day := dayOfMonth
			if max := daysInMonth(year, month, loc); day > max {
				day = max
			}
			cand := time.Date(year, month, day, hour, minute, 0, 0, loc)
			if cand.After(now) {
				return cand, nil
			}
		}

	default:
		return time.Time{}, fmt.Errorf("invalid frequency %q", freq)
	}

	return time.Time{}, fmt.Errorf("no next run found for frequency %q", freq)
}

// NextRunForProject computes the next run for a project from its own fields.
func NextRunForProject(p *store.Project, now time.Time) (time.Time, error) {
	return NextRunAt(p.Frequency, p.DeliveryTime, p.Timezone, p.DayOfWeek, p.DayOfMonth, now)
}
