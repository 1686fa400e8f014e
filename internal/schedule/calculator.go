package schedule

import (
	"errors"
	"fmt"
	"time"
)

// Schedule kinds.
const (
	KindInterval = "INTERVAL"
	KindDaily    = "DAILY"
)

// DefaultTimezone interprets DAILY schedules that carry no zone.
const DefaultTimezone = "Asia/Seoul"

// EveryDayMask sets all seven weekday bits (bit 0 = Sunday).
const EveryDayMask = 127

// forwardScanDays bounds the day-by-day search for a set weekday bit.
const forwardScanDays = 8

var errUnknownKind = errors.New("unknown schedule kind")

// NextRunInput is the schedule shape the calculator evaluates. It mirrors the
// stored MiningSchedule row but carries no identity, keeping the function
// pure.
type NextRunInput struct {
	Kind            string
	IntervalMinutes int
	// DailyAtMinutes is minutes since local midnight, 0–1439.
	DailyAtMinutes int
	Timezone       string
	DaysOfWeekMask int
}

// ComputeNextRunAt returns the next execution instant strictly after from.
//
// INTERVAL schedules fire from + max(1, IntervalMinutes) minutes. DAILY
// schedules fire at DailyAtMinutes in the schedule's zone, on the first day
// whose weekday bit is set: today if the target instant is still ahead,
// otherwise scanning forward up to eight days. An all-zero mask falls back to
// tomorrow's target rather than failing.
func ComputeNextRunAt(input NextRunInput, from time.Time) (time.Time, error) {
	switch input.Kind {
	case KindInterval:
		minutes := input.IntervalMinutes
		if minutes < 1 {
			minutes = 1
		}
		return from.Add(time.Duration(minutes) * time.Minute), nil

	case KindDaily:
		location := resolveLocation(input.Timezone)
		local := from.In(location)
		target := dailyTarget(local, 0, input.DailyAtMinutes, location)

		if target.After(from) && weekdayBitSet(input.DaysOfWeekMask, target.Weekday()) {
			return target, nil
		}
		for offset := 1; offset <= forwardScanDays; offset++ {
			candidate := dailyTarget(local, offset, input.DailyAtMinutes, location)
			if weekdayBitSet(input.DaysOfWeekMask, candidate.Weekday()) {
				return candidate, nil
			}
		}
		// All-zero mask falls back to tomorrow's target.
		return dailyTarget(local, 1, input.DailyAtMinutes, location), nil

	default:
		return time.Time{}, fmt.Errorf("%w: %q", errUnknownKind, input.Kind)
	}
}

func resolveLocation(name string) *time.Location {
	if name == "" {
		name = DefaultTimezone
	}
	location, err := time.LoadLocation(name)
	if err != nil {
		location, err = time.LoadLocation(DefaultTimezone)
		if err != nil {
			return time.UTC
		}
	}
	return location
}

// dailyTarget builds the target instant dayOffset days after local's date.
// time.Date normalizes day overflow, so month and year boundaries need no
// special casing, and wall-clock minutes survive DST transitions.
func dailyTarget(local time.Time, dayOffset, dailyAtMinutes int, location *time.Location) time.Time {
	return time.Date(
		local.Year(), local.Month(), local.Day()+dayOffset,
		dailyAtMinutes/60, dailyAtMinutes%60, 0, 0,
		location,
	)
}

func weekdayBitSet(mask int, weekday time.Weekday) bool {
	return mask&(1<<int(weekday)) != 0
}
