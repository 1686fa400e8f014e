package schedule

import (
	"testing"
	"time"
)

func mustLocation(t *testing.T, name string) *time.Location {
	t.Helper()
	location, err := time.LoadLocation(name)
	if err != nil {
		t.Fatalf("failed to load location %s: %v", name, err)
	}
	return location
}

func TestComputeNextRunAtIntervalAddsExactMinutes(t *testing.T) {
	from := time.Date(2024, time.March, 10, 12, 0, 0, 0, time.UTC)

	next, err := ComputeNextRunAt(NextRunInput{Kind: KindInterval, IntervalMinutes: 10}, from)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !next.Equal(from.Add(10 * time.Minute)) {
		t.Fatalf("expected %v, got %v", from.Add(10*time.Minute), next)
	}
}

func TestComputeNextRunAtIntervalFloorsAtOneMinute(t *testing.T) {
	from := time.Date(2024, time.March, 10, 12, 0, 0, 0, time.UTC)

	next, err := ComputeNextRunAt(NextRunInput{Kind: KindInterval, IntervalMinutes: 0}, from)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !next.Equal(from.Add(time.Minute)) {
		t.Fatalf("expected one-minute floor, got %v", next)
	}
}

func TestComputeNextRunAtDailySameDayWhenTargetAhead(t *testing.T) {
	seoul := mustLocation(t, "Asia/Seoul")
	from := time.Date(2024, time.March, 11, 9, 0, 0, 0, seoul)

	next, err := ComputeNextRunAt(NextRunInput{
		Kind:           KindDaily,
		DailyAtMinutes: 570, // 09:30
		Timezone:       "Asia/Seoul",
		DaysOfWeekMask: EveryDayMask,
	}, from)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	expected := time.Date(2024, time.March, 11, 9, 30, 0, 0, seoul)
	if !next.Equal(expected) {
		t.Fatalf("expected %v, got %v", expected, next)
	}
}

func TestComputeNextRunAtDailyRollsToNextDayWhenTargetPassed(t *testing.T) {
	seoul := mustLocation(t, "Asia/Seoul")
	from := time.Date(2024, time.March, 11, 10, 0, 0, 0, seoul)

	next, err := ComputeNextRunAt(NextRunInput{
		Kind:           KindDaily,
		DailyAtMinutes: 570,
		Timezone:       "Asia/Seoul",
		DaysOfWeekMask: EveryDayMask,
	}, from)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	expected := time.Date(2024, time.March, 12, 9, 30, 0, 0, seoul)
	if !next.Equal(expected) {
		t.Fatalf("expected %v, got %v", expected, next)
	}
}

func TestComputeNextRunAtDailyHonorsWeekdayMask(t *testing.T) {
	seoul := mustLocation(t, "Asia/Seoul")
	// 2024-03-11 is a Monday.
	from := time.Date(2024, time.March, 11, 8, 0, 0, 0, seoul)

	// Only Thursday (bit 4).
	next, err := ComputeNextRunAt(NextRunInput{
		Kind:           KindDaily,
		DailyAtMinutes: 570,
		Timezone:       "Asia/Seoul",
		DaysOfWeekMask: 1 << 4,
	}, from)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	expected := time.Date(2024, time.March, 14, 9, 30, 0, 0, seoul)
	if !next.Equal(expected) {
		t.Fatalf("expected Thursday %v, got %v", expected, next)
	}
	if next.Weekday() != time.Thursday {
		t.Fatalf("expected Thursday, got %v", next.Weekday())
	}
}

func TestComputeNextRunAtDailySkipsSameDayWhenBitUnset(t *testing.T) {
	seoul := mustLocation(t, "Asia/Seoul")
	// Monday before the target minute, but Monday's bit is unset.
	from := time.Date(2024, time.March, 11, 8, 0, 0, 0, seoul)

	// Every day except Monday (bit 1).
	next, err := ComputeNextRunAt(NextRunInput{
		Kind:           KindDaily,
		DailyAtMinutes: 570,
		Timezone:       "Asia/Seoul",
		DaysOfWeekMask: EveryDayMask &^ (1 << 1),
	}, from)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	expected := time.Date(2024, time.March, 12, 9, 30, 0, 0, seoul)
	if !next.Equal(expected) {
		t.Fatalf("expected Tuesday %v, got %v", expected, next)
	}
}

func TestComputeNextRunAtDailyZeroMaskFallsBackToTomorrow(t *testing.T) {
	seoul := mustLocation(t, "Asia/Seoul")
	from := time.Date(2024, time.March, 11, 8, 0, 0, 0, seoul)

	next, err := ComputeNextRunAt(NextRunInput{
		Kind:           KindDaily,
		DailyAtMinutes: 570,
		Timezone:       "Asia/Seoul",
		DaysOfWeekMask: 0,
	}, from)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	expected := time.Date(2024, time.March, 12, 9, 30, 0, 0, seoul)
	if !next.Equal(expected) {
		t.Fatalf("expected defensive fallback %v, got %v", expected, next)
	}
}

func TestComputeNextRunAtDailyDefaultsZoneWhenUnset(t *testing.T) {
	seoul := mustLocation(t, DefaultTimezone)
	from := time.Date(2024, time.March, 11, 9, 0, 0, 0, seoul)

	next, err := ComputeNextRunAt(NextRunInput{
		Kind:           KindDaily,
		DailyAtMinutes: 570,
		DaysOfWeekMask: EveryDayMask,
	}, from)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	expected := time.Date(2024, time.March, 11, 9, 30, 0, 0, seoul)
	if !next.Equal(expected) {
		t.Fatalf("expected default zone target %v, got %v", expected, next)
	}
}

func TestComputeNextRunAtDailyUnknownZoneFallsBackToDefault(t *testing.T) {
	seoul := mustLocation(t, DefaultTimezone)
	from := time.Date(2024, time.March, 11, 9, 0, 0, 0, seoul)

	next, err := ComputeNextRunAt(NextRunInput{
		Kind:           KindDaily,
		DailyAtMinutes: 570,
		Timezone:       "Not/AZone",
		DaysOfWeekMask: EveryDayMask,
	}, from)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	expected := time.Date(2024, time.March, 11, 9, 30, 0, 0, seoul)
	if !next.Equal(expected) {
		t.Fatalf("expected default zone fallback %v, got %v", expected, next)
	}
}

func TestComputeNextRunAtRejectsUnknownKind(t *testing.T) {
	_, err := ComputeNextRunAt(NextRunInput{Kind: "HOURLY"}, time.Now())
	if err == nil {
		t.Fatalf("expected unknown kind to error")
	}
}
