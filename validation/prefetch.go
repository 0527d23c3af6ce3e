package validation

import (
	"context"
	"errors"
	"time"

	"github.com/warp/leave-engine/leave"
)

var errNotPrefetched = errors.New("day not prefetched")

// Resolved is a Calendar answered entirely from memory. Prefetch builds one
// so a validation can run inside a storage transaction without calling out
// to the network while rows are locked.
type Resolved struct {
	holidays map[string]string
	working  map[string]bool
	// First failure of each lookup. Every later answer repeats it so the
	// rules degrade exactly as they would have live.
	holidayErr error
	workingErr error
}

// Prefetch resolves holidays for every day in [start, end] and the
// working-day predicate for the day after end.
func Prefetch(ctx context.Context, cal Calendar, start, end time.Time) *Resolved {
	r := &Resolved{holidays: map[string]string{}, working: map[string]bool{}}
	if cal == nil {
		r.holidayErr = errors.New("no calendar configured")
		r.workingErr = r.holidayErr
		return r
	}
	start, end = leave.Day(start), leave.Day(end)
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		name, ok, err := cal.IsHoliday(ctx, d)
		if err != nil {
			r.holidayErr = err
			break
		}
		if ok {
			r.holidays[leave.FormatDate(d)] = name
		}
	}
	next := end.AddDate(0, 0, 1)
	ok, err := cal.IsWorkingDay(ctx, next)
	if err != nil {
		r.workingErr = err
	} else {
		r.working[leave.FormatDate(next)] = ok
	}
	return r
}

func (r *Resolved) IsHoliday(_ context.Context, day time.Time) (string, bool, error) {
	if r.holidayErr != nil {
		return "", false, r.holidayErr
	}
	name, ok := r.holidays[leave.FormatDate(day)]
	return name, ok, nil
}

func (r *Resolved) IsWorkingDay(_ context.Context, day time.Time) (bool, error) {
	if r.workingErr != nil {
		return false, r.workingErr
	}
	ok, found := r.working[leave.FormatDate(day)]
	if !found {
		return false, errNotPrefetched
	}
	return ok, nil
}

// CountWorkingDays is not prefetched; callers count before validating.
func (r *Resolved) CountWorkingDays(context.Context, time.Time, time.Time) (int, error) {
	return 0, errNotPrefetched
}
