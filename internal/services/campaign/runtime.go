package campaign

import (
	"sort"
	"time"
)

// Window is the business-hours window recipients may be contacted in,
// expressed as local whole hours, end exclusive.
type Window struct {
	StartHour int
	EndHour   int
}

// DefaultWindow matches the helpdesk's working day.
var DefaultWindow = Window{StartHour: 8, EndHour: 17}

// pastBuffer delays already-due run times a little instead of dropping them.
const pastBuffer = 10 * time.Second

// RunTime computes the UTC instant a bucket's delivery should fire.
//
// target is the author's intended wall-clock moment; subtracting the bucket's
// offset yields the UTC instant at which that wall clock is reached locally.
// Same-day deliveries additionally honor the business-hours window: when the
// bucket's current local hour is outside [StartHour, EndHour) the run time
// moves to the next StartHour local, same day if the morning has not come yet,
// otherwise tomorrow. Deliveries scheduled for a later calendar date are taken
// as-is.
func RunTime(target time.Time, offsetHours int, w Window, now time.Time) time.Time {
	target = target.UTC()
	now = now.UTC()
	run := target.Add(-time.Duration(offsetHours) * time.Hour)

	ny, nm, nd := now.Date()
	ty, tm, td := target.Date()
	if ny != ty || nm != tm || nd != td {
		return run
	}

	local := now.Add(time.Duration(offsetHours) * time.Hour)
	if local.Hour() >= w.EndHour || local.Hour() < w.StartHour {
		day := local
		if local.Hour() >= w.EndHour {
			day = day.AddDate(0, 0, 1)
		}
		y, m, d := day.Date()
		morning := time.Date(y, m, d, w.StartHour, 0, 0, 0, time.UTC)
		run = morning.Add(-time.Duration(offsetHours) * time.Hour)
	}
	return run
}

// GroupRunTimes buckets offsets by their computed run time, so offsets that
// collapse onto the same instant share a single delivery job. Run times that
// already passed are pushed to now plus a small buffer.
func GroupRunTimes(offsets []int, target time.Time, w Window, now time.Time) map[time.Time][]int {
	now = now.UTC()
	out := make(map[time.Time][]int, len(offsets))
	for _, off := range offsets {
		run := RunTime(target, off, w, now)
		if run.Before(now) {
			run = now.Add(pastBuffer)
		}
		out[run] = append(out[run], off)
	}
	for _, group := range out {
		sort.Ints(group)
	}
	return out
}

// maxRunTime returns the latest key of a non-empty run-time grouping.
func maxRunTime(groups map[time.Time][]int) time.Time {
	var max time.Time
	for run := range groups {
		if run.After(max) {
			max = run
		}
	}
	return max
}
