package account

import "time"

// WindowHours is the length of one session quota window.
const WindowHours = 5

// WindowStart returns the wall-clock aligned start of the window containing t
// (00:00, 05:00, 10:00, 15:00, 20:00 in loc). A nil loc means t's own location.
func WindowStart(t time.Time, loc *time.Location) time.Time {
	if loc != nil {
		t = t.In(loc)
	}
	y, m, d := t.Date()
	return time.Date(y, m, d, (t.Hour()/WindowHours)*WindowHours, 0, 0, 0, t.Location())
}

// WindowEnd returns the next aligned boundary after the window containing t. This is
// start+5h for every window except the last of the day: 20:00 ends at midnight, not
// 01:00, because boundaries restart at 00:00 and 01:00 is not one of them. The 20:00
// window is therefore four hours long.
func WindowEnd(t time.Time, loc *time.Location) time.Time {
	start := WindowStart(t, loc)
	y, m, d := start.Date()
	end := time.Date(y, m, d, start.Hour()+WindowHours, 0, 0, 0, start.Location())
	midnight := time.Date(y, m, d+1, 0, 0, 0, 0, start.Location())
	if end.After(midnight) {
		return midnight
	}
	return end
}

// windowInProgress reports whether [start, end) is set and contains now.
func windowInProgress(start, end, now time.Time) bool {
	if start.IsZero() || end.IsZero() {
		return false
	}
	return !now.Before(start) && now.Before(end)
}
