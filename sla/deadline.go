package sla

import "time"

// BusinessHours describes the working window deadlines accumulate in.
type BusinessHours struct {
	// StartHour and EndHour bound the working day [StartHour, EndHour)
	// in the resource's local time.
	StartHour int
	EndHour   int

	// ExcludeWeekends skips Saturday and Sunday entirely.
	ExcludeWeekends bool
}

// businessHours extracts the working window from a definition, or nil
// when deadlines run on wall-clock time.
func (d *Definition) businessHours() *BusinessHours {
	if !d.BusinessHoursOnly {
		return nil
	}
	return &BusinessHours{
		StartHour:       d.BusinessHoursStart,
		EndHour:         d.BusinessHoursEnd,
		ExcludeWeekends: d.ExcludeWeekends,
	}
}

// ResponseDeadline computes the response deadline for a resource
// under this definition, or nil when no response window is set.
func (d *Definition) ResponseDeadline(start time.Time) *time.Time {
	if d.ResponseTimeHours <= 0 {
		return nil
	}
	deadline := Deadline(start, d.ResponseTimeHours, d.businessHours())
	return &deadline
}

// ResolutionDeadline computes the resolution deadline for a resource
// under this definition, or nil when no resolution window is set.
func (d *Definition) ResolutionDeadline(start time.Time) *time.Time {
	if d.ResolutionTimeHours <= 0 {
		return nil
	}
	deadline := Deadline(start, d.ResolutionTimeHours, d.businessHours())
	return &deadline
}

// Deadline returns start plus the given number of hours. With nil
// business hours that is plain wall-clock addition; otherwise hours
// accumulate only inside the working window, rolling the remainder
// into following working days. A window opening before the start
// still counts only time after the start.
func Deadline(start time.Time, hours int, bh *BusinessHours) time.Time {
	if bh == nil {
		return start.Add(time.Duration(hours) * time.Hour)
	}

	remaining := time.Duration(hours) * time.Hour
	cursor := start

	for {
		if bh.ExcludeWeekends && isWeekend(cursor) {
			cursor = nextDayStart(cursor, bh.StartHour)
			continue
		}

		dayStart := time.Date(cursor.Year(), cursor.Month(), cursor.Day(), bh.StartHour, 0, 0, 0, cursor.Location())
		dayEnd := time.Date(cursor.Year(), cursor.Month(), cursor.Day(), bh.EndHour, 0, 0, 0, cursor.Location())

		if cursor.Before(dayStart) {
			cursor = dayStart
		}
		if !cursor.Before(dayEnd) {
			cursor = nextDayStart(cursor, bh.StartHour)
			continue
		}

		available := dayEnd.Sub(cursor)
		if available >= remaining {
			return cursor.Add(remaining)
		}
		remaining -= available
		cursor = nextDayStart(cursor, bh.StartHour)
	}
}

func isWeekend(t time.Time) bool {
	wd := t.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}

func nextDayStart(t time.Time, startHour int) time.Time {
	next := t.AddDate(0, 0, 1)
	return time.Date(next.Year(), next.Month(), next.Day(), startHour, 0, 0, 0, t.Location())
}
