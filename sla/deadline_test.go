package sla

import (
	"testing"
	"time"
)

// 2026-01-02 is a Friday.
func friday(hour int) time.Time {
	return time.Date(2026, 1, 2, hour, 0, 0, 0, time.UTC)
}

func TestDeadlineWallClock(t *testing.T) {
	start := friday(16)
	got := Deadline(start, 8, nil)
	want := start.Add(8 * time.Hour)
	if !got.Equal(want) {
		t.Errorf("Deadline() = %v, want %v", got, want)
	}
}

func TestDeadlineBusinessHours(t *testing.T) {
	bh := &BusinessHours{StartHour: 9, EndHour: 17, ExcludeWeekends: true}

	tests := []struct {
		name  string
		start time.Time
		hours int
		want  time.Time
	}{
		{
			name:  "fits inside one working day",
			start: friday(9),
			hours: 4,
			want:  friday(13),
		},
		{
			name:  "friday afternoon rolls over the weekend",
			start: friday(16),
			hours: 8,
			// 1h left Friday, 7h into Monday: 9:00 + 7h = 16:00.
			want: time.Date(2026, 1, 5, 16, 0, 0, 0, time.UTC),
		},
		{
			name:  "start before the window counts from opening",
			start: friday(6),
			hours: 2,
			want:  friday(11),
		},
		{
			name:  "start after the window rolls to next working day",
			start: friday(18),
			hours: 2,
			want:  time.Date(2026, 1, 5, 11, 0, 0, 0, time.UTC),
		},
		{
			name:  "weekend start rolls to monday",
			start: time.Date(2026, 1, 3, 12, 0, 0, 0, time.UTC), // Saturday
			hours: 1,
			want:  time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC),
		},
		{
			name:  "spans several working days",
			start: friday(9),
			hours: 20,
			// 8h Friday, 8h Monday, 4h Tuesday: 9:00 + 4h = 13:00.
			want: time.Date(2026, 1, 6, 13, 0, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Deadline(tt.start, tt.hours, bh)
			if !got.Equal(tt.want) {
				t.Errorf("Deadline(%v, %d) = %v, want %v", tt.start, tt.hours, got, tt.want)
			}
		})
	}
}

func TestDeadlineWeekendsIncluded(t *testing.T) {
	bh := &BusinessHours{StartHour: 9, EndHour: 17}

	got := Deadline(friday(16), 8, bh)
	// 1h left Friday, 7h into Saturday.
	want := time.Date(2026, 1, 3, 16, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("Deadline() = %v, want %v", got, want)
	}
}

func TestDefinitionDeadlines(t *testing.T) {
	d := &Definition{
		ResponseTimeHours:   4,
		ResolutionTimeHours: 0,
	}
	start := friday(10)

	resp := d.ResponseDeadline(start)
	if resp == nil || !resp.Equal(friday(14)) {
		t.Errorf("ResponseDeadline() = %v, want %v", resp, friday(14))
	}
	if d.ResolutionDeadline(start) != nil {
		t.Error("zero resolution window must yield nil deadline")
	}
}
