package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DayScope identifies one calendar-day rollup: a user, an optional source (nil
// means the user-wide "all sources" rollup), and a UTC day.
type DayScope struct {
	UserID   string
	SourceID *uuid.UUID
	Day      time.Time
}

// AllSources returns the user-wide twin of this scope.
func (s DayScope) AllSources() DayScope {
	return DayScope{UserID: s.UserID, Day: s.Day}
}

// Key returns the scope's natural key, used both for in-memory deduplication and
// as the daily_aggregates dedupe key.
func (s DayScope) Key() string {
	source := "all"
	if s.SourceID != nil {
		source = s.SourceID.String()
	}
	return fmt.Sprintf("%s:%s:%s", s.UserID, source, s.Day.Format("2006-01-02"))
}

// DayStart truncates a timestamp to its UTC calendar day.
func DayStart(ts time.Time) time.Time {
	ts = ts.UTC()
	return time.Date(ts.Year(), ts.Month(), ts.Day(), 0, 0, 0, 0, time.UTC)
}

// DaysSpanned lists every UTC calendar day touched by [start, end]. A reversed
// range collapses to the start day.
func DaysSpanned(start, end time.Time) []time.Time {
	first := DayStart(start)
	last := DayStart(end)
	if last.Before(first) {
		last = first
	}

	days := make([]time.Time, 0, 1)
	for d := first; !d.After(last); d = d.AddDate(0, 0, 1) {
		days = append(days, d)
	}
	return days
}
