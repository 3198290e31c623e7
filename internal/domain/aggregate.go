package domain

import (
	"time"

	"github.com/google/uuid"
)

// DailyAggregate is the derived one-row-per-day rollup. It is a disposable cache:
// every value is reconstructible from the canonical tables, and a day with no
// contributing data is deleted rather than stored as an all-null row.
type DailyAggregate struct {
	ID               uuid.UUID
	UserID           string
	SourceID         *uuid.UUID
	Day              time.Time
	StepsTotal       int
	DistanceMTotal   float64
	RestingHeartRate *int
	HRVAverageMS     *float64
	SleepSeconds     int
	Summary          map[string]interface{}
	DedupeKey        string
}

// DayTotals is the recomputed view of one (user, source-or-all, day) window
// straight out of the canonical tables.
type DayTotals struct {
	StepsTotal       int
	DistanceMTotal   float64
	StepRows         int
	RestingHeartRate *int
	HRVAverageMS     *float64
	HeartRateSamples int
	SleepSeconds     int
	SleepSessions    int
}

// Empty reports whether the window contributed nothing in any category, which is
// the condition for deleting the rollup row instead of persisting a placeholder.
func (t DayTotals) Empty() bool {
	return t.StepsTotal == 0 && t.DistanceMTotal == 0 && t.HeartRateSamples == 0 && t.SleepSeconds == 0
}

// IntakeResult reports the outcome of one batch's transactional intake.
type IntakeResult struct {
	SourceID     uuid.UUID
	AcceptedKeys []string
	Duplicates   int
}
