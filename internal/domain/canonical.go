package domain

import (
	"time"

	"github.com/google/uuid"
)

// CanonicalSteps is the queryable projection of a steps record.
type CanonicalSteps struct {
	ID            uuid.UUID
	UserID        string
	SourceID      *uuid.UUID
	RawRecordID   *uuid.UUID
	StartTime     time.Time
	EndTime       time.Time
	Steps         int
	DistanceM     *float64
	ActiveMinutes *int
	DedupeKey     string
}

// CanonicalHeartRate is the queryable projection of a heart-rate sample.
type CanonicalHeartRate struct {
	ID            uuid.UUID
	UserID        string
	SourceID      *uuid.UUID
	RawRecordID   *uuid.UUID
	RecordedAt    time.Time
	BPM           int
	Confidence    *string
	VariabilityMS *float64
	DedupeKey     string
}

// CanonicalSleepSession is the queryable projection of a sleep session.
type CanonicalSleepSession struct {
	ID              uuid.UUID
	UserID          string
	SourceID        *uuid.UUID
	RawRecordID     *uuid.UUID
	StartTime       time.Time
	EndTime         time.Time
	SleepType       *string
	Score           *int
	DurationSeconds int
	DedupeKey       string
}

// CanonicalSleepStage is one stage within a stored sleep session.
type CanonicalSleepStage struct {
	ID              uuid.UUID
	UserID          string
	SessionID       uuid.UUID
	SourceID        *uuid.UUID
	RawRecordID     *uuid.UUID
	StageType       string
	StartTime       time.Time
	EndTime         time.Time
	DurationSeconds int
	DedupeKey       string
}
