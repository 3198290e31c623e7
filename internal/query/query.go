// Package query exposes read projections over the daily rollup table.
package query

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"example.com/wearable/internal/domain"
)

// Reader is the slice of the store the projections depend on.
type Reader interface {
	DailyAggregateByDay(ctx context.Context, scope domain.DayScope) (*domain.DailyAggregate, error)
	DailyAggregateRange(ctx context.Context, userID string, sourceID *uuid.UUID, from, to time.Time) ([]domain.DailyAggregate, error)
}

// Metric names accepted by Trend.
const (
	MetricSteps     = "steps"
	MetricDistance  = "distance_m"
	MetricRestingHR = "resting_heart_rate"
	MetricSleep     = "sleep_seconds"
)

// Trend window sizes.
const (
	TrendWindowWeek  = 7
	TrendWindowMonth = 30
)

// ErrUnknownMetric is returned for metrics Trend does not project.
var ErrUnknownMetric = errors.New("unknown trend metric")

// ErrInvalidWindow is returned when the requested trend window is unsupported.
var ErrInvalidWindow = errors.New("trend window must be 7 or 30 days")

// DaySummary is the per-day read model served over the API.
type DaySummary struct {
	UserID           string
	SourceID         *uuid.UUID
	Day              time.Time
	StepsTotal       int
	DistanceMTotal   float64
	RestingHeartRate *int
	HRVAverageMS     *float64
	SleepSeconds     int
	Present          bool
}

// TrendPoint is one day in a trend series. Days with no rollup row carry zero
// values with Present=false so the series is always dense.
type TrendPoint struct {
	Day     time.Time
	Value   float64
	Present bool
}

// Service resolves summaries and trends.
type Service struct {
	reader Reader
}

// NewService constructs a query service over the given reader.
func NewService(reader Reader) *Service {
	return &Service{reader: reader}
}

// DaySummary returns the rollup for one (user, source-or-all, day) window. A
// missing row is not an error: the summary comes back zeroed with Present=false.
func (s *Service) DaySummary(ctx context.Context, userID string, sourceID *uuid.UUID, day time.Time) (*DaySummary, error) {
	if userID == "" {
		return nil, errors.New("user id is required")
	}

	scope := domain.DayScope{UserID: userID, SourceID: sourceID, Day: domain.DayStart(day)}
	agg, err := s.reader.DailyAggregateByDay(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("load day summary: %w", err)
	}

	summary := &DaySummary{
		UserID:   userID,
		SourceID: sourceID,
		Day:      scope.Day,
	}
	if agg == nil {
		return summary, nil
	}

	summary.StepsTotal = agg.StepsTotal
	summary.DistanceMTotal = agg.DistanceMTotal
	summary.RestingHeartRate = agg.RestingHeartRate
	summary.HRVAverageMS = agg.HRVAverageMS
	summary.SleepSeconds = agg.SleepSeconds
	summary.Present = true
	return summary, nil
}

// Trend returns a dense series of the requested metric for the trailing window
// ending today (UTC). Missing days are zero-filled.
func (s *Service) Trend(ctx context.Context, userID, metric string, days int, sourceID *uuid.UUID) ([]TrendPoint, error) {
	return s.TrendEnding(ctx, userID, metric, days, sourceID, time.Now().UTC())
}

// TrendEnding is Trend with an explicit final day, used by tests and backfill
// tooling.
func (s *Service) TrendEnding(ctx context.Context, userID, metric string, days int, sourceID *uuid.UUID, end time.Time) ([]TrendPoint, error) {
	if userID == "" {
		return nil, errors.New("user id is required")
	}
	if days != TrendWindowWeek && days != TrendWindowMonth {
		return nil, ErrInvalidWindow
	}
	extract, err := metricExtractor(metric)
	if err != nil {
		return nil, err
	}

	endDay := domain.DayStart(end)
	startDay := endDay.AddDate(0, 0, -(days - 1))

	rows, err := s.reader.DailyAggregateRange(ctx, userID, sourceID, startDay, endDay)
	if err != nil {
		return nil, fmt.Errorf("load trend window: %w", err)
	}

	byDay := make(map[time.Time]domain.DailyAggregate, len(rows))
	for _, row := range rows {
		byDay[domain.DayStart(row.Day)] = row
	}

	points := make([]TrendPoint, 0, days)
	for day := startDay; !day.After(endDay); day = day.AddDate(0, 0, 1) {
		point := TrendPoint{Day: day}
		if row, ok := byDay[day]; ok {
			point.Value = extract(row)
			point.Present = true
		}
		points = append(points, point)
	}
	return points, nil
}

func metricExtractor(metric string) (func(domain.DailyAggregate) float64, error) {
	switch metric {
	case MetricSteps:
		return func(a domain.DailyAggregate) float64 { return float64(a.StepsTotal) }, nil
	case MetricDistance:
		return func(a domain.DailyAggregate) float64 { return a.DistanceMTotal }, nil
	case MetricRestingHR:
		return func(a domain.DailyAggregate) float64 {
			if a.RestingHeartRate == nil {
				return 0
			}
			return float64(*a.RestingHeartRate)
		}, nil
	case MetricSleep:
		return func(a domain.DailyAggregate) float64 { return float64(a.SleepSeconds) }, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMetric, metric)
	}
}
