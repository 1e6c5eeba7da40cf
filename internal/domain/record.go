// Package domain defines the shared data shapes for the datahub dedup pipeline.
package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Source identifies the origin of a normalized record.
type Source string

const (
	SourceAppleWatch  Source = "apple_watch"
	SourceAppleHealth Source = "apple_health"
	SourceOura        Source = "oura"
	SourcePeloton     Source = "peloton"
	SourceTonal       Source = "tonal"
	SourceSimpleFIN   Source = "simplefin"
	SourceBankCSV     Source = "bank_csv"
)

// MetricType categorizes what a record measures.
type MetricType string

const (
	MetricSteps           MetricType = "steps"
	MetricHeartRate       MetricType = "heart_rate"
	MetricHRV             MetricType = "hrv"
	MetricActiveCalories  MetricType = "active_calories"
	MetricRestingCalories MetricType = "resting_calories"
	MetricDistance        MetricType = "distance"
	MetricSleepMinutes    MetricType = "sleep_minutes"
	MetricWeight          MetricType = "weight"
	MetricStrengthSet     MetricType = "strength_set"
	MetricTransaction     MetricType = "transaction"
)

// Record is a source-agnostic candidate fact produced by a connector and
// awaiting deduplication. (Source, RawID) is unique per upstream record:
// re-ingesting the same pair must be a no-op against the store.
type Record struct {
	Source      Source
	Metric      MetricType
	Timestamp   time.Time
	Value       float64
	Unit        string
	Description string // transactions
	Merchant    string // transactions
	Account     string // transactions
	ExerciseKey string // strength sets
	RawID       string
	IngestedAt  time.Time
}

// Validate checks the fields every metric type requires. It does not check
// whether the metric type has dedup configuration; that is the engine's call.
func (r Record) Validate() error {
	if strings.TrimSpace(string(r.Source)) == "" {
		return errors.New("source is required")
	}
	if strings.TrimSpace(string(r.Metric)) == "" {
		return errors.New("metric_type is required")
	}
	if r.Timestamp.IsZero() {
		return errors.New("timestamp is required")
	}
	if strings.TrimSpace(r.RawID) == "" {
		return errors.New("raw_identity is required")
	}
	if r.Metric == MetricStrengthSet && strings.TrimSpace(r.ExerciseKey) == "" {
		return errors.New("exercise_key is required for strength_set")
	}
	return nil
}

// Identity is the (source, raw_identity) pair used for idempotent re-import.
type Identity struct {
	Source Source
	RawID  string
}

// IdentityOf extracts the record's persistence identity.
func IdentityOf(r Record) Identity {
	return Identity{Source: r.Source, RawID: r.RawID}
}

// RecordError reports a single rejected record without aborting its batch.
type RecordError struct {
	Offset int
	Source Source
	Err    error
}

func (e RecordError) Error() string {
	return fmt.Sprintf("record %d (source=%s): %v", e.Offset, e.Source, e.Err)
}

// Unwrap exposes the underlying cause for errors.Is checks.
func (e RecordError) Unwrap() error { return e.Err }
