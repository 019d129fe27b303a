package types

import (
	"sort"
	"time"
)

// Quantity is a measured magnitude in an opaque unit such as "mg/dL" or "U".
// Units are stored and returned as given; nothing converts between them.
type Quantity struct {
	Value float64 `json:"value" yaml:"value"`
	Unit  string  `json:"unit" yaml:"unit"`
}

// Sample represents a single time-stamped quantity reading.
// A zero End marks a point-in-time sample whose end equals its start.
type Sample struct {
	Start    time.Time `json:"start" yaml:"start"`
	End      time.Time `json:"end,omitzero" yaml:"end,omitempty"`
	Quantity `yaml:",inline"`
}

// StartDate returns the instant the sample begins.
func (s Sample) StartDate() time.Time {
	return s.Start
}

// EndDate returns the instant the sample ends, defaulting to its start.
func (s Sample) EndDate() time.Time {
	if s.End.IsZero() {
		return s.Start
	}
	return s.End
}

// Duration returns the width of the sample.
func (s Sample) Duration() time.Duration {
	return s.EndDate().Sub(s.Start)
}

// Measurement returns the quantity carried by the sample.
func (s Sample) Measurement() Quantity {
	return s.Quantity
}

// Samples is a chronological run of samples.
type Samples []Sample

// Sort orders samples ascending by start, keeping the arrival order of equal starts.
func (s Samples) Sort() {
	sort.SliceStable(s, func(i, j int) bool {
		return s[i].Start.Before(s[j].Start)
	})
}

// Source identifies where a series of samples comes from
type Source struct {
	Kind   string            `json:"kind" yaml:"kind"`
	Labels map[string]string `json:"labels,omitempty" yaml:"labels,omitempty"`
}

// Series represents every sample of one source
type Series struct {
	Source  Source  `json:"source" yaml:"source"`
	Samples Samples `json:"samples" yaml:"samples"`
}

// WriteRequest represents a write request to the storage engine
type WriteRequest struct {
	PatientID string   `json:"patient_id" yaml:"patient_id"`
	Series    []Series `json:"series" yaml:"series"`
}

// QueryRequest selects samples overlapping [Start, End].
// A nil bound leaves that side of the range open.
type QueryRequest struct {
	PatientID string
	Kind      string
	Selector  map[string]string
	Start     *time.Time
	End       *time.Time
}

// QueryResult represents query results
type QueryResult struct {
	Series []Series `json:"series"`
}

// ClosestRequest asks for the latest sample starting at or before At
type ClosestRequest struct {
	PatientID string
	Kind      string
	Selector  map[string]string
	At        time.Time
}

// ClosestMatch is the closest prior sample of a single source
type ClosestMatch struct {
	Source Source `json:"source"`
	Sample Sample `json:"sample"`
}

// ClosestResult holds one match per source that has a prior sample
type ClosestResult struct {
	Matches []ClosestMatch `json:"matches"`
}
