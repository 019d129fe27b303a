// Package timeline answers chronological questions about time-stamped values:
// the closest value before an instant, the values overlapping a date range,
// and whether a run of values spans an expected duration.
//
// Sequences passed to ClosestPriorToDate and SpanTimeInterval must already be
// sorted ascending by start date. Nothing here sorts, deduplicates or checks
// ordering; unsorted input gives unspecified results.
package timeline

import (
	"iter"
	"time"

	"github.com/vjranagit/loopstore/pkg/types"
)

// DefaultSpanTolerance is the tolerance used by SpanTimeInterval.
const DefaultSpanTolerance = 5 * time.Minute

// TimelineValue is anything with a start instant and an end instant.
// Point-in-time values return the same instant from both.
type TimelineValue interface {
	StartDate() time.Time
	EndDate() time.Time
}

// SampleValue is a TimelineValue carrying a measured quantity.
type SampleValue interface {
	TimelineValue
	Measurement() types.Quantity
}

// Point is a zero-width TimelineValue. Embed it to get an EndDate equal to the start.
type Point struct {
	At time.Time
}

func (p Point) StartDate() time.Time { return p.At }
func (p Point) EndDate() time.Time   { return p.At }

var (
	_ TimelineValue = Point{}
	_ SampleValue   = types.Sample{}
)

// ClosestPriorToDate returns the last value whose start is at or before date.
// The scan stops at the first value starting after date.
func ClosestPriorToDate[T TimelineValue](values []T, date time.Time) (T, bool) {
	return ClosestPriorToDateSeq(func(yield func(T) bool) {
		for _, v := range values {
			if !yield(v) {
				return
			}
		}
	}, date)
}

// ClosestPriorToDateSeq is ClosestPriorToDate over an arbitrary iterator.
func ClosestPriorToDateSeq[T TimelineValue](seq iter.Seq[T], date time.Time) (T, bool) {
	var (
		closest T
		found   bool
	)
	for v := range seq {
		if v.StartDate().After(date) {
			break
		}
		closest = v
		found = true
	}
	return closest, found
}

// FilterDateRange returns the values whose [start, end] interval overlaps
// [start, end] of the query, in their original order. A value touching a
// bound is kept. A nil bound is unbounded on that side.
func FilterDateRange[T TimelineValue](values []T, start, end *time.Time) []T {
	out := make([]T, 0, len(values))
	for _, v := range values {
		if overlaps(v, start, end) {
			out = append(out, v)
		}
	}
	return out
}

// FilterDateRangeSeq lazily yields the values of seq that overlap the range.
func FilterDateRangeSeq[T TimelineValue](seq iter.Seq[T], start, end *time.Time) iter.Seq[T] {
	return func(yield func(T) bool) {
		for v := range seq {
			if overlaps(v, start, end) && !yield(v) {
				return
			}
		}
	}
}

func overlaps(v TimelineValue, start, end *time.Time) bool {
	if start != nil && v.EndDate().Before(*start) {
		return false
	}
	if end != nil && v.StartDate().After(*end) {
		return false
	}
	return true
}

// SpanTimeInterval reports whether the first and last values of a sorted
// run start target apart, within DefaultSpanTolerance.
func SpanTimeInterval[T TimelineValue](values []T, target time.Duration) bool {
	return SpanTimeIntervalWithin(values, target, DefaultSpanTolerance)
}

// SpanTimeIntervalWithin reports whether |last.start - first.start - target|
// is at most tolerance/2. Fewer than two values never span anything.
func SpanTimeIntervalWithin[T TimelineValue](values []T, target, tolerance time.Duration) bool {
	actual, ok := Span(values)
	if !ok || tolerance < 0 {
		return false
	}
	diff := actual - target
	if diff < 0 {
		diff = -diff
	}
	// diff is whole nanoseconds, so diff <= tolerance/2 exactly iff it is
	// at most the truncated half.
	return diff <= tolerance/2
}

// Span returns the time between the starts of the first and last values.
func Span[T TimelineValue](values []T) (time.Duration, bool) {
	if len(values) < 2 {
		return 0, false
	}
	return values[len(values)-1].StartDate().Sub(values[0].StartDate()), true
}
