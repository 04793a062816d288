// Package models defines data structures shared by the harvester and the
// statistics tooling.
package models

import "time"

// Record is one document returned by the search API. The schema is not
// validated; records pass through the harvester opaquely and are inspected
// field-by-field during aggregation.
type Record map[string]any

// String returns the named field when it is a JSON string. Numeric values
// are not coerced.
func (r Record) String(key string) (string, bool) {
	v, ok := r[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Strings returns the named field as a slice of strings, skipping any
// non-string elements.
func (r Record) Strings(key string) []string {
	v, ok := r[key]
	if !ok {
		return nil
	}
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// Has reports whether the record carries the named field at all.
func (r Record) Has(key string) bool {
	_, ok := r[key]
	return ok
}

// HarvestProgress is the durable checkpoint attached to an in-progress
// artifact. NextOffset is the pagination offset of the next page to fetch,
// which equals the number of records already written to the artifact.
type HarvestProgress struct {
	NextOffset      int   `json:"next_offset"`
	CumulativeBytes int64 `json:"cumulative_bytes"`
	KnownTotal      int   `json:"known_total"`
}

// SeriesBatch is one planned group of series harvested with a single
// composite query. Batches are computed once up front and never mutated.
type SeriesBatch struct {
	SeriesIDs        []int
	EstimatedRecords int
}

// MinSeriesID returns the smallest series id in the batch, or 0 for an
// empty batch. Batches are built from ascending-sorted series so this is
// the first element.
func (b SeriesBatch) MinSeriesID() int {
	if len(b.SeriesIDs) == 0 {
		return 0
	}
	return b.SeriesIDs[0]
}

// HarvestResult summarises one completed harvest run.
type HarvestResult struct {
	StartTime  time.Time
	EndTime    time.Time
	Pages      int
	Records    int
	Bytes      int64
	KnownTotal int
	Resumed    bool
	Batches    int
	Warnings   []string
	OutputFile string
}
