package stats

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/mwalker/prov-api-harvester/models"
)

// invalidYear buckets timestamps that are present but not convertible to a
// valid date, so they are counted rather than silently dropped.
const invalidYear = "Invalid"

type seriesStats struct {
	title           string
	agencies        map[string]struct{}
	consignments    int
	iiifManifests   int
	images          int
	items           int
	relatedEntities int
	units           int
	years           map[string]int
}

type agencyStats struct {
	title         string
	consignments  int
	iiifManifests int
	images        int
	items         int
	units         int
	series        map[string]struct{}
	years         map[string]int
}

// Accumulator folds records into nested counters. It holds state
// proportional to the number of distinct series and agencies seen.
type Accumulator struct {
	categories    map[string]int
	series        map[string]*seriesStats
	agencies      map[string]*agencyStats
	years         map[string]int
	iiifManifests int
	objects       int
	units         int

	consignmentExtract *seriesExtractor
	entityExtract      *seriesExtractor
}

// NewAccumulator returns an empty accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{
		categories:         make(map[string]int),
		series:             make(map[string]*seriesStats),
		agencies:           make(map[string]*agencyStats),
		years:              make(map[string]int),
		consignmentExtract: newSeriesExtractor(consignmentSeriesRe),
		entityExtract:      newSeriesExtractor(entitySeriesRe),
	}
}

// Aggregate consumes a JSON array of records from r incrementally and
// returns the consolidated report. One forward pass; each record is decoded,
// folded, and discarded.
func Aggregate(r io.Reader) (*Report, error) {
	acc := NewAccumulator()
	dec := json.NewDecoder(r)

	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("read input: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '[' {
		return nil, fmt.Errorf("input is not a JSON array")
	}

	for dec.More() {
		var rec models.Record
		if err := dec.Decode(&rec); err != nil {
			return nil, fmt.Errorf("decode record %d: %w", acc.objects, err)
		}
		acc.Fold(rec)
		if acc.objects%10000 == 0 {
			slog.Debug("aggregation progress", slog.Int("objects", acc.objects))
		}
	}
	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("input array not terminated: %w", err)
	}

	slog.Info("aggregation complete", slog.Int("objects", acc.objects))
	return acc.Report(), nil
}

// Fold updates the accumulator with one record. Every record increments
// exactly one category counter; series, agency, and year attribution follow
// the record's category.
func (a *Accumulator) Fold(rec models.Record) {
	a.objects++

	category := fieldAsString(rec, categoryField)
	if category == "" {
		category = "Unknown"
	}
	a.categories[category]++

	// Agency records populate only the agency title table and take no
	// part in series or year attribution.
	if category == "Agency" {
		identifier, _ := rec.String(identifierField)
		agencyID := strings.ReplaceAll(identifier, " ", "")
		if agencyID != "" {
			ag := a.agency(agencyID)
			if title, ok := rec.String(titleField); ok {
				ag.title = title
			}
		}
		return
	}

	seriesID := recordSeriesID(rec, category, a.consignmentExtract, a.entityExtract)

	if seconds, ok, present := timestampSeconds(rec); present {
		if year, valid := utcYear(seconds, ok); valid {
			a.years[year]++
			if category != "Series" {
				a.seriesFor(seriesID).years[year]++
			}
		} else {
			a.years[invalidYear]++
		}
	}

	s := a.seriesFor(seriesID)
	switch category {
	case "Consignment":
		s.consignments++
	case "Image":
		s.images++
	case "Item":
		s.items++
		if isUnit(rec) {
			s.units++
			a.units++
		}
	case "relatedEntity":
		s.relatedEntities++
	case "Series":
		if title, ok := rec.String(titleField); ok {
			s.title = title
		}
	}

	if rec.Has(manifestField) {
		s.iiifManifests++
		a.iiifManifests++
	}

	// Records may carry parallel arrays of agency ids and titles; each id
	// updates the agency's title positionally and cross-links agency and
	// series both ways.
	agencyIDs := rec.Strings(agencyIDsField)
	if len(agencyIDs) > 0 {
		titles := rec.Strings(agencyTitles)
		for i, agencyID := range agencyIDs {
			s.agencies[agencyID] = struct{}{}
			ag := a.agency(agencyID)
			if i < len(titles) {
				ag.title = titles[i]
			}
			ag.series[seriesID] = struct{}{}
		}
	}
}

func utcYear(seconds int64, parsed bool) (string, bool) {
	if !parsed {
		return "", false
	}
	year := time.Unix(seconds, 0).UTC().Year()
	if year < 1 || year > 9999 {
		return "", false
	}
	return strconv.Itoa(year), true
}

func (a *Accumulator) seriesFor(id string) *seriesStats {
	s, ok := a.series[id]
	if !ok {
		s = &seriesStats{
			agencies: make(map[string]struct{}),
			years:    make(map[string]int),
		}
		a.series[id] = s
	}
	return s
}

func (a *Accumulator) agency(id string) *agencyStats {
	ag, ok := a.agencies[id]
	if !ok {
		ag = &agencyStats{
			series: make(map[string]struct{}),
			years:  make(map[string]int),
		}
		a.agencies[id] = ag
	}
	return ag
}
