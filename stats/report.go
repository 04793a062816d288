package stats

import (
	"math"
	"regexp"
	"sort"
	"strconv"
)

var agencyNumRe = regexp.MustCompile(`VA(\d+)`)

// Report is the consolidated statistics output: one JSON object with the
// overall histograms, per-series statistics sorted numerically by id, and
// per-agency statistics sorted by the numeric part of the agency code.
type Report struct {
	Agencies []AgencyReport `json:"agencies,omitempty"`
	Overall  Overall        `json:"overall"`
	Series   []SeriesReport `json:"series"`
}

// Overall carries corpus-wide histograms and totals.
type Overall struct {
	Categories    map[string]int `json:"categories"`
	IIIFManifests int            `json:"iiif_manifests"`
	Objects       int            `json:"objects"`
	Units         int            `json:"units"`
	Years         map[string]int `json:"years"`
}

// SeriesReport is one series' statistics.
type SeriesReport struct {
	Agencies        []string       `json:"agencies"`
	Consignments    int            `json:"consignments"`
	ID              string         `json:"id"`
	IIIFManifests   int            `json:"iiif_manifests"`
	Images          int            `json:"images"`
	Items           int            `json:"items"`
	RelatedEntities int            `json:"related_entities"`
	Title           string         `json:"title"`
	Units           int            `json:"units"`
	Years           map[string]int `json:"years"`
}

// AgencyReport is one agency's statistics. The counters are deliberately
// the union of the agency's own direct counts and the counts of every
// series cross-linked to it: an agency's figures represent everything
// passing through any of its associated series, so activity shared between
// agencies is counted under each.
type AgencyReport struct {
	Consignments  int            `json:"consignments"`
	ID            string         `json:"id"`
	IIIFManifests int            `json:"iiif_manifests"`
	Images        int            `json:"images"`
	Items         int            `json:"items"`
	Series        []string       `json:"series"`
	Title         string         `json:"title"`
	Units         int            `json:"units"`
	Years         map[string]int `json:"years"`
}

// Report assembles the final statistics. This is a second, non-streaming
// pass over the completed accumulator; agency cross-aggregation happens
// here, once, never incrementally.
func (a *Accumulator) Report() *Report {
	report := &Report{
		Overall: Overall{
			Categories:    a.categories,
			IIIFManifests: a.iiifManifests,
			Objects:       a.objects,
			Units:         a.units,
			Years:         a.years,
		},
	}

	seriesIDs := make([]string, 0, len(a.series))
	for id := range a.series {
		if id == unknownSeries || id == "" {
			continue
		}
		seriesIDs = append(seriesIDs, id)
	}
	sortNumeric(seriesIDs)

	report.Series = make([]SeriesReport, 0, len(seriesIDs))
	for _, id := range seriesIDs {
		s := a.series[id]
		agencies := setToSlice(s.agencies)
		sortByAgencyCode(agencies)
		report.Series = append(report.Series, SeriesReport{
			Agencies:        agencies,
			Consignments:    s.consignments,
			ID:              id,
			IIIFManifests:   s.iiifManifests,
			Images:          s.images,
			Items:           s.items,
			RelatedEntities: s.relatedEntities,
			Title:           s.title,
			Units:           s.units,
			Years:           s.years,
		})
	}

	agencyIDs := make([]string, 0, len(a.agencies))
	for id := range a.agencies {
		agencyIDs = append(agencyIDs, id)
	}
	sortByAgencyCode(agencyIDs)

	report.Agencies = make([]AgencyReport, 0, len(agencyIDs))
	for _, id := range agencyIDs {
		ag := a.agencies[id]
		item := AgencyReport{
			Consignments:  ag.consignments,
			ID:            id,
			IIIFManifests: ag.iiifManifests,
			Images:        ag.images,
			Items:         ag.items,
			Title:         ag.title,
			Units:         ag.units,
			Years:         make(map[string]int, len(ag.years)),
		}
		for year, count := range ag.years {
			item.Years[year] = count
		}
		for seriesID := range ag.series {
			s, ok := a.series[seriesID]
			if !ok {
				continue
			}
			item.Consignments += s.consignments
			item.IIIFManifests += s.iiifManifests
			item.Images += s.images
			item.Items += s.items
			item.Units += s.units
			for year, count := range s.years {
				item.Years[year] += count
			}
		}
		item.Series = setToSlice(ag.series)
		sortNumeric(item.Series)
		report.Agencies = append(report.Agencies, item)
	}

	return report
}

func setToSlice(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	return out
}

// sortNumeric orders ids numerically ascending; non-numeric ids sort last,
// lexicographically among themselves.
func sortNumeric(ids []string) {
	sort.Slice(ids, func(i, j int) bool {
		a, b := numericKey(ids[i]), numericKey(ids[j])
		if a != b {
			return a < b
		}
		return ids[i] < ids[j]
	})
}

func numericKey(id string) float64 {
	n, err := strconv.Atoi(id)
	if err != nil {
		return math.Inf(1)
	}
	return float64(n)
}

// sortByAgencyCode orders agency identifiers by the numeric code embedded
// in them; identifiers with no code sort last.
func sortByAgencyCode(ids []string) {
	sort.Slice(ids, func(i, j int) bool {
		a, b := agencyCode(ids[i]), agencyCode(ids[j])
		if a != b {
			return a < b
		}
		return ids[i] < ids[j]
	})
}

func agencyCode(id string) float64 {
	m := agencyNumRe.FindStringSubmatch(id)
	if m == nil {
		return math.Inf(1)
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return math.Inf(1)
	}
	return float64(n)
}
