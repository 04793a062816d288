package harvest

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/mwalker/prov-api-harvester/config"
	"github.com/mwalker/prov-api-harvester/models"
	"github.com/mwalker/prov-api-harvester/provapi"
)

const (
	// seriesField carries the series id directly on most record types.
	seriesField = "series_id"
	// identifierField is the parent/consignment linkage field; its values
	// embed the series id as a prefixed numeric string ("VPRS 5/P1").
	identifierField = "identifier.PROV_ACM.id"
)

var (
	parentLinkRe    = regexp.MustCompile(`(?i)^VPRS\s?(\d+)/`)
	lowercaseLinkRe = regexp.MustCompile(`^vprs\s?(\d+)/`)
)

// Planner computes per-series record-count estimates from facet queries and
// partitions series into bounded request groups. Plans are built once up
// front and consumed in order.
type Planner struct {
	client *provapi.Client
	cfg    *config.Config
}

// NewPlanner builds a planner sharing the engine's client.
func NewPlanner(client *provapi.Client, cfg *config.Config) *Planner {
	return &Planner{client: client, cfg: cfg}
}

// Plan runs the two preliminary facet queries and returns the ordered
// batches plus the set of series needing lowercase query-term variants.
func (p *Planner) Plan(ctx context.Context) ([]models.SeriesBatch, map[int]bool, error) {
	counts, err := p.seriesEstimates(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("series estimates: %w", err)
	}
	lowercase, err := p.lowercaseSeries(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("lowercase variant scan: %w", err)
	}

	if p.cfg.SeriesRangeRestricted() {
		for id := range counts {
			if (p.cfg.SeriesFrom > 0 && id < p.cfg.SeriesFrom) ||
				(p.cfg.SeriesTo > 0 && id > p.cfg.SeriesTo) {
				delete(counts, id)
			}
		}
	}

	batches := PlanBatches(counts, p.cfg.MaxBatchRecords, p.cfg.MaxBatchSeries)
	slog.Info("planned series batches",
		slog.Int("series", len(counts)),
		slog.Int("batches", len(batches)),
		slog.Int("lowercase_variants", len(lowercase)),
	)
	return batches, lowercase, nil
}

// seriesEstimates facets on both the direct series field and the parent
// linkage field over the full corpus (or the IIIF-filtered subset). Counts
// for the same series from the two dimensions combine by max, not sum: the
// harvest query ORs the dimensions, so a record matching both is still
// yielded once.
func (p *Planner) seriesEstimates(ctx context.Context) (map[int]int, error) {
	query := "*:*"
	if p.cfg.IIIFOnly {
		query = "iiif-manifest:[* TO *]"
	}
	req := provapi.SearchRequest{
		Query:       query,
		Rows:        0,
		FacetFields: []string{seriesField, identifierField},
		FacetLimit:  -1,
	}
	resp, _, _, err := p.client.Fetch(ctx, req.URL(p.cfg.BaseURL))
	if err != nil {
		return nil, err
	}

	direct, err := resp.FacetCounts.Field(seriesField)
	if err != nil {
		return nil, err
	}
	linked, err := resp.FacetCounts.Field(identifierField)
	if err != nil {
		return nil, err
	}

	counts := make(map[int]int)
	for _, entry := range direct.Entries(logSkippedFacet(seriesField)) {
		if entry.Count <= 0 {
			continue
		}
		id, err := strconv.Atoi(entry.Value)
		if err != nil {
			slog.Warn("skipping non-numeric series facet value",
				slog.String("field", seriesField),
				slog.String("value", entry.Value),
			)
			continue
		}
		counts[id] += entry.Count
	}

	// Sum linkage counts per series within the dimension first, then
	// combine across dimensions by max.
	linkedCounts := make(map[int]int)
	for _, entry := range linked.Entries(logSkippedFacet(identifierField)) {
		if entry.Count <= 0 {
			continue
		}
		m := parentLinkRe.FindStringSubmatch(entry.Value)
		if m == nil {
			continue
		}
		id, err := strconv.Atoi(m[1])
		if err != nil {
			slog.Warn("skipping unparseable series fragment",
				slog.String("field", identifierField),
				slog.String("value", entry.Value),
			)
			continue
		}
		linkedCounts[id] += entry.Count
	}
	for id, count := range linkedCounts {
		if count > counts[id] {
			counts[id] = count
		}
	}
	return counts, nil
}

// lowercaseSeries scans consignment linkage values carrying the
// non-standard lowercase tag so those series get extra query-term variants.
func (p *Planner) lowercaseSeries(ctx context.Context) (map[int]bool, error) {
	req := provapi.SearchRequest{
		Query:       "category:(Consignment)",
		Rows:        0,
		FacetFields: []string{identifierField},
		FacetPrefix: "vprs",
		FacetLimit:  -1,
	}
	resp, _, _, err := p.client.Fetch(ctx, req.URL(p.cfg.BaseURL))
	if err != nil {
		return nil, err
	}
	field, err := resp.FacetCounts.Field(identifierField)
	if err != nil {
		return nil, err
	}

	series := make(map[int]bool)
	for _, entry := range field.Entries(logSkippedFacet(identifierField)) {
		if entry.Count <= 0 {
			continue
		}
		m := lowercaseLinkRe.FindStringSubmatch(entry.Value)
		if m == nil {
			continue
		}
		id, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		series[id] = true
	}
	return series, nil
}

func logSkippedFacet(field string) func(index int, value any) {
	return func(index int, value any) {
		slog.Warn("skipping malformed facet entry",
			slog.String("field", field),
			slog.Int("index", index),
			slog.Any("value", value),
		)
	}
}

// PlanBatches greedily packs series, sorted ascending by id, into batches
// bounded by both caps. A batch closes only when adding the next series
// would cross a cap, so a single series whose own estimate exceeds the
// record cap ends up alone in its own batch. maxSeries bounds composite
// query length, not record count.
func PlanBatches(counts map[int]int, maxRecords, maxSeries int) []models.SeriesBatch {
	ids := make([]int, 0, len(counts))
	for id := range counts {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	var batches []models.SeriesBatch
	var current models.SeriesBatch
	for _, id := range ids {
		count := counts[id]
		if len(current.SeriesIDs) > 0 &&
			(current.EstimatedRecords+count > maxRecords || len(current.SeriesIDs)+1 > maxSeries) {
			batches = append(batches, current)
			current = models.SeriesBatch{}
		}
		current.SeriesIDs = append(current.SeriesIDs, id)
		current.EstimatedRecords += count
	}
	if len(current.SeriesIDs) > 0 {
		batches = append(batches, current)
	}
	return batches
}

// BatchQuery renders one batch as a composite query: an OR of a direct
// series-id clause and a parent-linkage prefix clause. Series flagged in
// lowercase also contribute the lowercase tag with and without the internal
// separator, tolerating inconsistent upstream tagging.
func BatchQuery(batch models.SeriesBatch, lowercase map[int]bool, iiifOnly bool) string {
	direct := make([]string, 0, len(batch.SeriesIDs))
	var linkage []string
	for _, id := range batch.SeriesIDs {
		direct = append(direct, strconv.Itoa(id))
		linkage = append(linkage, fmt.Sprintf(`VPRS\ %d/*`, id))
		if lowercase[id] {
			linkage = append(linkage,
				fmt.Sprintf(`vprs\ %d/*`, id),
				fmt.Sprintf(`vprs%d/*`, id),
			)
		}
	}

	query := fmt.Sprintf("(%s:(%s) OR %s:(%s))",
		seriesField, strings.Join(direct, " OR "),
		identifierField, strings.Join(linkage, " OR "),
	)
	if iiifOnly {
		query += " AND iiif-manifest:[* TO *]"
	}
	return query
}
