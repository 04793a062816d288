// Package track produces diff-friendly snapshots of one record category:
// every document fetched, keys normalised across the set, records sorted by
// their archival identifier, output as stable indented JSON.
package track

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/mwalker/prov-api-harvester/config"
	"github.com/mwalker/prov-api-harvester/models"
	"github.com/mwalker/prov-api-harvester/provapi"
)

const identifierField = "identifier.PROV_ACM.id"

// categoryQueries maps the supported snapshot types to their queries.
var categoryQueries = map[string]string{
	"series":      "category:(Series)",
	"function":    "category:(Function)",
	"agency":      "category:(Agency)",
	"consignment": "category:(Consignment)",
}

// CategoryQuery returns the query for a snapshot type.
func CategoryQuery(name string) (string, error) {
	query, ok := categoryQueries[name]
	if !ok {
		return "", fmt.Errorf("unknown snapshot type %q (want series, function, agency, or consignment)", name)
	}
	return query, nil
}

// Plural returns the plural form used in default snapshot file names.
func Plural(name string) string {
	switch name {
	case "series":
		return "series"
	case "agency":
		return "agencies"
	default:
		return name + "s"
	}
}

// DefaultOutputFile names a snapshot by type and date.
func DefaultOutputFile(name string, now time.Time) string {
	return fmt.Sprintf("prov-%s-%s.json", Plural(name), now.Format("2006-01-02"))
}

// Snapshotter fetches and materialises full category snapshots. Unlike the
// harvest engine it accumulates all records in memory: snapshot categories
// are small (thousands of records, not millions) and the whole set must be
// sorted before writing.
type Snapshotter struct {
	client   *provapi.Client
	governor *provapi.RateGovernor
	cfg      *config.Config
}

// NewSnapshotter builds a snapshotter from its collaborators.
func NewSnapshotter(client *provapi.Client, governor *provapi.RateGovernor, cfg *config.Config) *Snapshotter {
	return &Snapshotter{client: client, governor: governor, cfg: cfg}
}

// FetchAll pages through every record matching query.
func (s *Snapshotter) FetchAll(ctx context.Context, query string) ([]models.Record, error) {
	var all []models.Record
	offset := 0
	total := -1

	for total < 0 || offset < total {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		req := provapi.SearchRequest{
			Query: query,
			Rows:  s.cfg.Rows,
			Start: offset,
		}
		resp, headers, _, err := s.client.Fetch(ctx, req.URL(s.cfg.BaseURL))
		if err != nil {
			return nil, err
		}

		docs := resp.Response.Docs
		all = append(all, docs...)
		total = resp.Response.NumFound
		offset += len(docs)

		slog.Info("fetched page",
			slog.Int("documents", len(docs)),
			slog.Int("total", total),
			slog.Int("collected", len(all)),
		)

		if len(docs) == 0 && offset < total {
			slog.Warn("empty page before reported total, stopping",
				slog.Int("offset", offset),
				slog.Int("total", total),
			)
			break
		}
		if offset < total {
			if err := s.governor.Throttle(ctx, headers); err != nil {
				return nil, err
			}
		}
	}
	return all, nil
}

// NormalizeKeys gives every record the union of all keys seen across the
// set, with nulls for the ones it lacks, so consecutive snapshots diff
// cleanly even when sparse fields come and go.
func NormalizeKeys(docs []models.Record) []models.Record {
	allKeys := make(map[string]struct{})
	for _, doc := range docs {
		for key := range doc {
			allKeys[key] = struct{}{}
		}
	}

	normalised := make([]models.Record, len(docs))
	for i, doc := range docs {
		rec := make(models.Record, len(allKeys))
		for key := range allKeys {
			rec[key] = doc[key] // missing keys become explicit nulls
		}
		normalised[i] = rec
	}
	return normalised
}

// identifierKey decomposes an ACM identifier ("VPRS 1234/P5") into its
// alphabetical tag, numeric part, and suffix for ordering. Identifiers with
// no numeric part sort after those with one.
type identifierKey struct {
	alpha  string
	num    int
	hasNum bool
	suffix string
}

func sortKey(rec models.Record) identifierKey {
	id, _ := rec.String(identifierField)
	parts := strings.SplitN(id, " ", 2)
	if len(parts) != 2 {
		return identifierKey{alpha: strings.ToUpper(id)}
	}
	key := identifierKey{alpha: strings.ToUpper(parts[0])}
	numParts := strings.SplitN(parts[1], "/", 2)
	if n, err := strconv.Atoi(numParts[0]); err == nil {
		key.num = n
		key.hasNum = true
	}
	if len(numParts) > 1 {
		key.suffix = strings.ToUpper(numParts[1])
	}
	return key
}

func (k identifierKey) less(other identifierKey) bool {
	if k.alpha != other.alpha {
		return k.alpha < other.alpha
	}
	if k.hasNum != other.hasNum {
		return k.hasNum // numbered identifiers first
	}
	if k.num != other.num {
		return k.num < other.num
	}
	return k.suffix < other.suffix
}

// SortRecords orders records by their ACM identifier, stably so records
// with equal keys keep their fetch order.
func SortRecords(docs []models.Record) {
	keys := make([]identifierKey, len(docs))
	for i, doc := range docs {
		keys[i] = sortKey(doc)
	}
	sort.Stable(&byIdentifier{docs: docs, keys: keys})
}

type byIdentifier struct {
	docs []models.Record
	keys []identifierKey
}

func (b *byIdentifier) Len() int { return len(b.docs) }

func (b *byIdentifier) Swap(i, j int) {
	b.docs[i], b.docs[j] = b.docs[j], b.docs[i]
	b.keys[i], b.keys[j] = b.keys[j], b.keys[i]
}

func (b *byIdentifier) Less(i, j int) bool { return b.keys[i].less(b.keys[j]) }

// WriteSnapshot writes the records as indented JSON.
func WriteSnapshot(path string, docs []models.Record) error {
	data, err := json.MarshalIndent(docs, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	data = append(data, '\n')
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}
