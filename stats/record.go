package stats

import (
	"regexp"
	"strconv"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/mwalker/prov-api-harvester/models"
)

const (
	categoryField   = "category"
	identifierField = "identifier.PROV_ACM.id"
	entityIDField   = "_id"
	seriesIDField   = "series_id"
	titleField      = "title"
	timestampField  = "timestamp"
	manifestField   = "iiif-manifest"
	barcodeField    = "barcode"
	boxBarcodeField = "box_barcode"
	agencyIDsField  = "agencies.ids"
	agencyTitles    = "agencies.titles"

	// unknownSeries buckets records with no recognizable series
	// association. Retained during accumulation, excluded from the final
	// series listing.
	unknownSeries = "Unknown"
)

var (
	consignmentSeriesRe = regexp.MustCompile(`^VPRS (\d+)/P`)
	entitySeriesRe      = regexp.MustCompile(`^VPRS(\d+)/`)
)

// seriesExtractor pattern-matches series ids out of structured identifier
// strings. Identifiers repeat heavily (every item in a consignment carries
// the same prefix), so results are memoised in a small LRU.
type seriesExtractor struct {
	re    *regexp.Regexp
	cache *lru.Cache[string, string]
}

func newSeriesExtractor(re *regexp.Regexp) *seriesExtractor {
	// Cache failure unlikely with a positive size; fall back to uncached.
	cache, _ := lru.New[string, string](4096)
	return &seriesExtractor{re: re, cache: cache}
}

// extract returns the embedded series id, or unknownSeries when the value
// does not match.
func (e *seriesExtractor) extract(value string) string {
	if e.cache != nil {
		if id, ok := e.cache.Get(value); ok {
			return id
		}
	}
	id := unknownSeries
	if m := e.re.FindStringSubmatch(value); m != nil {
		id = m[1]
	}
	if e.cache != nil {
		e.cache.Add(value, id)
	}
	return id
}

// recordSeriesID classifies rec and derives its owning series id.
func recordSeriesID(rec models.Record, category string, consignments, entities *seriesExtractor) string {
	switch category {
	case "Consignment":
		if identifier, ok := rec.String(identifierField); ok {
			return consignments.extract(identifier)
		}
		return unknownSeries
	case "relatedEntity":
		if entityID, ok := rec.String(entityIDField); ok {
			return entities.extract(entityID)
		}
		return unknownSeries
	default:
		if id := fieldAsString(rec, seriesIDField); id != "" {
			return id
		}
		return unknownSeries
	}
}

// fieldAsString coerces string or numeric JSON values to their string form.
func fieldAsString(rec models.Record, key string) string {
	v, ok := rec[key]
	if !ok {
		return ""
	}
	switch val := v.(type) {
	case string:
		return val
	case float64:
		if val == float64(int64(val)) {
			return strconv.FormatInt(int64(val), 10)
		}
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		return ""
	}
}

// timestampSeconds parses the record's timestamp field into epoch seconds.
// The second return distinguishes "present but invalid" from "absent".
func timestampSeconds(rec models.Record) (int64, bool, bool) {
	v, ok := rec[timestampField]
	if !ok {
		return 0, false, false
	}
	switch ts := v.(type) {
	case float64:
		return int64(ts), true, true
	case string:
		parsed, err := strconv.ParseInt(ts, 10, 64)
		if err != nil {
			return 0, false, true
		}
		return parsed, true, true
	default:
		return 0, false, true
	}
}

// isUnit reports whether the record is a container-level record: both
// barcode fields present and equal.
func isUnit(rec models.Record) bool {
	barcode, ok := rec.String(barcodeField)
	if !ok {
		return false
	}
	boxBarcode, ok := rec.String(boxBarcodeField)
	if !ok {
		return false
	}
	return barcode == boxBarcode
}
