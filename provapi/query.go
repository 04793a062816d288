// Package provapi implements the client side of the PROV search API
// contract: query construction, paginated fetching with bounded retry, facet
// parsing, and header-driven rate limiting.
package provapi

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/mwalker/prov-api-harvester/models"
)

// SearchRequest describes one GET against the search endpoint. A fresh value
// is built for every page from the harvest configuration plus the current
// offset; requests are never mutated after construction.
type SearchRequest struct {
	Query string
	Rows  int
	Start int
	Sort  string

	// Facet mode: rows is typically 0 and the response carries per-value
	// counts for each requested field instead of documents.
	FacetFields []string
	FacetPrefix string
	FacetLimit  int
}

// URL renders the request against the given endpoint base.
func (r SearchRequest) URL(base string) string {
	params := url.Values{}
	params.Set("rows", strconv.Itoa(r.Rows))
	params.Set("start", strconv.Itoa(r.Start))
	if r.Sort != "" {
		params.Set("sort", r.Sort)
	}
	params.Set("wt", "json")
	params.Set("q", r.Query)
	if len(r.FacetFields) > 0 {
		params.Set("facet", "true")
		for _, field := range r.FacetFields {
			params.Add("facet.field", field)
		}
		if r.FacetPrefix != "" {
			params.Set("facet.prefix", r.FacetPrefix)
		}
		if r.FacetLimit != 0 {
			params.Set("facet.limit", strconv.Itoa(r.FacetLimit))
		}
	}
	return base + "?" + params.Encode()
}

// SearchResponse is the JSON payload of the search endpoint.
type SearchResponse struct {
	Response struct {
		NumFound int             `json:"numFound"`
		Docs     []models.Record `json:"docs"`
	} `json:"response"`
	FacetCounts *FacetCounts `json:"facet_counts,omitempty"`
}

// FacetCounts carries per-field facet results.
type FacetCounts struct {
	FacetFields map[string]FacetField `json:"facet_fields"`
}

// FacetField is the API's flat alternating value/count array for one field.
type FacetField []any

// FacetEntry is one decoded value/count pair.
type FacetEntry struct {
	Value string
	Count int
}

// Entries decodes the alternating array into pairs. Malformed pairs (a
// non-string value or a non-numeric count) are reported through the skipped
// callback and dropped; they never abort decoding.
func (f FacetField) Entries(skipped func(index int, value any)) []FacetEntry {
	entries := make([]FacetEntry, 0, len(f)/2)
	for i := 0; i+1 < len(f); i += 2 {
		value, ok := f[i].(string)
		if !ok {
			if skipped != nil {
				skipped(i, f[i])
			}
			continue
		}
		count, ok := facetCount(f[i+1])
		if !ok {
			if skipped != nil {
				skipped(i+1, f[i+1])
			}
			continue
		}
		entries = append(entries, FacetEntry{Value: value, Count: count})
	}
	return entries
}

func facetCount(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case string:
		parsed, err := strconv.Atoi(n)
		if err != nil {
			return 0, false
		}
		return parsed, true
	default:
		return 0, false
	}
}

// Field returns the named facet field or an error if the response did not
// carry it.
func (f *FacetCounts) Field(name string) (FacetField, error) {
	if f == nil {
		return nil, fmt.Errorf("response carries no facet counts")
	}
	field, ok := f.FacetFields[name]
	if !ok {
		return nil, fmt.Errorf("facet field %q missing from response", name)
	}
	return field, nil
}
