package provapi

import (
	"encoding/json"
	"net/url"
	"testing"
)

func TestSearchRequestURL(t *testing.T) {
	req := SearchRequest{
		Query: "category:(Series)",
		Rows:  1000,
		Start: 2000,
		Sort:  "identifier.PROV_ACM.id asc",
	}
	raw := req.URL("http://api.example.test/search/query")

	parsed, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	q := parsed.Query()
	if got := q.Get("q"); got != "category:(Series)" {
		t.Fatalf("q = %q", got)
	}
	if got := q.Get("rows"); got != "1000" {
		t.Fatalf("rows = %q", got)
	}
	if got := q.Get("start"); got != "2000" {
		t.Fatalf("start = %q", got)
	}
	if got := q.Get("sort"); got != "identifier.PROV_ACM.id asc" {
		t.Fatalf("sort = %q", got)
	}
	if got := q.Get("wt"); got != "json" {
		t.Fatalf("wt = %q", got)
	}
	if q.Has("facet") {
		t.Fatalf("non-facet request should not set facet params")
	}
}

func TestSearchRequestURLFacetMode(t *testing.T) {
	req := SearchRequest{
		Query:       "*:*",
		Rows:        0,
		FacetFields: []string{"series_id", "identifier.PROV_ACM.id"},
		FacetPrefix: "vprs",
		FacetLimit:  -1,
	}
	parsed, err := url.Parse(req.URL("http://api.example.test/search/query"))
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	q := parsed.Query()
	if got := q.Get("facet"); got != "true" {
		t.Fatalf("facet = %q", got)
	}
	fields := q["facet.field"]
	if len(fields) != 2 || fields[0] != "series_id" || fields[1] != "identifier.PROV_ACM.id" {
		t.Fatalf("facet.field = %v", fields)
	}
	if got := q.Get("facet.prefix"); got != "vprs" {
		t.Fatalf("facet.prefix = %q", got)
	}
	if got := q.Get("facet.limit"); got != "-1" {
		t.Fatalf("facet.limit = %q", got)
	}
	if got := q.Get("rows"); got != "0" {
		t.Fatalf("rows = %q", got)
	}
}

func TestFacetFieldEntries(t *testing.T) {
	payload := `{
		"response": {"numFound": 10, "docs": []},
		"facet_counts": {"facet_fields": {
			"series_id": ["5", 120, "6", 30, 7, 1, "8", "oops"]
		}}
	}`
	var resp SearchResponse
	if err := json.Unmarshal([]byte(payload), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	field, err := resp.FacetCounts.Field("series_id")
	if err != nil {
		t.Fatalf("field: %v", err)
	}

	var skipped int
	entries := field.Entries(func(index int, value any) { skipped++ })
	if len(entries) != 2 {
		t.Fatalf("entries = %v, want 2 valid pairs", entries)
	}
	if entries[0].Value != "5" || entries[0].Count != 120 {
		t.Fatalf("entry 0 = %+v", entries[0])
	}
	if entries[1].Value != "6" || entries[1].Count != 30 {
		t.Fatalf("entry 1 = %+v", entries[1])
	}
	if skipped != 2 {
		t.Fatalf("skipped = %d, want 2 (non-string value, non-numeric count)", skipped)
	}
}

func TestFacetCountsFieldMissing(t *testing.T) {
	var resp SearchResponse
	if _, err := resp.FacetCounts.Field("series_id"); err == nil {
		t.Fatalf("expected error for missing facet counts")
	}

	resp.FacetCounts = &FacetCounts{FacetFields: map[string]FacetField{}}
	if _, err := resp.FacetCounts.Field("series_id"); err == nil {
		t.Fatalf("expected error for missing facet field")
	}
}
