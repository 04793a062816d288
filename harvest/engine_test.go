package harvest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/mwalker/prov-api-harvester/config"
	"github.com/mwalker/prov-api-harvester/models"
	"github.com/mwalker/prov-api-harvester/provapi"
)

const testBaseURL = "http://api.example.test/search/query"
const testURLPattern = `=~^http://api\.example\.test/search/query`

func newTestEngine(t *testing.T, dir string, mutate func(*config.Config)) (*Engine, *httpmock.MockTransport, *config.Config) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.BaseURL = testBaseURL
	cfg.OutputFile = filepath.Join(dir, "output.json")
	cfg.BaseWait = time.Millisecond
	cfg.RateWait = 0
	cfg.RatePause = 0
	if mutate != nil {
		mutate(cfg)
	}

	metrics := provapi.NewMetrics()
	client := provapi.NewClient(cfg, metrics)
	transport := httpmock.NewMockTransport()
	client.SetTransport(transport)
	governor := provapi.NewRateGovernor(cfg.RateWait, cfg.RateReserve, cfg.RatePause, metrics)
	return NewEngine(cfg, client, governor, metrics), transport, cfg
}

// pagedResponder serves a deterministic corpus of total records, failing
// the first failures[start] attempts at each offset.
func pagedResponder(total int, failures map[int]int) httpmock.Responder {
	attempts := make(map[int]int)
	return func(req *http.Request) (*http.Response, error) {
		start, _ := strconv.Atoi(req.URL.Query().Get("start"))
		rows, _ := strconv.Atoi(req.URL.Query().Get("rows"))

		if attempts[start] < failures[start] {
			attempts[start]++
			return httpmock.NewStringResponse(http.StatusInternalServerError, ""), nil
		}

		n := total - start
		if n > rows {
			n = rows
		}
		if n < 0 {
			n = 0
		}
		docs := make([]models.Record, n)
		for i := range docs {
			docs[i] = models.Record{"id": float64(start + i), "category": "Item"}
		}
		body, _ := json.Marshal(map[string]any{
			"response": map[string]any{"numFound": total, "docs": docs},
		})
		resp := httpmock.NewStringResponse(http.StatusOK, string(body))
		resp.Header.Set("Content-Type", "application/json")
		resp.Header.Set(provapi.RemainingHeader, "100")
		return resp, nil
	}
}

func TestEngineHarvestWithMidPageRetries(t *testing.T) {
	dir := t.TempDir()
	engine, transport, cfg := newTestEngine(t, dir, nil)
	// 2,500 records, page size 1,000, and the 2nd page's first two
	// attempts fail: the harvest still completes in exactly 3 pages.
	transport.RegisterResponder("GET", testURLPattern, pagedResponder(2500, map[int]int{1000: 2}))

	result, err := engine.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Pages != 3 {
		t.Fatalf("pages = %d, want 3", result.Pages)
	}
	if result.Records != 2500 {
		t.Fatalf("records = %d, want 2500", result.Records)
	}

	records := readArray(t, cfg.OutputFile, false)
	if len(records) != 2500 {
		t.Fatalf("artifact records = %d, want 2500", len(records))
	}
	if _, err := LoadProgress(cfg.OutputFile + PartialSuffix); !errors.Is(err, ErrNoProgress) {
		t.Fatalf("checkpoint must be cleared after finalize, got %v", err)
	}
	if _, err := os.Stat(cfg.OutputFile + PartialSuffix); !os.IsNotExist(err) {
		t.Fatalf("partial must be renamed away")
	}
}

func TestEngineAlreadyExists(t *testing.T) {
	dir := t.TempDir()
	engine, transport, cfg := newTestEngine(t, dir, nil)
	transport.RegisterResponder("GET", testURLPattern, pagedResponder(10, nil))

	if err := os.WriteFile(cfg.OutputFile, []byte("[]"), 0o644); err != nil {
		t.Fatalf("seed output: %v", err)
	}

	_, err := engine.Run(context.Background())
	if !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("err = %v, want ErrAlreadyExists", err)
	}
	if transport.GetTotalCallCount() != 0 {
		t.Fatalf("issued %d requests, want 0 before the conflict check", transport.GetTotalCallCount())
	}
}

func TestEngineCannotResumeWithoutPartial(t *testing.T) {
	dir := t.TempDir()
	engine, transport, _ := newTestEngine(t, dir, func(cfg *config.Config) {
		cfg.Resume = true
	})
	transport.RegisterResponder("GET", testURLPattern, pagedResponder(10, nil))

	_, err := engine.Run(context.Background())
	if !errors.Is(err, ErrCannotResume) {
		t.Fatalf("err = %v, want ErrCannotResume", err)
	}
	if transport.GetTotalCallCount() != 0 {
		t.Fatalf("issued %d requests, want 0", transport.GetTotalCallCount())
	}
}

func TestEngineExhaustedRetriesLeavesResumableState(t *testing.T) {
	dir := t.TempDir()
	engine, transport, cfg := newTestEngine(t, dir, nil)
	// Page two never succeeds.
	transport.RegisterResponder("GET", testURLPattern, pagedResponder(2500, map[int]int{1000: 1 << 30}))

	_, err := engine.Run(context.Background())
	var exhausted provapi.ErrExhaustedRetries
	if !errors.As(err, &exhausted) {
		t.Fatalf("err = %v, want ErrExhaustedRetries", err)
	}

	progress, err := LoadProgress(cfg.OutputFile + PartialSuffix)
	if err != nil {
		t.Fatalf("load progress: %v", err)
	}
	if progress.NextOffset != 1000 || progress.KnownTotal != 2500 {
		t.Fatalf("progress = %+v, want offset 1000 of 2500", progress)
	}
}

func TestEngineResumeMatchesUninterrupted(t *testing.T) {
	straightDir := t.TempDir()
	engine, transport, straightCfg := newTestEngine(t, straightDir, nil)
	transport.RegisterResponder("GET", testURLPattern, pagedResponder(2500, nil))
	if _, err := engine.Run(context.Background()); err != nil {
		t.Fatalf("straight run: %v", err)
	}

	resumedDir := t.TempDir()
	engine, transport, _ = newTestEngine(t, resumedDir, nil)
	transport.RegisterResponder("GET", testURLPattern, pagedResponder(2500, map[int]int{1000: 1 << 30}))
	if _, err := engine.Run(context.Background()); err == nil {
		t.Fatalf("interrupted run should fail")
	}

	engine, transport, resumedCfg := newTestEngine(t, resumedDir, func(cfg *config.Config) {
		cfg.Resume = true
		cfg.VerifyResume = true
	})
	transport.RegisterResponder("GET", testURLPattern, pagedResponder(2500, nil))
	result, err := engine.Run(context.Background())
	if err != nil {
		t.Fatalf("resumed run: %v", err)
	}
	if !result.Resumed {
		t.Fatalf("result should be marked resumed")
	}

	want, err := os.ReadFile(straightCfg.OutputFile)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	got, err := os.ReadFile(resumedCfg.OutputFile)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(want) != string(got) {
		t.Fatalf("resumed artifact differs from uninterrupted harvest")
	}
}

func TestEngineVerifyResumeDetectsMismatch(t *testing.T) {
	dir := t.TempDir()
	engine, transport, cfg := newTestEngine(t, dir, func(cfg *config.Config) {
		cfg.Resume = true
		cfg.VerifyResume = true
	})
	transport.RegisterResponder("GET", testURLPattern, pagedResponder(10, nil))

	w, err := NewArtifactWriter(cfg.OutputFile, false)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := w.WriteRecord(record(i)); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	// A checkpoint claiming more records than the artifact holds.
	if err := SaveProgress(cfg.OutputFile+PartialSuffix, models.HarvestProgress{NextOffset: 5, KnownTotal: 10}); err != nil {
		t.Fatalf("save progress: %v", err)
	}

	_, err = engine.Run(context.Background())
	if !errors.Is(err, ErrCannotResume) {
		t.Fatalf("err = %v, want ErrCannotResume on checkpoint mismatch", err)
	}
	if transport.GetTotalCallCount() != 0 {
		t.Fatalf("issued %d requests, want 0", transport.GetTotalCallCount())
	}
}

func TestEngineCancellationLeavesCheckpoint(t *testing.T) {
	dir := t.TempDir()
	engine, transport, cfg := newTestEngine(t, dir, nil)

	ctx, cancel := context.WithCancel(context.Background())
	inner := pagedResponder(2500, nil)
	transport.RegisterResponder("GET", testURLPattern, func(req *http.Request) (*http.Response, error) {
		start, _ := strconv.Atoi(req.URL.Query().Get("start"))
		if start == 1000 {
			// Interrupt mid-harvest; the in-flight page still lands.
			cancel()
		}
		return inner(req)
	})

	_, err := engine.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}

	progress, err := LoadProgress(cfg.OutputFile + PartialSuffix)
	if err != nil {
		t.Fatalf("load progress: %v", err)
	}
	if progress.NextOffset != 2000 {
		t.Fatalf("next_offset = %d, want 2000 (last durably written page)", progress.NextOffset)
	}

	count, err := CountPartialRecords(cfg.OutputFile+PartialSuffix, false)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != progress.NextOffset {
		t.Fatalf("artifact holds %d records, checkpoint says %d", count, progress.NextOffset)
	}
}

func TestEngineSelfCorrectingTotal(t *testing.T) {
	dir := t.TempDir()
	engine, transport, cfg := newTestEngine(t, dir, nil)

	// The upstream total shrinks from 2,000 to 1,500 mid-harvest; the
	// engine completes at the latest reported figure.
	transport.RegisterResponder("GET", testURLPattern, func(req *http.Request) (*http.Response, error) {
		start, _ := strconv.Atoi(req.URL.Query().Get("start"))
		total := 2000
		if start >= 1000 {
			total = 1500
		}
		return pagedResponder(total, nil)(req)
	})

	result, err := engine.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Records != 1500 {
		t.Fatalf("records = %d, want 1500", result.Records)
	}
	if len(readArray(t, cfg.OutputFile, false)) != 1500 {
		t.Fatalf("artifact record count mismatch")
	}
}

func TestEngineRunBatched(t *testing.T) {
	dir := t.TempDir()
	engine, transport, cfg := newTestEngine(t, dir, func(cfg *config.Config) {
		cfg.SeriesBatch = true
	})

	var batchQueries []string
	transport.RegisterResponder("GET", testURLPattern, func(req *http.Request) (*http.Response, error) {
		params := req.URL.Query()
		q := params.Get("q")

		if params.Get("facet") == "true" {
			var facets string
			if strings.HasPrefix(q, "category:(Consignment)") {
				facets = `"identifier.PROV_ACM.id": ["vprs 6/p1", 1]`
			} else {
				facets = `"series_id": ["5", 3, "6", 2],
					"identifier.PROV_ACM.id": ["VPRS 5/P1", 4, "not-a-series", 2]`
			}
			body := `{"response":{"numFound":9,"docs":[]},"facet_counts":{"facet_fields":{` + facets + `}}}`
			resp := httpmock.NewStringResponse(http.StatusOK, body)
			resp.Header.Set(provapi.RemainingHeader, "100")
			return resp, nil
		}

		var docs int
		switch {
		case q == metaQuery:
			docs = 2
		case q == relatedQuery:
			docs = 1
		case strings.Contains(q, "series_id:("):
			batchQueries = append(batchQueries, q)
			docs = 6
		default:
			return httpmock.NewStringResponse(http.StatusNotFound, ""), nil
		}
		return pagedResponder(docs, nil)(req)
	})

	result, err := engine.RunBatched(context.Background())
	if err != nil {
		t.Fatalf("run batched: %v", err)
	}
	if result.Batches != 1 {
		t.Fatalf("batches = %d, want 1 (series 5 and 6 fit together)", result.Batches)
	}
	// Meta pass (2) + batch (6) + related entities (1).
	if result.Records != 9 {
		t.Fatalf("records = %d, want 9", result.Records)
	}
	if len(result.Warnings) != 0 {
		t.Fatalf("warnings = %v, want none (actual 6 == estimate 4+2)", result.Warnings)
	}

	if len(batchQueries) != 1 {
		t.Fatalf("batch queries = %v, want exactly one", batchQueries)
	}
	query := batchQueries[0]
	if !strings.Contains(query, "series_id:(5 OR 6)") {
		t.Fatalf("batch query missing direct clause: %s", query)
	}
	if !strings.Contains(query, `vprs\ 6/*`) {
		t.Fatalf("batch query missing lowercase variant for series 6: %s", query)
	}

	if len(readArray(t, cfg.OutputFile, false)) != 9 {
		t.Fatalf("artifact record count mismatch")
	}
}

func TestEngineRunBatchedSkipsRelatedWhenRangeRestricted(t *testing.T) {
	dir := t.TempDir()
	engine, transport, _ := newTestEngine(t, dir, func(cfg *config.Config) {
		cfg.SeriesBatch = true
		cfg.SeriesFrom = 5
		cfg.SeriesTo = 5
	})

	relatedQueried := false
	transport.RegisterResponder("GET", testURLPattern, func(req *http.Request) (*http.Response, error) {
		params := req.URL.Query()
		q := params.Get("q")
		if params.Get("facet") == "true" {
			var facets string
			if strings.HasPrefix(q, "category:(Consignment)") {
				facets = `"identifier.PROV_ACM.id": []`
			} else {
				facets = `"series_id": ["5", 2, "6", 2], "identifier.PROV_ACM.id": []`
			}
			body := `{"response":{"numFound":4,"docs":[]},"facet_counts":{"facet_fields":{` + facets + `}}}`
			return httpmock.NewStringResponse(http.StatusOK, body), nil
		}
		if q == relatedQuery {
			relatedQueried = true
		}
		if strings.Contains(q, "series_id:(6") || strings.Contains(q, "OR 6)") {
			return httpmock.NewStringResponse(http.StatusNotFound, ""), nil
		}
		docs := 2
		if q == metaQuery {
			docs = 0
		}
		return pagedResponder(docs, nil)(req)
	})

	result, err := engine.RunBatched(context.Background())
	if err != nil {
		t.Fatalf("run batched: %v", err)
	}
	if relatedQueried {
		t.Fatalf("related-entity pass must be skipped under a series-range restriction")
	}
	if result.Batches != 1 {
		t.Fatalf("batches = %d, want 1 (series 6 filtered out)", result.Batches)
	}
}

func TestEngineBatchDiscrepancyWarning(t *testing.T) {
	dir := t.TempDir()
	engine, _, _ := newTestEngine(t, dir, func(cfg *config.Config) {
		cfg.BatchDiscrepancyAbs = 10
		cfg.BatchDiscrepancyPct = 0.05
	})

	tests := []struct {
		name     string
		estimate int
		actual   int
		warn     bool
	}{
		{name: "exact", estimate: 100, actual: 100, warn: false},
		{name: "within absolute floor", estimate: 100, actual: 110, warn: false},
		{name: "beyond absolute floor", estimate: 100, actual: 111, warn: true},
		{name: "within percentage", estimate: 1000, actual: 1050, warn: false},
		{name: "beyond percentage", estimate: 1000, actual: 1051, warn: true},
		{name: "undershoot", estimate: 1000, actual: 900, warn: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			batch := models.SeriesBatch{SeriesIDs: []int{1}, EstimatedRecords: tt.estimate}
			warning := engine.discrepancy(batch, tt.actual)
			if (warning != "") != tt.warn {
				t.Fatalf("discrepancy(%d, %d) = %q, want warn=%v", tt.estimate, tt.actual, warning, tt.warn)
			}
		})
	}
}
