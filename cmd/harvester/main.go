package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mwalker/prov-api-harvester/config"
	"github.com/mwalker/prov-api-harvester/harvest"
	"github.com/mwalker/prov-api-harvester/models"
	"github.com/mwalker/prov-api-harvester/provapi"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Exit statuses: 0 completed, 1 hard failure, 2 interrupted but resumable.
const (
	exitFailure     = 1
	exitInterrupted = 2
)

func main() {
	defaultCfg := config.DefaultConfig()
	rowsDefault := defaultCfg.Rows
	if value, ok, err := config.EnvInt("HARVESTER_ROWS"); err != nil {
		fmt.Fprintf(os.Stderr, "invalid HARVESTER_ROWS: %v\n", err)
		os.Exit(exitFailure)
	} else if ok {
		rowsDefault = value
	}
	baseURLDefault := defaultCfg.BaseURL
	if value, ok := config.EnvString("HARVESTER_BASE_URL"); ok {
		baseURLDefault = value
	}
	metricsDefault := defaultCfg.MetricsAddr
	if value, ok := config.EnvString("HARVESTER_METRICS_ADDR"); ok {
		metricsDefault = value
	}

	query := flag.String("query", defaultCfg.Query, "Query replacing the default q parameter")
	rows := flag.Int("rows", rowsDefault, "Number of rows to fetch per request")
	sortOrder := flag.String("sort", defaultCfg.Sort, "Sort order for results")
	output := flag.String("output", "", "Output file name (default: output.json, or output.json.zst when compressed)")
	compress := flag.Bool("compress", false, "Enable zstd compression for output")
	resume := flag.Bool("resume", false, "Resume from the last saved progress")
	verifyResume := flag.Bool("verify-resume", false, "Recount records in the in-progress artifact before resuming")
	baseURL := flag.String("base-url", baseURLDefault, "Search API endpoint")
	maxRetries := flag.Int("max-retries", defaultCfg.MaxRetries, "Maximum attempts per page")
	baseWaitSec := flag.Int("base-wait", int(defaultCfg.BaseWait/time.Second), "Base retry wait (seconds); attempt n waits n times this")
	rateWaitSec := flag.Int("wait", int(defaultCfg.RateWait/time.Second), "Unconditional wait between pages (seconds)")
	seriesBatch := flag.Bool("series-batch", false, "Harvest in planned per-series batches")
	maxBatchRecords := flag.Int("max-batch-records", defaultCfg.MaxBatchRecords, "Estimated record cap per series batch")
	maxBatchSeries := flag.Int("max-batch-series", defaultCfg.MaxBatchSeries, "Series cap per batch (bounds query length)")
	seriesFrom := flag.Int("series-from", 0, "Restrict series batches to ids >= this (0 = unrestricted)")
	seriesTo := flag.Int("series-to", 0, "Restrict series batches to ids <= this (0 = unrestricted)")
	includeRelated := flag.Bool("include-related", false, "Harvest related entities even with a series range restriction")
	iiifOnly := flag.Bool("iiif-only", false, "Restrict series batches to records with IIIF manifests")
	discrepancyAbs := flag.Int("discrepancy-records", defaultCfg.BatchDiscrepancyAbs, "Batch count discrepancy warning floor (records)")
	discrepancyPct := flag.Float64("discrepancy-pct", defaultCfg.BatchDiscrepancyPct, "Batch count discrepancy warning threshold (fraction of estimate)")
	metricsAddr := flag.String("metrics-addr", metricsDefault, "Prometheus metrics listen address (e.g. :9090)")
	verbose := flag.Bool("v", false, "Enable verbose logging")

	flag.Parse()

	logger, level := newLogger(*verbose)
	slog.SetDefault(logger)
	slog.SetLogLoggerLevel(level.Level())

	cfg := defaultCfg
	cfg.Query = *query
	cfg.Rows = *rows
	cfg.Sort = *sortOrder
	cfg.Compress = *compress
	cfg.Resume = *resume
	cfg.VerifyResume = *verifyResume
	cfg.BaseURL = *baseURL
	cfg.MaxRetries = *maxRetries
	cfg.BaseWait = time.Duration(*baseWaitSec) * time.Second
	cfg.RateWait = time.Duration(*rateWaitSec) * time.Second
	cfg.SeriesBatch = *seriesBatch
	cfg.MaxBatchRecords = *maxBatchRecords
	cfg.MaxBatchSeries = *maxBatchSeries
	cfg.SeriesFrom = *seriesFrom
	cfg.SeriesTo = *seriesTo
	cfg.IncludeRelated = *includeRelated
	cfg.IIIFOnly = *iiifOnly
	cfg.BatchDiscrepancyAbs = *discrepancyAbs
	cfg.BatchDiscrepancyPct = *discrepancyPct
	cfg.MetricsAddr = *metricsAddr
	cfg.Verbose = *verbose

	cfg.OutputFile = *output
	if cfg.OutputFile == "" {
		if cfg.Compress {
			cfg.OutputFile = "output.json.zst"
		} else {
			cfg.OutputFile = "output.json"
		}
	}

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.Any("error", err))
		os.Exit(exitFailure)
	}

	metrics := provapi.NewMetrics()
	client := provapi.NewClient(cfg, metrics)
	governor := provapi.NewRateGovernor(cfg.RateWait, cfg.RateReserve, cfg.RatePause, metrics)
	engine := harvest.NewEngine(cfg, client, governor, metrics)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received, finishing current page")
	}()

	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		metricsServer = &http.Server{
			Addr:    cfg.MetricsAddr,
			Handler: promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}),
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server failed", slog.Any("error", err))
			}
		}()
		slog.Info("metrics server enabled", slog.String("addr", cfg.MetricsAddr))
	}

	slog.Info("starting harvest",
		slog.String("base_url", cfg.BaseURL),
		slog.String("query", cfg.Query),
		slog.Int("rows", cfg.Rows),
		slog.String("output", cfg.OutputFile),
		slog.Bool("series_batch", cfg.SeriesBatch),
		slog.Bool("resume", cfg.Resume),
	)

	var result *models.HarvestResult
	var err error
	if cfg.SeriesBatch {
		result, err = engine.RunBatched(ctx)
	} else {
		result, err = engine.Run(ctx)
	}

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if shutdownErr := metricsServer.Shutdown(shutdownCtx); shutdownErr != nil {
			slog.Error("metrics server shutdown failed", slog.Any("error", shutdownErr))
		}
		cancel()
	}

	if err != nil {
		if errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "\nInterrupted. Progress saved to %s%s; resume with --resume.\n",
				cfg.OutputFile, harvest.PartialSuffix)
			os.Exit(exitInterrupted)
		}
		slog.Error("harvest failed", slog.Any("error", err))
		if result != nil && result.Records > 0 {
			fmt.Fprintf(os.Stderr, "Partial output left at %s%s; resume with --resume.\n",
				cfg.OutputFile, harvest.PartialSuffix)
		}
		os.Exit(exitFailure)
	}

	printSummary(result)
}

func printSummary(result *models.HarvestResult) {
	separator := "--------------------------------------------------"
	fmt.Println("\n" + separator)
	fmt.Println("Harvest complete")
	fmt.Printf("  Records:       %d\n", result.Records)
	fmt.Printf("  Pages:         %d\n", result.Pages)
	if result.Batches > 0 {
		fmt.Printf("  Batches:       %d\n", result.Batches)
	}
	fmt.Printf("  Bytes:         %d\n", result.Bytes)
	duration := result.EndTime.Sub(result.StartTime)
	fmt.Printf("  Duration:      %v\n", duration)
	if duration.Seconds() > 0 {
		fmt.Printf("  Records/sec:   %.2f\n", float64(result.Records)/duration.Seconds())
	}
	if result.Resumed {
		fmt.Println("  Resumed:       yes")
	}
	for _, warning := range result.Warnings {
		fmt.Printf("  Warning:       %s\n", warning)
	}
	fmt.Printf("  Output file:   %s\n", result.OutputFile)
	fmt.Println(separator)
}

func newLogger(verbose bool) (*slog.Logger, *slog.LevelVar) {
	level := &slog.LevelVar{}
	if verbose {
		level.Set(slog.LevelDebug)
	} else {
		level.Set(slog.LevelInfo)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if isTerminal(os.Stderr) {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}

	return slog.New(handler), level
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
