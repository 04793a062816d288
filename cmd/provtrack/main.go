package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mwalker/prov-api-harvester/config"
	"github.com/mwalker/prov-api-harvester/provapi"
	"github.com/mwalker/prov-api-harvester/track"
)

func main() {
	defaultCfg := config.DefaultConfig()

	snapshotType := flag.String("type", "", "Type of data to fetch: series, function, agency, or consignment")
	output := flag.String("output", "", "Output file name (default: prov-<plural-type>-<date>.json)")
	baseURL := flag.String("base-url", defaultCfg.BaseURL, "Search API endpoint")
	rows := flag.Int("rows", defaultCfg.Rows, "Number of rows to fetch per request")
	verbose := flag.Bool("v", false, "Enable verbose logging")
	flag.Parse()

	logger, level := newLogger(*verbose)
	slog.SetDefault(logger)
	slog.SetLogLoggerLevel(level.Level())

	query, err := track.CategoryQuery(*snapshotType)
	if err != nil {
		slog.Error("invalid arguments", slog.Any("error", err))
		os.Exit(1)
	}

	cfg := defaultCfg
	cfg.BaseURL = *baseURL
	cfg.Rows = *rows
	cfg.Query = query
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.Any("error", err))
		os.Exit(1)
	}

	outputFile := *output
	if outputFile == "" {
		outputFile = track.DefaultOutputFile(*snapshotType, time.Now())
	}

	metrics := provapi.NewMetrics()
	client := provapi.NewClient(cfg, metrics)
	governor := provapi.NewRateGovernor(cfg.RateWait, cfg.RateReserve, cfg.RatePause, metrics)
	snapshotter := track.NewSnapshotter(client, governor, cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	docs, err := snapshotter.FetchAll(ctx, query)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, "\nInterrupted; no snapshot written.")
			os.Exit(2)
		}
		slog.Error("snapshot fetch failed", slog.Any("error", err))
		os.Exit(1)
	}

	slog.Info("normalising keys", slog.Int("records", len(docs)))
	normalised := track.NormalizeKeys(docs)
	slog.Info("sorting records")
	track.SortRecords(normalised)

	if err := track.WriteSnapshot(outputFile, normalised); err != nil {
		slog.Error("writing snapshot", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("snapshot written", slog.String("output", outputFile), slog.Int("records", len(normalised)))
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
