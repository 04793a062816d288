package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/mwalker/prov-api-harvester/stats"
)

func main() {
	input := flag.String("input", "", "Input JSON file path (default: stdin); zstd compression is auto-detected")
	compress := flag.Bool("compress", false, "Treat input as zstd-compressed without sniffing")
	verbose := flag.Bool("v", false, "Enable verbose logging")
	flag.Parse()

	logger, level := newLogger(*verbose)
	slog.SetDefault(logger)
	slog.SetLogLoggerLevel(level.Level())

	in, err := stats.OpenInput(*input, *compress)
	if err != nil {
		slog.Error("opening input", slog.Any("error", err))
		os.Exit(1)
	}
	defer in.Close()

	report, err := stats.Aggregate(in)
	if err != nil {
		slog.Error("aggregation failed", slog.Any("error", err))
		os.Exit(1)
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		slog.Error("encoding report", slog.Any("error", err))
		os.Exit(1)
	}
	fmt.Println(string(data))
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
