// Package config holds harvester configuration and validation.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"
)

// Config holds configuration for one harvest run.
type Config struct {
	BaseURL string
	Query   string
	Rows    int
	Sort    string

	OutputFile   string
	Compress     bool
	Resume       bool
	VerifyResume bool

	Timeout    time.Duration
	MaxRetries int
	BaseWait   time.Duration

	// Rate governor: sleep RateWait after every page, plus RatePause when
	// the remaining-requests header drops below RateReserve.
	RateWait    time.Duration
	RateReserve int
	RatePause   time.Duration

	// Series-batch mode.
	SeriesBatch         bool
	MaxBatchRecords     int
	MaxBatchSeries      int
	SeriesFrom          int
	SeriesTo            int
	IncludeRelated      bool
	IIIFOnly            bool
	BatchDiscrepancyAbs int
	BatchDiscrepancyPct float64

	UserAgent   string
	MetricsAddr string
	Verbose     bool
}

// DefaultConfig returns the upstream API's documented defaults.
func DefaultConfig() *Config {
	return &Config{
		BaseURL:             "https://api.prov.vic.gov.au/search/query",
		Query:               "*:*",
		Rows:                1000,
		Sort:                "identifier.PROV_ACM.id asc",
		OutputFile:          "output.json",
		Timeout:             60 * time.Second,
		MaxRetries:          6,
		BaseWait:            63 * time.Second,
		RateWait:            6 * time.Second,
		RateReserve:         20,
		RatePause:           2 * time.Second,
		MaxBatchRecords:     100000,
		MaxBatchSeries:      50,
		BatchDiscrepancyAbs: 10,
		BatchDiscrepancyPct: 0.05,
		UserAgent:           "prov-api-harvester/1.0",
	}
}

// Validate ensures all configuration values are coherent.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("base URL cannot be empty")
	}
	parsedURL, err := url.Parse(c.BaseURL)
	if err != nil {
		return fmt.Errorf("invalid base URL: %w", err)
	}
	if parsedURL.Host == "" {
		return fmt.Errorf("base URL must include a host")
	}
	if c.Query == "" {
		return fmt.Errorf("query cannot be empty")
	}
	if c.Rows <= 0 {
		return fmt.Errorf("rows must be positive")
	}
	if c.OutputFile == "" {
		return fmt.Errorf("output file cannot be empty")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.MaxRetries <= 0 {
		return fmt.Errorf("max retries must be positive")
	}
	if c.BaseWait < 0 {
		return fmt.Errorf("base wait cannot be negative")
	}
	if c.RateWait < 0 {
		return fmt.Errorf("rate wait cannot be negative")
	}
	if c.RatePause < 0 {
		return fmt.Errorf("rate pause cannot be negative")
	}
	if c.SeriesBatch {
		if c.Resume {
			return fmt.Errorf("resume is not supported in series-batch mode")
		}
		if c.MaxBatchRecords <= 0 {
			return fmt.Errorf("max batch records must be positive")
		}
		if c.MaxBatchSeries <= 0 {
			return fmt.Errorf("max batch series must be positive")
		}
		if c.BatchDiscrepancyAbs < 0 {
			return fmt.Errorf("batch discrepancy threshold cannot be negative")
		}
		if c.BatchDiscrepancyPct < 0 {
			return fmt.Errorf("batch discrepancy percentage cannot be negative")
		}
	}
	if c.SeriesFrom < 0 || c.SeriesTo < 0 {
		return fmt.Errorf("series range bounds cannot be negative")
	}
	if c.SeriesFrom > 0 && c.SeriesTo > 0 && c.SeriesFrom > c.SeriesTo {
		return fmt.Errorf("series range start (%d) cannot exceed end (%d)", c.SeriesFrom, c.SeriesTo)
	}
	if c.UserAgent == "" {
		return fmt.Errorf("user agent cannot be empty")
	}
	return nil
}

// SeriesRangeRestricted reports whether a series-range filter applies.
func (c *Config) SeriesRangeRestricted() bool {
	return c.SeriesFrom > 0 || c.SeriesTo > 0
}

// EnvString reads a string environment variable, reporting presence.
func EnvString(name string) (string, bool) {
	value, ok := os.LookupEnv(name)
	return value, ok
}

// EnvInt reads an integer environment variable, reporting presence and any
// parse failure.
func EnvInt(name string) (int, bool, error) {
	value, ok := os.LookupEnv(name)
	if !ok {
		return 0, false, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, false, fmt.Errorf("%s: %w", name, err)
	}
	return parsed, true, nil
}

// EnvBool reads a boolean environment variable, reporting presence and any
// parse failure.
func EnvBool(name string) (bool, bool, error) {
	value, ok := os.LookupEnv(name)
	if !ok {
		return false, false, nil
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return false, false, fmt.Errorf("%s: %w", name, err)
	}
	return parsed, true, nil
}
