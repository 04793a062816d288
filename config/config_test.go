package config

import (
	"strings"
	"testing"
	"time"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name: "empty base url",
			mutate: func(cfg *Config) {
				cfg.BaseURL = ""
			},
			wantErr: "base URL",
		},
		{
			name: "url without host",
			mutate: func(cfg *Config) {
				cfg.BaseURL = "http://"
			},
			wantErr: "base URL",
		},
		{
			name: "empty query",
			mutate: func(cfg *Config) {
				cfg.Query = ""
			},
			wantErr: "query",
		},
		{
			name: "zero rows",
			mutate: func(cfg *Config) {
				cfg.Rows = 0
			},
			wantErr: "rows",
		},
		{
			name: "empty output file",
			mutate: func(cfg *Config) {
				cfg.OutputFile = ""
			},
			wantErr: "output file",
		},
		{
			name: "negative timeout",
			mutate: func(cfg *Config) {
				cfg.Timeout = -1 * time.Second
			},
			wantErr: "timeout",
		},
		{
			name: "zero max retries",
			mutate: func(cfg *Config) {
				cfg.MaxRetries = 0
			},
			wantErr: "max retries",
		},
		{
			name: "resume in series-batch mode",
			mutate: func(cfg *Config) {
				cfg.SeriesBatch = true
				cfg.Resume = true
			},
			wantErr: "resume is not supported",
		},
		{
			name: "zero batch record cap",
			mutate: func(cfg *Config) {
				cfg.SeriesBatch = true
				cfg.MaxBatchRecords = 0
			},
			wantErr: "max batch records",
		},
		{
			name: "zero batch series cap",
			mutate: func(cfg *Config) {
				cfg.SeriesBatch = true
				cfg.MaxBatchSeries = 0
			},
			wantErr: "max batch series",
		},
		{
			name: "inverted series range",
			mutate: func(cfg *Config) {
				cfg.SeriesFrom = 100
				cfg.SeriesTo = 10
			},
			wantErr: "series range",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("Validate() = nil, want error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() = %q, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestDefaultConfigIsValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestSeriesRangeRestricted(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.SeriesRangeRestricted() {
		t.Fatalf("default config should be unrestricted")
	}
	cfg.SeriesFrom = 5
	if !cfg.SeriesRangeRestricted() {
		t.Fatalf("series-from should restrict the range")
	}
	cfg = DefaultConfig()
	cfg.SeriesTo = 10
	if !cfg.SeriesRangeRestricted() {
		t.Fatalf("series-to should restrict the range")
	}
}

func TestEnvHelpers(t *testing.T) {
	t.Setenv("HARVESTER_TEST_INT", "42")
	value, ok, err := EnvInt("HARVESTER_TEST_INT")
	if err != nil || !ok || value != 42 {
		t.Fatalf("EnvInt = (%d, %v, %v), want (42, true, nil)", value, ok, err)
	}

	t.Setenv("HARVESTER_TEST_INT", "nope")
	if _, _, err := EnvInt("HARVESTER_TEST_INT"); err == nil {
		t.Fatalf("EnvInt should fail on non-numeric value")
	}

	if _, ok, err := EnvInt("HARVESTER_TEST_MISSING"); ok || err != nil {
		t.Fatalf("EnvInt on missing var = (ok=%v, err=%v), want (false, nil)", ok, err)
	}

	t.Setenv("HARVESTER_TEST_BOOL", "true")
	b, ok, err := EnvBool("HARVESTER_TEST_BOOL")
	if err != nil || !ok || !b {
		t.Fatalf("EnvBool = (%v, %v, %v), want (true, true, nil)", b, ok, err)
	}
}
