package harvest

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/mwalker/prov-api-harvester/config"
	"github.com/mwalker/prov-api-harvester/models"
	"github.com/mwalker/prov-api-harvester/provapi"
)

type engineState int

const (
	stateInit engineState = iota
	stateResuming
	statePaginating
	stateFinalizing
	stateComplete
)

// Engine orchestrates the client, rate governor, artifact writer, and
// progress store across one full pagination sequence. It owns the output
// file and its checkpoint exclusively for the duration of a harvest.
type Engine struct {
	cfg      *config.Config
	client   *provapi.Client
	governor *provapi.RateGovernor
	metrics  *provapi.Metrics
	state    engineState
}

// NewEngine builds an engine from its collaborators.
func NewEngine(cfg *config.Config, client *provapi.Client, governor *provapi.RateGovernor, m *provapi.Metrics) *Engine {
	return &Engine{
		cfg:      cfg,
		client:   client,
		governor: governor,
		metrics:  m,
		state:    stateInit,
	}
}

// Run executes a plain (single-query) harvest. Preconditions are checked
// before any network activity: an existing finalized artifact aborts with
// ErrAlreadyExists, and resuming without an in-progress artifact and its
// checkpoint aborts with ErrCannotResume. On any failure or cancellation the
// in-progress artifact and checkpoint are left as last durably written.
func (e *Engine) Run(ctx context.Context) (*models.HarvestResult, error) {
	result := &models.HarvestResult{
		StartTime:  time.Now(),
		OutputFile: e.cfg.OutputFile,
	}

	if _, err := os.Stat(e.cfg.OutputFile); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, e.cfg.OutputFile)
	}

	var (
		w        *ArtifactWriter
		progress models.HarvestProgress
		err      error
	)
	if e.cfg.Resume {
		e.state = stateResuming
		w, progress, err = e.resume()
		if err != nil {
			return nil, err
		}
		result.Resumed = true
	} else {
		w, err = NewArtifactWriter(e.cfg.OutputFile, e.cfg.Compress)
		if err != nil {
			return nil, err
		}
	}
	defer w.Close()

	knownTotal := -1
	if progress.NextOffset > 0 {
		knownTotal = progress.KnownTotal
	}
	cumulativeBytes := progress.CumulativeBytes
	checkpoint := func(offset, total int, pageBytes int64) error {
		cumulativeBytes += pageBytes
		return SaveProgress(w.PartialPath(), models.HarvestProgress{
			NextOffset:      offset,
			CumulativeBytes: cumulativeBytes,
			KnownTotal:      total,
		})
	}

	e.state = statePaginating
	if _, err := e.paginate(ctx, w, e.cfg.Query, progress.NextOffset, knownTotal, result, checkpoint); err != nil {
		return result, err
	}

	if err := e.finalize(w); err != nil {
		return result, err
	}
	result.EndTime = time.Now()
	return result, nil
}

func (e *Engine) resume() (*ArtifactWriter, models.HarvestProgress, error) {
	var progress models.HarvestProgress
	partial := e.cfg.OutputFile + PartialSuffix
	if _, err := os.Stat(partial); err != nil {
		return nil, progress, fmt.Errorf("%w: %s", ErrCannotResume, partial)
	}
	progress, err := LoadProgress(partial)
	if err != nil {
		if err == ErrNoProgress {
			return nil, progress, fmt.Errorf("%w: %s has no checkpoint", ErrCannotResume, partial)
		}
		return nil, progress, err
	}

	if e.cfg.VerifyResume {
		count, err := CountPartialRecords(partial, e.cfg.Compress)
		if err != nil {
			return nil, progress, fmt.Errorf("verify resume: %w", err)
		}
		if count != progress.NextOffset {
			return nil, progress, fmt.Errorf("%w: checkpoint records %d but artifact holds %d",
				ErrCannotResume, progress.NextOffset, count)
		}
	}

	w, err := OpenArtifactWriter(e.cfg.OutputFile, e.cfg.Compress, progress.NextOffset)
	if err != nil {
		return nil, progress, err
	}
	slog.Info("resuming harvest",
		slog.Int("offset", progress.NextOffset),
		slog.Int("known_total", progress.KnownTotal),
		slog.Int64("bytes", progress.CumulativeBytes),
	)
	return w, progress, nil
}

func (e *Engine) finalize(w *ArtifactWriter) error {
	e.state = stateFinalizing
	if err := w.Finalize(); err != nil {
		return err
	}
	if err := ClearProgress(w.PartialPath()); err != nil {
		return err
	}
	e.state = stateComplete
	return nil
}

// paginate runs the full pagination sequence for one query, appending every
// returned record to w. The offset advances by the number of records the
// server actually returned, and the total is re-read from every response so
// it self-corrects if the upstream figure changes mid-harvest. knownTotal < 0
// means the total is not yet known. Returns the number of records fetched by
// this call.
func (e *Engine) paginate(ctx context.Context, w *ArtifactWriter, query string, startOffset, knownTotal int, result *models.HarvestResult, checkpoint func(offset, total int, pageBytes int64) error) (int, error) {
	offset := startOffset
	total := knownTotal
	fetched := 0

	for total < 0 || offset < total {
		if err := ctx.Err(); err != nil {
			return fetched, err
		}

		req := provapi.SearchRequest{
			Query: query,
			Rows:  e.cfg.Rows,
			Start: offset,
			Sort:  e.cfg.Sort,
		}
		fetchStart := time.Now()
		resp, headers, size, err := e.client.Fetch(ctx, req.URL(e.cfg.BaseURL))
		if err != nil {
			return fetched, err
		}

		docs := resp.Response.Docs
		total = resp.Response.NumFound

		for _, doc := range docs {
			if err := w.WriteRecord(doc); err != nil {
				return fetched, err
			}
		}
		if err := w.Flush(); err != nil {
			return fetched, err
		}

		offset += len(docs)
		fetched += len(docs)
		result.Pages++
		result.Records += len(docs)
		result.Bytes += size
		result.KnownTotal = total
		e.metrics.AddDocuments(len(docs))

		if err := checkpoint(offset, total, size); err != nil {
			return fetched, err
		}

		slog.Info("fetched page",
			slog.Int("documents", len(docs)),
			slog.Duration("took", time.Since(fetchStart)),
			slog.Int("offset", offset),
			slog.Int("total", total),
			slog.Int64("page_bytes", size),
		)

		if len(docs) == 0 && offset < total {
			// An empty page below the reported total would loop forever.
			slog.Warn("empty page before reported total, stopping pagination",
				slog.Int("offset", offset),
				slog.Int("total", total),
			)
			break
		}

		if offset < total {
			if err := e.governor.Throttle(ctx, headers); err != nil {
				return fetched, err
			}
		}
	}
	return fetched, nil
}
