// Package harvest implements the resumable streaming harvest engine: the
// JSON-array output artifact, its checkpoint sidecar, the pagination state
// machine, and the series-batch planner.
package harvest

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"github.com/mwalker/prov-api-harvester/models"
)

// PartialSuffix marks an in-progress artifact. While the file carries this
// suffix it is intentionally invalid JSON: the closing bracket is only
// written during finalize, immediately before the atomic rename.
const PartialSuffix = ".partial"

// ErrAlreadyExists is returned when the final output name is already
// present; harvesting never overwrites a finalized artifact.
var ErrAlreadyExists = errors.New("output file already exists")

// ErrCannotResume is returned when resuming is requested but no in-progress
// artifact (or no checkpoint for it) exists.
var ErrCannotResume = errors.New("cannot resume: no in-progress artifact")

// ErrFinalized is returned by writes after Finalize has completed.
var ErrFinalized = errors.New("artifact already finalized")

// ArtifactWriter streams records into an in-progress JSON-array artifact,
// optionally zstd-compressed. Records are comma-newline separated; the
// opening bracket is written at creation and the closing bracket only by
// Finalize.
type ArtifactWriter struct {
	finalPath   string
	partialPath string
	compress    bool

	file *os.File
	zw   *zstd.Encoder
	buf  *bufio.Writer
	out  io.Writer

	records   int
	bytes     int64
	first     bool
	finalized bool
}

// NewArtifactWriter creates a fresh in-progress artifact for finalPath,
// truncating any previous partial, and writes the opening bracket.
func NewArtifactWriter(finalPath string, compress bool) (*ArtifactWriter, error) {
	if err := ensureDir(finalPath); err != nil {
		return nil, err
	}
	partial := finalPath + PartialSuffix
	f, err := os.Create(partial)
	if err != nil {
		return nil, fmt.Errorf("create artifact: %w", err)
	}
	w, err := newWriter(finalPath, partial, f, compress)
	if err != nil {
		f.Close()
		return nil, err
	}
	w.first = true
	if _, err := w.out.Write([]byte("[")); err != nil {
		w.closeHandles()
		return nil, fmt.Errorf("write opening bracket: %w", err)
	}
	return w, nil
}

// OpenArtifactWriter reopens an existing in-progress artifact for appending.
// recordsWritten is the checkpointed record count, used to restore the
// separator state. Returns ErrCannotResume when the partial is absent.
func OpenArtifactWriter(finalPath string, compress bool, recordsWritten int) (*ArtifactWriter, error) {
	partial := finalPath + PartialSuffix
	f, err := os.OpenFile(partial, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrCannotResume, partial)
		}
		return nil, fmt.Errorf("open artifact: %w", err)
	}
	w, err := newWriter(finalPath, partial, f, compress)
	if err != nil {
		f.Close()
		return nil, err
	}
	w.records = recordsWritten
	w.first = recordsWritten == 0
	return w, nil
}

func newWriter(finalPath, partialPath string, f *os.File, compress bool) (*ArtifactWriter, error) {
	w := &ArtifactWriter{
		finalPath:   finalPath,
		partialPath: partialPath,
		compress:    compress,
		file:        f,
	}
	if compress {
		// Appending after a resume starts a new zstd frame; decoders
		// handle concatenated frames transparently.
		zw, err := zstd.NewWriter(f)
		if err != nil {
			return nil, fmt.Errorf("init zstd writer: %w", err)
		}
		w.zw = zw
		w.out = zw
	} else {
		w.buf = bufio.NewWriter(f)
		w.out = w.buf
	}
	return w, nil
}

// WriteRecord appends one record's JSON serialization, preceded by a
// comma-newline separator unless it is the first record ever written to
// this artifact.
func (w *ArtifactWriter) WriteRecord(rec models.Record) error {
	if w.finalized {
		return ErrFinalized
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	if !w.first {
		if _, err := w.out.Write([]byte(",\n")); err != nil {
			return fmt.Errorf("write separator: %w", err)
		}
	}
	w.first = false
	if _, err := w.out.Write(data); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	w.records++
	return nil
}

// Flush pushes buffered data through to the file and syncs it. A checkpoint
// must only be saved after Flush returns nil.
func (w *ArtifactWriter) Flush() error {
	if w.zw != nil {
		if err := w.zw.Flush(); err != nil {
			return fmt.Errorf("flush zstd writer: %w", err)
		}
	} else if err := w.buf.Flush(); err != nil {
		return fmt.Errorf("flush artifact: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("sync artifact: %w", err)
	}
	return nil
}

// Finalize writes the closing bracket, flushes and closes the artifact, and
// atomically renames it to its final name. A finalized writer accepts no
// further writes; calling Finalize twice returns ErrFinalized.
func (w *ArtifactWriter) Finalize() error {
	if w.finalized {
		return ErrFinalized
	}
	if _, err := w.out.Write([]byte("]")); err != nil {
		return fmt.Errorf("write closing bracket: %w", err)
	}
	if err := w.closeHandles(); err != nil {
		return err
	}
	if err := os.Rename(w.partialPath, w.finalPath); err != nil {
		return fmt.Errorf("finalize artifact: %w", err)
	}
	w.finalized = true
	return nil
}

// Close releases the file handles without finalizing, leaving the partial
// artifact on disk exactly as last flushed. Safe after Finalize.
func (w *ArtifactWriter) Close() error {
	if w.finalized {
		return nil
	}
	return w.closeHandles()
}

func (w *ArtifactWriter) closeHandles() error {
	var errs []error
	if w.zw != nil {
		if err := w.zw.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close zstd writer: %w", err))
		}
		w.zw = nil
	} else if w.buf != nil {
		if err := w.buf.Flush(); err != nil {
			errs = append(errs, fmt.Errorf("flush artifact: %w", err))
		}
	}
	if w.file != nil {
		if err := w.file.Sync(); err != nil {
			errs = append(errs, fmt.Errorf("sync artifact: %w", err))
		}
		if err := w.file.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close artifact: %w", err))
		}
		w.file = nil
	}
	return errors.Join(errs...)
}

// Records returns the number of records written, including any restored
// from a checkpoint on resume.
func (w *ArtifactWriter) Records() int {
	return w.records
}

// PartialPath returns the in-progress artifact path.
func (w *ArtifactWriter) PartialPath() string {
	return w.partialPath
}

// FinalPath returns the finalized artifact path.
func (w *ArtifactWriter) FinalPath() string {
	return w.finalPath
}

func ensureDir(filename string) error {
	dir := filepath.Dir(filename)
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory %q: %w", dir, err)
	}
	return nil
}
