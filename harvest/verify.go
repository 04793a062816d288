package harvest

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
)

// CountPartialRecords replays an in-progress artifact and counts the
// complete records it holds. The partial is intentionally missing its
// closing bracket, so decoding simply stops at end of input. Used to verify
// a checkpoint against the data it describes before resuming.
func CountPartialRecords(partialPath string, compressed bool) (int, error) {
	f, err := os.Open(partialPath)
	if err != nil {
		return 0, fmt.Errorf("open artifact: %w", err)
	}
	defer f.Close()

	var r io.Reader = f
	if compressed {
		zr, err := zstd.NewReader(f)
		if err != nil {
			return 0, fmt.Errorf("init zstd reader: %w", err)
		}
		defer zr.Close()
		r = zr
	}

	dec := json.NewDecoder(r)
	tok, err := dec.Token()
	if err != nil {
		if err == io.EOF {
			return 0, fmt.Errorf("artifact is empty")
		}
		return 0, fmt.Errorf("read artifact: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '[' {
		return 0, fmt.Errorf("artifact does not start with a JSON array")
	}

	count := 0
	for dec.More() {
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			if err == io.ErrUnexpectedEOF || err == io.EOF {
				break
			}
			return count, fmt.Errorf("decode record %d: %w", count, err)
		}
		count++
	}
	return count, nil
}
