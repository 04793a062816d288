// Package stats computes aggregate statistics over a harvested JSON array
// in one forward pass, with memory bounded by the number of distinct series
// and agencies rather than the number of records.
package stats

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
)

var zstdMagic = []byte{0x28, 0xB5, 0x2F, 0xFD}

// InputReader wraps an input stream with optional zstd decompression.
type InputReader struct {
	reader io.Reader
	file   *os.File
	zr     *zstd.Decoder
}

// OpenInput opens path (or stdin when path is empty) for aggregation.
// forceCompress skips detection; otherwise the stream is sniffed for the
// zstd magic number as a convenience at the collaborator boundary.
func OpenInput(path string, forceCompress bool) (*InputReader, error) {
	in := &InputReader{}
	var raw io.Reader
	if path == "" {
		raw = os.Stdin
	} else {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open input: %w", err)
		}
		in.file = f
		raw = f
	}

	buffered := bufio.NewReaderSize(raw, 1<<16)
	compressed := forceCompress
	if !compressed {
		head, err := buffered.Peek(len(zstdMagic))
		if err == nil && bytes.Equal(head, zstdMagic) {
			compressed = true
		}
	}

	if compressed {
		zr, err := zstd.NewReader(buffered)
		if err != nil {
			in.Close()
			return nil, fmt.Errorf("init zstd reader: %w", err)
		}
		in.zr = zr
		in.reader = zr
	} else {
		in.reader = buffered
	}
	return in, nil
}

// Read implements io.Reader.
func (in *InputReader) Read(p []byte) (int, error) {
	return in.reader.Read(p)
}

// Close releases the decoder and any underlying file.
func (in *InputReader) Close() error {
	if in.zr != nil {
		in.zr.Close()
	}
	if in.file != nil {
		return in.file.Close()
	}
	return nil
}
