package table

import (
	"bytes"
	"fmt"
	"io"

	"github.com/bits-and-blooms/bloom/v3"
)

// encodeFilter serializes a bloom.BloomFilter to its on-disk bytes. The
// filter's own WriteTo already self-describes its bit array and hash
// count, so the SST footer only needs the resulting blob plus its trailing
// offset (see Builder.Build / Open).
func encodeFilter(f *bloom.BloomFilter) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("table: filter: write: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeFilter(data []byte) (*bloom.BloomFilter, error) {
	f := &bloom.BloomFilter{}
	if _, err := f.ReadFrom(bytes.NewReader(data)); err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("table: filter: truncated filter bytes")
		}
		return nil, fmt.Errorf("table: filter: read: %w", err)
	}
	return f, nil
}
