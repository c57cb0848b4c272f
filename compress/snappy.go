package compress

import (
	"fmt"

	"github.com/golang/snappy"
)

// Snappy is the "snappy" compressor (block format).
type Snappy struct{}

func (Snappy) Name() string {
	return "snappy"
}

func (Snappy) Compress(p []byte) ([]byte, error) {
	return snappy.Encode(nil, p), nil
}

func (Snappy) Decompress(p []byte, max int) ([]byte, error) {
	// The block header announces the decoded length, reject early.
	n, err := snappy.DecodedLen(p)
	if err != nil {
		return nil, fmt.Errorf("snappy: %w", err)
	}
	if n > max {
		return nil, ErrTooLarge
	}
	out, err := snappy.Decode(nil, p)
	if err != nil {
		return nil, fmt.Errorf("snappy: %w", err)
	}
	return out, nil
}
