package contextmgr

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"
)

// DefaultEncoding is the BPE encoding used when none is configured.
const DefaultEncoding = "cl100k_base"

// CalibrateCharsPerToken tokenizes samples with a tiktoken encoding and
// returns the observed chars-per-token ratio. The encoding's ranks may be
// fetched and cached on first use; on failure DefaultCharsPerToken is
// returned with the error.
func CalibrateCharsPerToken(encoding string, samples []string) (float64, error) {
	if encoding == "" {
		encoding = DefaultEncoding
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return DefaultCharsPerToken, fmt.Errorf("load encoding %s: %w", encoding, err)
	}
	return CalibrateWith(enc, samples), nil
}
