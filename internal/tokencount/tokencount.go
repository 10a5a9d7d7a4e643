// Package tokencount estimates input token counts for routing decisions.
//
// The estimate feeds the context guardrail and context_ratio feature; it does
// not need to match any provider's tokenizer exactly, it needs to be fast and
// monotone in text length. The cl100k_base encoding is used when its vocab is
// available, with a chars/4 estimate as the fallback.
package tokencount

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// charsPerToken is the fallback density. Four characters per token is the
// standard rough estimate for English prose and code.
const charsPerToken = 4

// Counter estimates token counts. The zero value is not usable; call New.
type Counter struct {
	once sync.Once
	enc  *tiktoken.Tiktoken
}

// New returns a Counter. Encoder initialization is deferred to the first
// Count call so construction never blocks on the vocab download.
func New() *Counter {
	return &Counter{}
}

// Count returns an estimated token count for text. Never returns an error:
// when the encoder is unavailable the chars/4 estimate is used.
func (c *Counter) Count(text string) int {
	c.once.Do(func() {
		// GetEncoding fetches the vocab on first use; an offline process
		// falls through to the estimate.
		if enc, err := tiktoken.GetEncoding(tiktoken.MODEL_CL100K_BASE); err == nil {
			c.enc = enc
		}
	})
	if c.enc != nil {
		return len(c.enc.Encode(text, nil, nil))
	}
	return Estimate(text)
}

// Estimate is the tokenizer-free chars/4 approximation.
func Estimate(text string) int {
	if len(text) == 0 {
		return 0
	}
	n := len(text) / charsPerToken
	if n == 0 {
		n = 1
	}
	return n
}

// Ratio returns count/maxContext clamped to [0, 1]. A non-positive
// maxContext yields 0 rather than a division error.
func Ratio(count, maxContext int) float64 {
	if maxContext <= 0 || count <= 0 {
		return 0
	}
	r := float64(count) / float64(maxContext)
	if r > 1 {
		return 1
	}
	return r
}
