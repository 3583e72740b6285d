package memory

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Estimator converts text to an estimated token count. Implementations
// must be monotonic in text length so the budgeter stays deterministic.
type Estimator interface {
	Estimate(text string) int
}

// HeuristicEstimator is the default coarse strategy: len/4 + 1.
type HeuristicEstimator struct{}

func (HeuristicEstimator) Estimate(text string) int {
	return len(text)/4 + 1
}

// TiktokenEstimator counts tokens with the model's real encoding,
// falling back to cl100k_base for unknown models.
type TiktokenEstimator struct {
	encoding *tiktoken.Tiktoken
	mu       sync.Mutex
}

var (
	encodingCache   = make(map[string]*tiktoken.Tiktoken)
	encodingCacheMu sync.Mutex
)

func NewTiktokenEstimator(model string) (*TiktokenEstimator, error) {
	encodingCacheMu.Lock()
	cached, ok := encodingCache[model]
	encodingCacheMu.Unlock()
	if ok {
		return &TiktokenEstimator{encoding: cached}, nil
	}

	encoding, err := tiktoken.EncodingForModel(model)
	if err != nil {
		encoding, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("failed to get encoding: %w", err)
		}
	}

	encodingCacheMu.Lock()
	encodingCache[model] = encoding
	encodingCacheMu.Unlock()

	return &TiktokenEstimator{encoding: encoding}, nil
}

func (e *TiktokenEstimator) Estimate(text string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.encoding.Encode(text, nil, nil))
}
