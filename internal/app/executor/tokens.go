package executor

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// tokenEstimator sizes a prompt in tokens; finalize uses the estimate as the
// run's input-token count when the agent reported no usage of its own.
type tokenEstimator struct {
	once sync.Once
	enc  *tiktoken.Tiktoken
	err  error
}

var sharedEstimator tokenEstimator

func (e *tokenEstimator) encoding() (*tiktoken.Tiktoken, error) {
	e.once.Do(func() {
		e.enc, e.err = tiktoken.GetEncoding("cl100k_base")
	})
	return e.enc, e.err
}

// EstimateTokens returns a best-effort token count for text, or a
// conservative length/4 heuristic if the encoder fails to load.
func EstimateTokens(text string) int {
	enc, err := sharedEstimator.encoding()
	if err != nil || enc == nil {
		return len(text) / 4
	}
	return len(enc.Encode(text, nil, nil))
}
