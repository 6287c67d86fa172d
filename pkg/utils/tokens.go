package utils

import (
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

// TokenCounter provides token counting for budget accounting and memory bounds.
// All supported models are approximated with the GPT-4 encoding; Claude models
// tokenize similarly enough for budget purposes.
type TokenCounter struct {
	codec tokenizer.Codec
}

// NewTokenCounter creates a token counter. The codec is shared and safe for
// concurrent use.
func NewTokenCounter() (*TokenCounter, error) {
	codec, err := tokenizer.ForModel(tokenizer.GPT4)
	if err != nil {
		return nil, err
	}
	return &TokenCounter{codec: codec}, nil
}

// CountTokens returns the number of tokens in the given text.
// Falls back to a character-based estimate (4 chars ≈ 1 token) when the
// codec is unavailable or errors.
func (tc *TokenCounter) CountTokens(text string) int {
	if tc == nil || tc.codec == nil {
		return len(text) / 4
	}
	count, err := tc.codec.Count(text)
	if err != nil {
		return len(text) / 4
	}
	return count
}

var (
	sharedCounter *TokenCounter
	counterOnce   sync.Once
)

// CountTokensSimple counts tokens without requiring a TokenCounter instance.
func CountTokensSimple(text string) int {
	counterOnce.Do(func() {
		sharedCounter, _ = NewTokenCounter()
	})
	return sharedCounter.CountTokens(text)
}
