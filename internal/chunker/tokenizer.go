package chunker

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"
)

// Tokenizer counts tokens for the chunk budget.
type Tokenizer interface {
	Count(text string) int
	Name() string
}

// NewTokenizer returns the tokenizer registered under name ("tiktoken" or "words").
func NewTokenizer(name string) (Tokenizer, error) {
	switch strings.ToLower(name) {
	case "", "tiktoken":
		return NewTiktokenTokenizer("cl100k_base")
	case "words":
		return WordTokenizer{}, nil
	default:
		return nil, fmt.Errorf("unknown tokenizer %q", name)
	}
}

var loaderOnce sync.Once

// TiktokenTokenizer counts BPE tokens. The BPE ranks are embedded in the
// binary, so no download happens at runtime.
type TiktokenTokenizer struct {
	enc      *tiktoken.Tiktoken
	encoding string
}

// NewTiktokenTokenizer loads the named encoding.
func NewTiktokenTokenizer(encoding string) (*TiktokenTokenizer, error) {
	loaderOnce.Do(func() {
		tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
	})
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("failed to load encoding %s: %w", encoding, err)
	}
	return &TiktokenTokenizer{enc: enc, encoding: encoding}, nil
}

// Count implements Tokenizer.
func (t *TiktokenTokenizer) Count(text string) int {
	if text == "" {
		return 0
	}
	return len(t.enc.Encode(text, nil, nil))
}

// Name implements Tokenizer.
func (t *TiktokenTokenizer) Name() string {
	return "tiktoken:" + t.encoding
}

// WordTokenizer counts whitespace separated words. Cheap and deterministic.
type WordTokenizer struct{}

// Count implements Tokenizer.
func (WordTokenizer) Count(text string) int {
	return len(strings.Fields(text))
}

// Name implements Tokenizer.
func (WordTokenizer) Name() string {
	return "words"
}
