// Package tokens estimates token counts when a provider does not report usage.
package tokens

import (
	"sync"

	"github.com/go-go-golems/threadline/pkg/providers"
	"github.com/pkg/errors"
	"github.com/tiktoken-go/tokenizer"
)

var (
	codec     tokenizer.Codec
	codecOnce sync.Once
	codecErr  error
)

// cl100k_base is close enough for usage estimates on every model we route to.
func getCodec() (tokenizer.Codec, error) {
	codecOnce.Do(func() {
		codec, codecErr = tokenizer.Get(tokenizer.Cl100kBase)
	})
	return codec, codecErr
}

// CodecFor returns the codec of a known OpenAI model, falling back to the
// encoding name and finally to cl100k_base.
func CodecFor(model string, encoding string) (tokenizer.Codec, error) {
	if model != "" {
		if c, err := tokenizer.ForModel(tokenizer.Model(model)); err == nil {
			return c, nil
		}
	}
	if encoding != "" {
		c, err := tokenizer.Get(tokenizer.Encoding(encoding))
		if err != nil {
			return nil, errors.Wrapf(err, "unknown encoding %s", encoding)
		}
		return c, nil
	}
	return getCodec()
}

func Count(text string) (int, error) {
	if text == "" {
		return 0, nil
	}
	c, err := getCodec()
	if err != nil {
		return 0, errors.Wrap(err, "load tokenizer")
	}
	ids, _, err := c.Encode(text)
	if err != nil {
		return 0, errors.Wrap(err, "encode")
	}
	return len(ids), nil
}

// CountSimple returns Count, or 0 on error.
func CountSimple(text string) int {
	n, err := Count(text)
	if err != nil {
		return 0
	}
	return n
}

const (
	tokensPerMessage = 3
	replyPriming     = 3
)

// CountMessages estimates the prompt size of a chat history, using the
// per-message framing overhead of the OpenAI chat format.
func CountMessages(msgs []providers.Message) int {
	if len(msgs) == 0 {
		return 0
	}
	total := replyPriming
	for _, m := range msgs {
		total += tokensPerMessage + CountSimple(string(m.Role)) + CountSimple(m.Content)
	}
	return total
}
