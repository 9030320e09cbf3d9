package ollama

import (
	"context"
	"io"
	"strings"

	"github.com/go-go-golems/threadline/pkg/providers"
	"github.com/jmorganca/ollama/api"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// ModelPrefix routes models such as "ollama/llama3" to a local ollama server.
const ModelPrefix = "ollama/"

// Provider streams chat completions from an ollama server. The server
// address comes from OLLAMA_HOST.
type Provider struct {
	client *api.Client
}

var _ providers.TextProvider = &Provider{}

func NewProvider() (*Provider, error) {
	client, err := api.ClientFromEnvironment()
	if err != nil {
		return nil, errors.Wrap(err, "create ollama client")
	}
	return &Provider{client: client}, nil
}

func makeMessages(msgs []providers.Message) []api.Message {
	ret := make([]api.Message, 0, len(msgs))
	for _, m := range msgs {
		text := m.Content
		for _, a := range m.Attachments {
			text += "\n[attached file " + a.Name + "](" + a.URL + ")"
		}
		ret = append(ret, api.Message{
			Role:    string(m.Role),
			Content: text,
		})
	}
	return ret
}

type result struct {
	part providers.Part
	err  error
}

func (p *Provider) Stream(ctx context.Context, req providers.Request) (providers.PartStream, error) {
	stream := true
	chatReq := &api.ChatRequest{
		Model:    strings.TrimPrefix(req.Model, ModelPrefix),
		Messages: makeMessages(req.Messages),
		Stream:   &stream,
	}

	cancellableCtx, cancel := context.WithCancel(ctx)
	c := make(chan result)
	go func() {
		defer close(c)
		send := func(r result) bool {
			select {
			case c <- r:
				return true
			case <-cancellableCtx.Done():
				return false
			}
		}

		err := p.client.Chat(cancellableCtx, chatReq, func(resp api.ChatResponse) error {
			if resp.Done {
				usage := &providers.Usage{
					PromptTokens:     resp.PromptEvalCount,
					CompletionTokens: resp.EvalCount,
					TotalTokens:      resp.PromptEvalCount + resp.EvalCount,
				}
				send(result{part: providers.Part{Kind: providers.PartFinish, Usage: usage, FinishReason: "stop"}})
				return nil
			}
			if resp.Message.Content == "" {
				return nil
			}
			if !send(result{part: providers.Part{Kind: providers.PartText, Text: resp.Message.Content}}) {
				return cancellableCtx.Err()
			}
			return nil
		})
		if err != nil && cancellableCtx.Err() == nil {
			log.Debug().Err(err).Str("model", chatReq.Model).Msg("ollama chat failed")
			send(result{err: providers.NewProviderError("ollama", err)})
		}
	}()

	return &partStream{ctx: ctx, c: c, cancel: cancel}, nil
}

type partStream struct {
	ctx    context.Context
	c      chan result
	cancel context.CancelFunc
}

func (s *partStream) Recv() (providers.Part, error) {
	select {
	case <-s.ctx.Done():
		return providers.Part{}, s.ctx.Err()
	case r, ok := <-s.c:
		if !ok {
			return providers.Part{}, io.EOF
		}
		return r.part, r.err
	}
}

func (s *partStream) Close() error {
	s.cancel()
	return nil
}
