package openai

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/go-go-golems/threadline/pkg/providers"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	go_openai "github.com/sashabaranov/go-openai"
)

const (
	DefaultOpenRouterBaseURL = "https://openrouter.ai/api/v1"
	DefaultOpenAIBaseURL     = "https://api.openai.com/v1"
)

// Provider talks to an OpenAI compatible chat completion endpoint
// (OpenAI itself, OpenRouter, or a local gateway).
type Provider struct {
	Name       string
	BaseURL    string
	HTTPClient *http.Client
}

var _ providers.TextProvider = &Provider{}

func NewProvider(name string, baseURL string) *Provider {
	return &Provider{Name: name, BaseURL: baseURL}
}

func MakeClient(apiKey string, baseURL string, httpClient *http.Client) *go_openai.Client {
	config := go_openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	if httpClient != nil {
		config.HTTPClient = httpClient
	}
	return go_openai.NewClientWithConfig(config)
}

// MakeMessages converts a provider history into chat completion messages.
// Image attachments become image parts, other files become links in a text part.
func MakeMessages(msgs []providers.Message) []go_openai.ChatCompletionMessage {
	ret := make([]go_openai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		if len(m.Attachments) == 0 {
			ret = append(ret, go_openai.ChatCompletionMessage{
				Role:    string(m.Role),
				Content: m.Content,
			})
			continue
		}

		parts := []go_openai.ChatMessagePart{}
		if m.Content != "" {
			parts = append(parts, go_openai.ChatMessagePart{
				Type: go_openai.ChatMessagePartTypeText,
				Text: m.Content,
			})
		}
		for _, a := range m.Attachments {
			if a.IsImage() {
				parts = append(parts, go_openai.ChatMessagePart{
					Type:     go_openai.ChatMessagePartTypeImageURL,
					ImageURL: &go_openai.ChatMessageImageURL{URL: a.URL, Detail: go_openai.ImageURLDetailAuto},
				})
				continue
			}
			name := a.Name
			if name == "" {
				name = a.StorageID
			}
			parts = append(parts, go_openai.ChatMessagePart{
				Type: go_openai.ChatMessagePartTypeText,
				Text: fmt.Sprintf("[attached file %s (%s)](%s)", name, a.ContentType, a.URL),
			})
		}
		ret = append(ret, go_openai.ChatCompletionMessage{
			Role:         string(m.Role),
			MultiContent: parts,
		})
	}
	return ret
}

func (p *Provider) Stream(ctx context.Context, req providers.Request) (providers.PartStream, error) {
	client := MakeClient(req.APIKey, p.BaseURL, p.HTTPClient)
	creq := go_openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: MakeMessages(req.Messages),
		Stream:   true,
		StreamOptions: &go_openai.StreamOptions{
			IncludeUsage: true,
		},
	}

	log.Debug().Str("provider", p.Name).Str("model", req.Model).Int("messages", len(creq.Messages)).Msg("starting chat completion stream")
	stream, err := client.CreateChatCompletionStream(ctx, creq)
	if err != nil {
		return nil, providers.NewProviderError(p.Name, err)
	}
	return &partStream{ctx: ctx, name: p.Name, stream: stream}, nil
}

type partStream struct {
	ctx     context.Context
	name    string
	stream  *go_openai.ChatCompletionStream
	pending []providers.Part
	usage   *providers.Usage
	finish  string
	done    bool
	chunks  int
}

func (s *partStream) Recv() (providers.Part, error) {
	for len(s.pending) == 0 {
		if s.done {
			return providers.Part{}, io.EOF
		}
		select {
		case <-s.ctx.Done():
			return providers.Part{}, s.ctx.Err()
		default:
		}

		response, err := s.stream.Recv()
		if errors.Is(err, io.EOF) {
			log.Debug().Str("provider", s.name).Int("chunks_received", s.chunks).Msg("chat completion stream completed")
			s.done = true
			s.pending = append(s.pending, providers.Part{
				Kind:         providers.PartFinish,
				Usage:        s.usage,
				FinishReason: s.finish,
			})
			break
		}
		if err != nil {
			if s.ctx.Err() != nil {
				return providers.Part{}, s.ctx.Err()
			}
			return providers.Part{}, providers.NewProviderError(s.name, err)
		}
		s.chunks++

		if response.Usage != nil {
			s.usage = &providers.Usage{
				PromptTokens:     response.Usage.PromptTokens,
				CompletionTokens: response.Usage.CompletionTokens,
				TotalTokens:      response.Usage.TotalTokens,
			}
		}
		if len(response.Choices) == 0 {
			continue
		}
		choice := response.Choices[0]
		if choice.FinishReason != "" {
			s.finish = string(choice.FinishReason)
		}
		if choice.Delta.ReasoningContent != "" {
			s.pending = append(s.pending, providers.Part{Kind: providers.PartReasoning, Text: choice.Delta.ReasoningContent})
		}
		if choice.Delta.Content != "" {
			s.pending = append(s.pending, providers.Part{Kind: providers.PartText, Text: choice.Delta.Content})
		}
	}

	p := s.pending[0]
	s.pending = s.pending[1:]
	return p, nil
}

func (s *partStream) Close() error {
	return s.stream.Close()
}
