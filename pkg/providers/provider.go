package providers

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Attachment is a file handed to a model by URL.
type Attachment struct {
	StorageID   string `json:"storageId,omitempty"`
	URL         string `json:"url"`
	Name        string `json:"name,omitempty"`
	ContentType string `json:"contentType,omitempty"`
}

func (a Attachment) IsImage() bool {
	return strings.HasPrefix(a.ContentType, "image/")
}

type Message struct {
	Role        Role         `json:"role"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

type Request struct {
	Model    string
	Messages []Message
	APIKey   string
}

type PartKind string

const (
	PartText      PartKind = "text"
	PartReasoning PartKind = "reasoning"
	PartFinish    PartKind = "finish"
)

type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

type GroundingChunk struct {
	URI   string `json:"uri"`
	Title string `json:"title"`
}

// GroundingSupport ties a span of the answer to the chunks backing it.
// ConfidenceScores is parallel to ChunkIndices.
type GroundingSupport struct {
	Text             string    `json:"text"`
	StartIndex       *int      `json:"startIndex,omitempty"`
	EndIndex         *int      `json:"endIndex,omitempty"`
	ChunkIndices     []int     `json:"chunkIndices"`
	ConfidenceScores []float64 `json:"confidenceScores"`
}

type Grounding struct {
	WebSearchQueries []string           `json:"webSearchQueries"`
	Chunks           []GroundingChunk   `json:"chunks"`
	Supports         []GroundingSupport `json:"supports"`
}

// Part is one element of a provider stream. Finish parts carry the
// metadata known at the end of the generation.
type Part struct {
	Kind         PartKind
	Text         string
	Usage        *Usage
	Grounding    *Grounding
	FinishReason string
}

// PartStream yields parts until Recv returns io.EOF.
type PartStream interface {
	Recv() (Part, error)
	Close() error
}

type TextProvider interface {
	Stream(ctx context.Context, req Request) (PartStream, error)
}

type ImageRequest struct {
	Model  string
	Prompt string
	APIKey string
}

type Image struct {
	Data        []byte
	ContentType string
}

type ImageProvider interface {
	Generate(ctx context.Context, req ImageRequest) (*Image, error)
}

var ErrProviderFailure = errors.New("provider failure")

// ProviderError wraps a failure reported by a model backend.
type ProviderError struct {
	Provider string
	Err      error
}

func (e *ProviderError) Error() string {
	if e == nil || e.Err == nil {
		return ErrProviderFailure.Error()
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Err.Error())
}

func (e *ProviderError) Unwrap() error { return e.Err }

func (e *ProviderError) Is(target error) bool { return target == ErrProviderFailure }

func NewProviderError(provider string, err error) error {
	if err == nil {
		return nil
	}
	return &ProviderError{Provider: provider, Err: err}
}
