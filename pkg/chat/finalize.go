package chat

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/threadline/pkg/chatstore"
	"github.com/go-go-golems/threadline/pkg/providers"
	"github.com/go-go-golems/threadline/pkg/streams"
	"github.com/go-go-golems/threadline/pkg/tokens"
)

// Completion is what a generation produced once its provider is done.
type Completion struct {
	StreamID  string
	Model     string
	Answer    string
	Reasoning string
	// Usage is nil when the provider did not report any.
	Usage *providers.Usage
	// PromptTokens is the estimate used when Usage is nil.
	PromptTokens int
	StartedAt    time.Time
	FinishedAt   time.Time
	Grounding    *providers.Grounding
	IsSearching  bool
	Attachments  []chatstore.AttachmentRef
}

// Finalizer turns a finished stream into the assistant message.
type Finalizer struct {
	store   chatstore.Store
	streams *streams.Service
}

func NewFinalizer(store chatstore.Store, streamService *streams.Service) *Finalizer {
	return &Finalizer{store: store, streams: streamService}
}

// Finalize writes the assistant message and closes the user message's open
// stream in one step, then marks the buffer done. It returns false when the
// stream had already been closed by a stop, in which case nothing is written.
// On error the buffer is left as is for the caller to fail.
func (f *Finalizer) Finalize(ctx context.Context, c Completion) (bool, error) {
	user, err := f.store.GetMessageByStream(ctx, c.StreamID)
	if err != nil {
		if errors.Is(err, chatstore.ErrMessageNotFound) {
			log.Debug().Str("stream_id", c.StreamID).Msg("stream already closed, dropping completion")
			f.finish(ctx, c.StreamID)
			return false, nil
		}
		return false, err
	}

	queries, results := FlattenGrounding(c.Grounding)
	assistant := &chatstore.Message{
		ID:            uuid.NewString(),
		ThreadID:      user.ThreadID,
		Role:          chatstore.RoleAssistant,
		Content:       c.Answer,
		Reasoning:     c.Reasoning,
		Owner:         user.Owner,
		Model:         c.Model,
		IsSearching:   c.IsSearching,
		SearchQueries: queries,
		Attachments:   c.Attachments,
		Usage:         ComputeUsage(c),
		CreatedAt:     c.FinishedAt.UTC(),
	}
	won, err := f.store.CompleteStream(ctx, chatstore.Completion{
		UserMessageID: user.ID,
		StreamID:      c.StreamID,
		Assistant:     assistant,
		Results:       results,
	})
	if err != nil {
		return false, err
	}
	if !won {
		log.Debug().Str("stream_id", c.StreamID).Msg("stream closed concurrently, dropping completion")
		f.finish(ctx, c.StreamID)
		return false, nil
	}
	f.finish(ctx, c.StreamID)
	log.Debug().
		Str("stream_id", c.StreamID).
		Str("message_id", assistant.ID).
		Int("completion_tokens", assistant.Usage.CompletionTokens).
		Float64("duration_seconds", assistant.Usage.DurationSeconds).
		Int("search_results", len(results)).
		Msg("generation finalized")
	return true, nil
}

func (f *Finalizer) finish(ctx context.Context, streamID string) {
	if err := f.streams.Finish(ctx, streamID); err != nil && !errors.Is(err, streams.ErrStreamNotFound) {
		log.Warn().Err(err).Str("stream_id", streamID).Msg("could not finish stream")
	}
}

// ComputeUsage derives the recorded metrics of a completion, estimating
// token counts when the provider reported none.
func ComputeUsage(c Completion) *chatstore.Usage {
	u := &chatstore.Usage{}
	if c.Usage != nil {
		u.PromptTokens = c.Usage.PromptTokens
		u.CompletionTokens = c.Usage.CompletionTokens
		u.TotalTokens = c.Usage.TotalTokens
	} else {
		u.PromptTokens = c.PromptTokens
		u.CompletionTokens = tokens.CountSimple(c.Reasoning) + tokens.CountSimple(c.Answer)
	}
	if u.TotalTokens == 0 {
		u.TotalTokens = u.PromptTokens + u.CompletionTokens
	}
	if !c.StartedAt.IsZero() && c.FinishedAt.After(c.StartedAt) {
		u.DurationSeconds = c.FinishedAt.Sub(c.StartedAt).Seconds()
	}
	if u.DurationSeconds > 0 {
		u.TokensPerSecond = float64(u.CompletionTokens) / u.DurationSeconds
	}
	return u
}

// FlattenGrounding produces one search result per chunk per supported span.
func FlattenGrounding(g *providers.Grounding) ([]string, []*chatstore.SearchResult) {
	if g == nil {
		return nil, nil
	}
	queries := append([]string(nil), g.WebSearchQueries...)
	results := []*chatstore.SearchResult{}
	for _, support := range g.Supports {
		for i, ci := range support.ChunkIndices {
			if ci < 0 || ci >= len(g.Chunks) {
				continue
			}
			confidence := 0.0
			if i < len(support.ConfidenceScores) {
				confidence = support.ConfidenceScores[i]
			}
			chunk := g.Chunks[ci]
			results = append(results, &chatstore.SearchResult{
				ID:         uuid.NewString(),
				Text:       support.Text,
				StartIndex: copyInt(support.StartIndex),
				EndIndex:   copyInt(support.EndIndex),
				Confidence: confidence,
				URI:        chunk.URI,
				Title:      chunk.Title,
			})
		}
	}
	return queries, results
}

func copyInt(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
