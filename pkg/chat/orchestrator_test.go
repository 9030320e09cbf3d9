package chat

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/threadline/pkg/chatstore"
	"github.com/go-go-golems/threadline/pkg/providers"
	"github.com/go-go-golems/threadline/pkg/streams"
)

// conversation creates a thread with two finished exchanges.
func (f *fixture) conversation(t *testing.T) (threadID string, msgs []*chatstore.Message) {
	t.Helper()
	first := f.send(t, alice, "", "u1")
	f.answer(t, first.StreamID, "a1")
	second := f.send(t, alice, first.ThreadID, "u2")
	f.answer(t, second.StreamID, "a2")
	msgs = f.messages(t, first.ThreadID)
	require.Len(t, msgs, 4)
	return first.ThreadID, msgs
}

func TestRetryUserMessageDropsLaterMessages(t *testing.T) {
	f := newFixture(t)
	threadID, msgs := f.conversation(t)

	res, err := f.svc.Retry(context.Background(), alice, msgs[0].ID, "")
	require.NoError(t, err)
	assert.Equal(t, msgs[0].ID, res.MessageID)

	after := f.messages(t, threadID)
	require.Len(t, after, 1)
	assert.Equal(t, "u1", after[0].Content)
	assert.Equal(t, res.StreamID, after[0].StreamID)
	assert.NotEqual(t, msgs[0].StreamID, res.StreamID)

	body, err := f.streams.Get(context.Background(), res.StreamID)
	require.NoError(t, err)
	assert.Equal(t, streams.StatusPending, body.Status)
}

func TestRetryAssistantMessage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	threadID, msgs := f.conversation(t)

	res, err := f.svc.Retry(ctx, alice, msgs[3].ID, "google/gemini-2.0-flash")
	require.NoError(t, err)
	assert.Equal(t, msgs[2].ID, res.MessageID)

	after := f.messages(t, threadID)
	assert.Equal(t, []string{"user:u1", "assistant:a1", "user:u2"}, contents(after))
	assert.Equal(t, res.StreamID, after[2].StreamID)
	assert.Equal(t, "google/gemini-2.0-flash", after[2].Model)

	thread, err := f.store.GetThread(ctx, threadID)
	require.NoError(t, err)
	assert.Equal(t, "google/gemini-2.0-flash", thread.Model)
}

func TestRetrySingleExchange(t *testing.T) {
	f := newFixture(t)
	res := f.send(t, alice, "", "Hello")
	f.answer(t, res.StreamID, "Hi")
	msgs := f.messages(t, res.ThreadID)
	require.Len(t, msgs, 2)

	retry, err := f.svc.Retry(context.Background(), alice, msgs[1].ID, "")
	require.NoError(t, err)

	after := f.messages(t, res.ThreadID)
	require.Len(t, after, 1)
	assert.Equal(t, msgs[0].ID, after[0].ID)
	assert.Equal(t, retry.StreamID, after[0].StreamID)
	assert.Equal(t, defaultModel, after[0].Model)
}

func TestRetryAssistantWithoutUserMessage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.CreateThread(ctx, &chatstore.Thread{ID: "t1", Owner: "alice", CreatedAt: testNow, UpdatedAt: testNow}))
	require.NoError(t, f.store.InsertMessage(ctx, &chatstore.Message{
		ID: "a0", ThreadID: "t1", Role: chatstore.RoleAssistant, Content: "orphan", Owner: "alice", CreatedAt: testNow,
	}))

	_, err := f.svc.Retry(ctx, alice, "a0", "")
	assert.True(t, errors.Is(err, ErrInvalidRetryTarget))
	assert.Len(t, f.messages(t, "t1"), 1)
}

func TestRetryDiscardsInFlightStream(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.send(t, alice, "", "Hello")
	require.NoError(t, f.streams.Append(ctx, res.StreamID, streams.ChannelAnswer, "Hi th"))

	retry, err := f.svc.Retry(ctx, alice, res.MessageID, "")
	require.NoError(t, err)
	assert.True(t, f.sched.wasCancelled("stream/"+res.StreamID))

	old, err := f.streams.Get(ctx, res.StreamID)
	require.NoError(t, err)
	assert.Equal(t, streams.StatusDone, old.Status)

	// the late completion of the discarded stream is dropped
	won, err := f.finalizer.Finalize(ctx, Completion{StreamID: res.StreamID, Answer: "Hi there"})
	require.NoError(t, err)
	assert.False(t, won)

	after := f.messages(t, res.ThreadID)
	require.Len(t, after, 1)
	assert.Equal(t, retry.StreamID, after[0].StreamID)
}

// lateFinalizeStore lets a finalizer commit between a regeneration's read of
// the thread and its rewrite.
type lateFinalizeStore struct {
	*chatstore.MemoryStore
	beforeRewrite func()
}

func (s *lateFinalizeStore) RewriteTail(ctx context.Context, rw chatstore.RewriteTail) ([]string, error) {
	if s.beforeRewrite != nil {
		s.beforeRewrite()
		s.beforeRewrite = nil
	}
	return s.MemoryStore.RewriteTail(ctx, rw)
}

func TestRegenerateRacingFinalize(t *testing.T) {
	regenerate := map[string]func(svc *Service, messageID string) (*RegenerateResult, error){
		"retry": func(svc *Service, messageID string) (*RegenerateResult, error) {
			return svc.Retry(context.Background(), alice, messageID, "")
		},
		"edit": func(svc *Service, messageID string) (*RegenerateResult, error) {
			return svc.Edit(context.Background(), alice, messageID, "Hello, edited", nil)
		},
	}
	for name, run := range regenerate {
		run := run
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			racing := &lateFinalizeStore{MemoryStore: f.store}
			svc := NewService(racing, f.streams, f.sched, defaultModel, WithClock(func() time.Time { return testNow }))

			res, err := svc.SendMessage(context.Background(), alice, SendRequest{Prompt: "Hello"})
			require.NoError(t, err)
			racing.beforeRewrite = func() {
				f.answer(t, res.StreamID, "late answer")
			}

			regen, err := run(svc, res.MessageID)
			require.NoError(t, err)

			msgs := f.messages(t, res.ThreadID)
			require.Len(t, msgs, 1, "the late answer must not survive the rewrite")
			assert.Equal(t, chatstore.RoleUser, msgs[0].Role)
			assert.Equal(t, regen.StreamID, msgs[0].StreamID)

			f.answer(t, regen.StreamID, "fresh answer")
			assert.Equal(t, chatstore.RoleAssistant, f.messages(t, res.ThreadID)[1].Role)
			assert.Len(t, f.messages(t, res.ThreadID), 2)
		})
	}
}

func TestRetryForeignMessage(t *testing.T) {
	f := newFixture(t)
	_, msgs := f.conversation(t)
	_, err := f.svc.Retry(context.Background(), bob, msgs[0].ID, "")
	assert.True(t, errors.Is(err, ErrUnauthorized))
}

func TestEditUserMessage(t *testing.T) {
	f := newFixture(t)
	threadID, msgs := f.conversation(t)

	res, err := f.svc.Edit(context.Background(), alice, msgs[0].ID, "u1 edited", nil)
	require.NoError(t, err)
	assert.Equal(t, msgs[0].ID, res.MessageID)

	after := f.messages(t, threadID)
	require.Len(t, after, 1)
	assert.Equal(t, "u1 edited", after[0].Content)
	assert.Equal(t, res.StreamID, after[0].StreamID)
}

func TestEditRejectsAssistantAndEmptyContent(t *testing.T) {
	f := newFixture(t)
	threadID, msgs := f.conversation(t)
	ctx := context.Background()

	_, err := f.svc.Edit(ctx, alice, msgs[1].ID, "rewritten", nil)
	assert.True(t, errors.Is(err, ErrInvalidEditTarget))

	_, err = f.svc.Edit(ctx, alice, msgs[0].ID, " ", nil)
	assert.True(t, errors.Is(err, ErrInvalidRequest))

	assert.Len(t, f.messages(t, threadID), 4)
}

func TestBranchOffCopiesPrefix(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := f.send(t, alice, "", "Who won?")
	start, end := 0, 8
	require.NoError(t, f.streams.Append(ctx, first.StreamID, streams.ChannelAnswer, "Team A won."))
	won, err := f.finalizer.Finalize(ctx, Completion{
		StreamID:    first.StreamID,
		Model:       "google/gemini-2.0-flash",
		Answer:      "Team A won.",
		IsSearching: true,
		StartedAt:   testNow,
		FinishedAt:  testNow.Add(time.Second),
		Grounding: &providers.Grounding{
			WebSearchQueries: []string{"who won"},
			Chunks:           []providers.GroundingChunk{{URI: "https://example.com/a", Title: "A"}},
			Supports: []providers.GroundingSupport{{
				Text: "Team A won", StartIndex: &start, EndIndex: &end,
				ChunkIndices: []int{0}, ConfidenceScores: []float64{0.9},
			}},
		},
	})
	require.NoError(t, err)
	require.True(t, won)

	second := f.send(t, alice, first.ThreadID, "By how much?")
	require.NoError(t, f.streams.Append(ctx, second.StreamID, streams.ChannelAnswer, "By three"))

	source := f.messages(t, first.ThreadID)
	require.Len(t, source, 3)

	branchID, err := f.svc.BranchOff(ctx, alice, first.ThreadID, second.MessageID, "")
	require.NoError(t, err)

	branch, err := f.store.GetThread(ctx, branchID)
	require.NoError(t, err)
	assert.Equal(t, first.ThreadID, branch.ParentThreadID)
	assert.Equal(t, "alice", branch.Owner)

	copied := f.messages(t, branchID)
	assert.Equal(t, []string{"user:Who won?", "assistant:Team A won.", "user:By how much?", "assistant:By three"}, contents(copied))
	for i, m := range copied {
		assert.False(t, m.HasOpenStream())
		if i < len(source) {
			assert.NotEqual(t, source[i].ID, m.ID)
		}
	}
	assert.True(t, copied[3].Stopped)
	assert.Equal(t, []string{"who won"}, copied[1].SearchQueries)

	results, err := f.store.ListSearchResults(ctx, copied[1].ID)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "https://example.com/a", results[0].URI)
	assert.InDelta(t, 0.9, results[0].Confidence, 0.0001)

	// the source still generates
	after := f.messages(t, first.ThreadID)
	require.Len(t, after, 3)
	assert.Equal(t, second.StreamID, after[2].StreamID)
}

func TestBranchOffAtEarlierMessage(t *testing.T) {
	f := newFixture(t)
	threadID, msgs := f.conversation(t)

	branchID, err := f.svc.BranchOff(context.Background(), alice, threadID, msgs[1].ID, "ollama/llama3")
	require.NoError(t, err)
	assert.Equal(t, []string{"user:u1", "assistant:a1"}, contents(f.messages(t, branchID)))

	branch, err := f.store.GetThread(context.Background(), branchID)
	require.NoError(t, err)
	assert.Equal(t, "ollama/llama3", branch.Model)
}

func TestBranchOffUnknownMessage(t *testing.T) {
	f := newFixture(t)
	threadID, _ := f.conversation(t)
	_, err := f.svc.BranchOff(context.Background(), alice, threadID, "missing", "")
	assert.True(t, errors.Is(err, ErrMessageNotFound))

	_, err = f.svc.BranchOff(context.Background(), bob, threadID, "missing", "")
	assert.True(t, errors.Is(err, ErrUnauthorized))
}
