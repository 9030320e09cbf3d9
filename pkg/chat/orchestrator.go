package chat

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/threadline/pkg/chatstore"
	"github.com/go-go-golems/threadline/pkg/identity"
	"github.com/go-go-golems/threadline/pkg/streams"
)

// RegenerateResult names the message that now awaits a new generation.
type RegenerateResult struct {
	ThreadID  string `json:"threadId"`
	MessageID string `json:"messageId"`
	StreamID  string `json:"streamId"`
}

func indexOf(msgs []*chatstore.Message, id string) int {
	for i, m := range msgs {
		if m.ID == id {
			return i
		}
	}
	return -1
}

// Retry regenerates the answer at messageID. A user message is regenerated
// in place and every later message is dropped. For an assistant message the
// preceding user message becomes the anchor and the assistant message is
// dropped along with everything after it.
func (s *Service) Retry(ctx context.Context, who identity.Identity, messageID string, modelOverride string) (*RegenerateResult, error) {
	target, err := s.ownedMessage(ctx, who, messageID)
	if err != nil {
		return nil, err
	}
	return s.regenerate(ctx, who, target, func(msgs []*chatstore.Message, idx int) (*chatstore.Message, []*chatstore.Message, error) {
		if target.Role == chatstore.RoleUser {
			return msgs[idx], msgs[idx+1:], nil
		}
		if idx == 0 || msgs[idx-1].Role != chatstore.RoleUser {
			return nil, nil, errors.Wrapf(ErrInvalidRetryTarget, "message %s has no preceding user message", messageID)
		}
		return msgs[idx-1], msgs[idx:], nil
	}, func(anchor *chatstore.Message, thread *chatstore.Thread) {
		anchor.Model = firstNonEmpty(modelOverride, anchor.Model, thread.Model, s.defaultModel)
	})
}

// Edit overwrites a user message and regenerates from it.
func (s *Service) Edit(ctx context.Context, who identity.Identity, messageID string, content string, attachments []chatstore.AttachmentRef) (*RegenerateResult, error) {
	target, err := s.ownedMessage(ctx, who, messageID)
	if err != nil {
		return nil, err
	}
	if target.Role != chatstore.RoleUser {
		return nil, errors.Wrapf(ErrInvalidEditTarget, "message %s", messageID)
	}
	if strings.TrimSpace(content) == "" && len(attachments) == 0 {
		return nil, errors.Wrap(ErrInvalidRequest, "content is empty")
	}
	resolved, err := s.resolveAttachments(ctx, who, attachments)
	if err != nil {
		return nil, err
	}
	return s.regenerate(ctx, who, target, func(msgs []*chatstore.Message, idx int) (*chatstore.Message, []*chatstore.Message, error) {
		return msgs[idx], msgs[idx+1:], nil
	}, func(anchor *chatstore.Message, thread *chatstore.Thread) {
		anchor.Content = content
		anchor.Attachments = resolved
		anchor.Model = firstNonEmpty(anchor.Model, thread.Model, s.defaultModel)
	})
}

type pickFunc func(msgs []*chatstore.Message, idx int) (anchor *chatstore.Message, drop []*chatstore.Message, err error)

func (s *Service) regenerate(
	ctx context.Context,
	who identity.Identity,
	target *chatstore.Message,
	pick pickFunc,
	update func(anchor *chatstore.Message, thread *chatstore.Thread),
) (*RegenerateResult, error) {
	thread, err := s.ownedThread(ctx, who, target.ThreadID)
	if err != nil {
		return nil, err
	}
	msgs, err := s.store.ListMessages(ctx, thread.ID)
	if err != nil {
		return nil, err
	}
	idx := indexOf(msgs, target.ID)
	if idx < 0 {
		return nil, errors.Wrapf(ErrMessageNotFound, "message %s", target.ID)
	}
	anchorRecord, drop, err := pick(msgs, idx)
	if err != nil {
		return nil, err
	}

	streamID, err := s.streams.Create(ctx)
	if err != nil {
		return nil, err
	}
	anchor := anchorRecord.Clone()
	update(anchor, thread)
	anchor.StreamID = streamID

	// the store drops whatever follows the anchor when it writes, which
	// includes an answer finalized after msgs was read
	released, err := s.store.RewriteTail(ctx, chatstore.RewriteTail{
		ThreadID:    thread.ID,
		Anchor:      anchor,
		ThreadModel: anchor.Model,
	})
	if err != nil {
		_ = s.streams.Delete(ctx, streamID)
		return nil, err
	}

	for _, id := range released {
		s.discardStream(ctx, id)
	}
	log.Debug().
		Str("thread_id", thread.ID).
		Str("anchor_id", anchor.ID).
		Str("stream_id", streamID).
		Str("model", anchor.Model).
		Int("dropped", len(drop)).
		Msg("thread rewritten for regeneration")

	s.scheduleGeneration(ctx, anchor)
	return &RegenerateResult{ThreadID: thread.ID, MessageID: anchor.ID, StreamID: streamID}, nil
}

// BranchOff copies threadID up to and including messageID into a new thread.
// A message that is still generating in the source is copied without its
// open stream, followed by a stopped assistant message holding what had been
// generated so far.
func (s *Service) BranchOff(ctx context.Context, who identity.Identity, threadID string, messageID string, modelOverride string) (string, error) {
	source, err := s.ownedThread(ctx, who, threadID)
	if err != nil {
		return "", err
	}
	msgs, err := s.store.ListMessages(ctx, threadID)
	if err != nil {
		return "", err
	}
	idx := indexOf(msgs, messageID)
	if idx < 0 {
		return "", errors.Wrapf(ErrMessageNotFound, "message %s in thread %s", messageID, threadID)
	}

	now := s.now().UTC()
	branch := chatstore.Branch{
		Thread: &chatstore.Thread{
			ID:             uuid.NewString(),
			Title:          source.Title,
			Owner:          who.ID,
			Model:          firstNonEmpty(modelOverride, source.Model),
			ParentThreadID: source.ID,
			CreatedAt:      now,
			UpdatedAt:      now,
		},
	}

	for _, m := range msgs[:idx+1] {
		c := m.Clone()
		c.ID = uuid.NewString()
		c.ThreadID = branch.Thread.ID
		c.Owner = who.ID
		c.StreamID = ""
		c.Seq = 0
		branch.Messages = append(branch.Messages, c)

		results, err := s.store.ListSearchResults(ctx, m.ID)
		if err != nil {
			return "", err
		}
		for _, r := range results {
			rc := r.Clone()
			rc.ID = uuid.NewString()
			rc.MessageID = c.ID
			branch.Results = append(branch.Results, rc)
		}

		if m.HasOpenStream() {
			snapshot, err := s.snapshotMessage(ctx, m, branch.Thread.ID, who.ID)
			if err != nil {
				return "", err
			}
			if snapshot != nil {
				branch.Messages = append(branch.Messages, snapshot)
			}
		}
	}

	if err := s.store.CloneThread(ctx, branch); err != nil {
		return "", err
	}
	log.Debug().
		Str("thread_id", branch.Thread.ID).
		Str("parent_thread_id", source.ID).
		Int("messages", len(branch.Messages)).
		Msg("thread branched")
	return branch.Thread.ID, nil
}

// snapshotMessage materializes the buffer of an open stream as a stopped
// assistant message. It returns nil when nothing was generated yet.
func (s *Service) snapshotMessage(ctx context.Context, m *chatstore.Message, threadID string, owner string) (*chatstore.Message, error) {
	body, err := s.streams.Get(ctx, m.StreamID)
	if err != nil {
		if errors.Is(err, streams.ErrStreamNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if body.Answer() == "" && body.Reasoning() == "" {
		return nil, nil
	}
	return &chatstore.Message{
		ID:          uuid.NewString(),
		ThreadID:    threadID,
		Role:        chatstore.RoleAssistant,
		Content:     body.Answer(),
		Reasoning:   body.Reasoning(),
		Owner:       owner,
		Model:       m.Model,
		Stopped:     true,
		IsSearching: m.IsSearching,
		Usage:       &chatstore.Usage{},
		CreatedAt:   s.now().UTC(),
	}, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
