// Package chat implements the thread and message state machine: sending,
// stopping, retrying, editing and branching, plus the read side used to
// build model context and finalize generations.
package chat

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/threadline/pkg/chatstore"
	"github.com/go-go-golems/threadline/pkg/files"
	"github.com/go-go-golems/threadline/pkg/identity"
	"github.com/go-go-golems/threadline/pkg/jobs"
	"github.com/go-go-golems/threadline/pkg/streams"
)

// Scheduler hands jobs to the background runner.
type Scheduler interface {
	Schedule(ctx context.Context, job jobs.Job) error
	Cancel(key string) bool
}

type Service struct {
	store        chatstore.Store
	streams      *streams.Service
	scheduler    Scheduler
	files        files.Storage
	notifier     Notifier
	defaultModel string
	now          func() time.Time
}

type ServiceOption func(*Service)

func WithFiles(storage files.Storage) ServiceOption {
	return func(s *Service) {
		s.files = storage
	}
}

func WithNotifier(n Notifier) ServiceOption {
	return func(s *Service) {
		s.notifier = n
	}
}

func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		s.now = now
	}
}

func NewService(
	store chatstore.Store,
	streamService *streams.Service,
	scheduler Scheduler,
	defaultModel string,
	options ...ServiceOption,
) *Service {
	s := &Service{
		store:        store,
		streams:      streamService,
		scheduler:    scheduler,
		notifier:     LogNotifier{},
		defaultModel: defaultModel,
		now:          time.Now,
	}
	for _, o := range options {
		o(s)
	}
	return s
}

func (s *Service) Store() chatstore.Store {
	return s.store
}

func (s *Service) Streams() *streams.Service {
	return s.streams
}

// modelFor resolves the caller's selected model on every call. There is no
// process-wide selection.
func (s *Service) modelFor(ctx context.Context, owner string) (string, error) {
	cfg, err := s.store.GetUserConfig(ctx, owner)
	if err != nil {
		if errors.Is(err, chatstore.ErrUserConfigNotFound) {
			return s.defaultModel, nil
		}
		return "", err
	}
	if cfg.CurrentModel == "" {
		return s.defaultModel, nil
	}
	return cfg.CurrentModel, nil
}

func (s *Service) ownedThread(ctx context.Context, who identity.Identity, threadID string) (*chatstore.Thread, error) {
	t, err := s.store.GetThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if t.Owner != who.ID {
		return nil, errors.Wrapf(ErrUnauthorized, "thread %s", threadID)
	}
	return t, nil
}

func (s *Service) ownedMessage(ctx context.Context, who identity.Identity, messageID string) (*chatstore.Message, error) {
	m, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if m.Owner != who.ID {
		return nil, errors.Wrapf(ErrUnauthorized, "message %s", messageID)
	}
	return m, nil
}

// resolveAttachments checks that every referenced file belongs to the caller
// and fills in the name and content type recorded for it.
func (s *Service) resolveAttachments(ctx context.Context, who identity.Identity, refs []chatstore.AttachmentRef) ([]chatstore.AttachmentRef, error) {
	if len(refs) == 0 {
		return nil, nil
	}
	ret := make([]chatstore.AttachmentRef, 0, len(refs))
	for _, ref := range refs {
		a, err := s.store.GetAttachment(ctx, ref.StorageID)
		if err != nil {
			return nil, errors.Wrapf(err, "attachment %s", ref.StorageID)
		}
		if a.Owner != who.ID {
			return nil, errors.Wrapf(ErrUnauthorized, "attachment %s", ref.StorageID)
		}
		ret = append(ret, a.Ref())
	}
	return ret, nil
}

func findOpenStream(msgs []*chatstore.Message) *chatstore.Message {
	for _, m := range msgs {
		if m.HasOpenStream() {
			return m
		}
	}
	return nil
}

func (s *Service) scheduleGeneration(ctx context.Context, m *chatstore.Message) {
	job := jobs.Job{
		Kind:     jobs.KindGeneration,
		StreamID: m.StreamID,
		ThreadID: m.ThreadID,
		Owner:    m.Owner,
	}
	// a missed schedule is recovered when the client attaches to /chat-stream
	if err := s.scheduler.Schedule(ctx, job); err != nil {
		log.Warn().Err(err).Str("stream_id", m.StreamID).Msg("could not schedule generation")
	}
}

// discardStream ends a stream that no message references any more.
func (s *Service) discardStream(ctx context.Context, streamID string) {
	if streamID == "" {
		return
	}
	s.scheduler.Cancel(jobs.Job{Kind: jobs.KindGeneration, StreamID: streamID}.Key())
	if err := s.streams.Finish(ctx, streamID); err != nil && !errors.Is(err, streams.ErrStreamNotFound) {
		log.Warn().Err(err).Str("stream_id", streamID).Msg("could not close discarded stream")
	}
}

// releaseFailedStream clears the open stream of a message whose generation
// errored, so the conversation can continue from the last completed message.
// Any other open stream is still in flight.
func (s *Service) releaseFailedStream(ctx context.Context, m *chatstore.Message) error {
	inFlight := &chatstore.StreamInFlightError{ThreadID: m.ThreadID, MessageID: m.ID}
	body, err := s.streams.Get(ctx, m.StreamID)
	switch {
	case errors.Is(err, streams.ErrStreamNotFound):
	case err != nil:
		return err
	case body.Status != streams.StatusError:
		return inFlight
	}
	won, err := s.store.CompleteStream(ctx, chatstore.Completion{UserMessageID: m.ID, StreamID: m.StreamID})
	if err != nil {
		return err
	}
	if won {
		log.Debug().Str("stream_id", m.StreamID).Str("message_id", m.ID).Msg("released failed stream")
	}
	return nil
}

type SendRequest struct {
	Prompt      string                    `json:"prompt"`
	ThreadID    string                    `json:"threadId,omitempty"`
	IsSearching bool                      `json:"isSearching,omitempty"`
	Attachments []chatstore.AttachmentRef `json:"attachments,omitempty"`
}

type SendResult struct {
	ThreadID  string `json:"threadId"`
	MessageID string `json:"messageId"`
	StreamID  string `json:"streamId"`
}

// SendMessage records a user message awaiting generation, creating the
// thread first when req.ThreadID is empty, and schedules the generation.
func (s *Service) SendMessage(ctx context.Context, who identity.Identity, req SendRequest) (*SendResult, error) {
	if strings.TrimSpace(req.Prompt) == "" && len(req.Attachments) == 0 {
		return nil, errors.Wrap(ErrInvalidRequest, "prompt is empty")
	}
	attachments, err := s.resolveAttachments(ctx, who, req.Attachments)
	if err != nil {
		return nil, err
	}
	model, err := s.modelFor(ctx, who.ID)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	var thread *chatstore.Thread
	isNew := req.ThreadID == ""
	if isNew {
		thread = &chatstore.Thread{
			ID:        uuid.NewString(),
			Owner:     who.ID,
			Model:     model,
			CreatedAt: now,
			UpdatedAt: now,
		}
	} else {
		thread, err = s.ownedThread(ctx, who, req.ThreadID)
		if err != nil {
			return nil, err
		}
		msgs, err := s.store.ListMessages(ctx, thread.ID)
		if err != nil {
			return nil, err
		}
		if open := findOpenStream(msgs); open != nil {
			if err := s.releaseFailedStream(ctx, open); err != nil {
				return nil, err
			}
		}
	}

	streamID, err := s.streams.Create(ctx)
	if err != nil {
		return nil, err
	}
	msg := &chatstore.Message{
		ID:          uuid.NewString(),
		ThreadID:    thread.ID,
		Role:        chatstore.RoleUser,
		Content:     req.Prompt,
		Owner:       who.ID,
		StreamID:    streamID,
		Model:       model,
		IsSearching: req.IsSearching,
		Attachments: attachments,
		CreatedAt:   now,
	}

	if isNew {
		if err := s.store.CreateThread(ctx, thread); err != nil {
			_ = s.streams.Delete(ctx, streamID)
			return nil, err
		}
	}
	if err := s.store.InsertMessage(ctx, msg); err != nil {
		_ = s.streams.Delete(ctx, streamID)
		if isNew {
			_ = s.store.DeleteThread(ctx, thread.ID)
		}
		return nil, err
	}
	if !isNew {
		if _, err := s.store.PatchThread(ctx, thread.ID, chatstore.ThreadPatch{Model: &model, UpdatedAt: now}); err != nil {
			log.Warn().Err(err).Str("thread_id", thread.ID).Msg("could not update thread model")
		}
	}

	log.Debug().
		Str("thread_id", thread.ID).
		Str("message_id", msg.ID).
		Str("stream_id", streamID).
		Str("model", model).
		Bool("new_thread", isNew).
		Msg("message sent")

	if isNew {
		titleJob := jobs.Job{Kind: jobs.KindTitle, ThreadID: thread.ID, Owner: who.ID, Prompt: req.Prompt}
		if err := s.scheduler.Schedule(ctx, titleJob); err != nil {
			log.Warn().Err(err).Str("thread_id", thread.ID).Msg("could not schedule title generation")
		}
	}
	s.scheduleGeneration(ctx, msg)

	return &SendResult{ThreadID: thread.ID, MessageID: msg.ID, StreamID: streamID}, nil
}

// StopStreaming turns the current buffer content into a stopped assistant
// message. It reports false when the stream is no longer open, which
// happens when the generation already finished.
func (s *Service) StopStreaming(ctx context.Context, who identity.Identity, streamID string) (bool, error) {
	msg, err := s.store.GetMessageByStream(ctx, streamID)
	if err != nil {
		if errors.Is(err, chatstore.ErrMessageNotFound) {
			return false, nil
		}
		return false, err
	}
	if msg.Owner != who.ID {
		return false, errors.Wrapf(ErrUnauthorized, "stream %s", streamID)
	}

	// stop the writer, then close the buffer so neither late text nor a late
	// provider failure can land after the snapshot
	s.scheduler.Cancel(jobs.Job{Kind: jobs.KindGeneration, StreamID: streamID}.Key())
	if err := s.streams.Finish(ctx, streamID); err != nil && !errors.Is(err, streams.ErrStreamNotFound) {
		return false, err
	}

	body, err := s.streams.Get(ctx, streamID)
	if err != nil {
		if !errors.Is(err, streams.ErrStreamNotFound) {
			return false, err
		}
		body = &streams.Body{}
	}
	if body.Status == streams.StatusError {
		// a failed attempt never gets an assistant message, stopped or not
		if err := s.releaseFailedStream(ctx, msg); err != nil {
			return false, err
		}
		log.Debug().Str("stream_id", streamID).Msg("stop on failed stream released it")
		return false, nil
	}

	assistant := &chatstore.Message{
		ID:          uuid.NewString(),
		ThreadID:    msg.ThreadID,
		Role:        chatstore.RoleAssistant,
		Content:     body.Answer(),
		Reasoning:   body.Reasoning(),
		Owner:       msg.Owner,
		Model:       msg.Model,
		Stopped:     true,
		IsSearching: msg.IsSearching,
		Usage:       &chatstore.Usage{},
		CreatedAt:   s.now().UTC(),
	}
	won, err := s.store.CompleteStream(ctx, chatstore.Completion{
		UserMessageID: msg.ID,
		StreamID:      streamID,
		Assistant:     assistant,
	})
	if err != nil {
		return false, err
	}
	if !won {
		log.Debug().Str("stream_id", streamID).Msg("stream finalized before stop")
		return false, nil
	}
	log.Debug().Str("stream_id", streamID).Str("message_id", assistant.ID).Msg("stream stopped")
	return true, nil
}
