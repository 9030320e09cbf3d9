package chat

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/threadline/pkg/chatstore"
	"github.com/go-go-golems/threadline/pkg/files"
	"github.com/go-go-golems/threadline/pkg/providers"
	"github.com/go-go-golems/threadline/pkg/streams"
)

// HistoryAssembler turns a thread into the role-tagged context of a model call.
type HistoryAssembler struct {
	store   chatstore.Store
	streams *streams.Service
	files   files.Storage
}

func NewHistoryAssembler(store chatstore.Store, streamService *streams.Service, storage files.Storage) *HistoryAssembler {
	return &HistoryAssembler{store: store, streams: streamService, files: storage}
}

// Assemble returns the whole thread, with the answer-so-far of any open
// stream as an assistant entry.
func (h *HistoryAssembler) Assemble(ctx context.Context, threadID string) ([]providers.Message, error) {
	msgs, err := h.store.ListMessages(ctx, threadID)
	if err != nil {
		return nil, err
	}
	return h.build(ctx, msgs, "")
}

// AssembleUntil returns the context for generating the answer of the
// message holding streamID: every message up to and including it, without
// the answer being generated.
func (h *HistoryAssembler) AssembleUntil(ctx context.Context, threadID string, streamID string) ([]providers.Message, error) {
	msgs, err := h.store.ListMessages(ctx, threadID)
	if err != nil {
		return nil, err
	}
	for i, m := range msgs {
		if m.StreamID == streamID {
			msgs = msgs[:i+1]
			break
		}
	}
	return h.build(ctx, msgs, streamID)
}

func (h *HistoryAssembler) build(ctx context.Context, msgs []*chatstore.Message, exclude string) ([]providers.Message, error) {
	answers, err := h.openAnswers(ctx, msgs, exclude)
	if err != nil {
		return nil, err
	}

	ret := []providers.Message{}
	add := func(m providers.Message) {
		if m.Content == "" && len(m.Attachments) == 0 {
			return
		}
		// stops and errors can leave two turns of the same role next to each other
		if n := len(ret); n > 0 && ret[n-1].Role == m.Role {
			prev := &ret[n-1]
			switch {
			case prev.Content == "":
				prev.Content = m.Content
			case m.Content != "":
				prev.Content += "\n\n" + m.Content
			}
			prev.Attachments = append(prev.Attachments, m.Attachments...)
			return
		}
		ret = append(ret, m)
	}

	for _, m := range msgs {
		switch m.Role {
		case chatstore.RoleUser:
			add(providers.Message{
				Role:        providers.RoleUser,
				Content:     m.Content,
				Attachments: h.resolveAttachments(ctx, m.Attachments),
			})
			if answer := answers[m.StreamID]; answer != "" {
				add(providers.Message{Role: providers.RoleAssistant, Content: answer})
			}
		case chatstore.RoleAssistant:
			add(providers.Message{
				Role:        providers.RoleAssistant,
				Content:     m.Content,
				Attachments: h.resolveAttachments(ctx, m.Attachments),
			})
		}
	}
	return ret, nil
}

// openAnswers fetches the answer channel of every open stream but exclude, concurrently.
func (h *HistoryAssembler) openAnswers(ctx context.Context, msgs []*chatstore.Message, exclude string) (map[string]string, error) {
	var mu sync.Mutex
	ret := map[string]string{}
	g, gctx := errgroup.WithContext(ctx)
	for _, m := range msgs {
		if !m.HasOpenStream() || m.StreamID == exclude {
			continue
		}
		streamID := m.StreamID
		g.Go(func() error {
			body, err := h.streams.Get(gctx, streamID)
			if err != nil {
				if errors.Is(err, streams.ErrStreamNotFound) {
					return nil
				}
				return errors.Wrapf(err, "load stream %s", streamID)
			}
			mu.Lock()
			ret[streamID] = body.Answer()
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return ret, nil
}

func (h *HistoryAssembler) resolveAttachments(ctx context.Context, refs []chatstore.AttachmentRef) []providers.Attachment {
	if len(refs) == 0 || h.files == nil {
		return nil
	}
	ret := make([]providers.Attachment, 0, len(refs))
	for _, ref := range refs {
		url, err := h.files.URL(ctx, ref.StorageID)
		if err != nil {
			// the attachment was deleted after the message was written
			log.Debug().Err(err).Str("storage_id", ref.StorageID).Msg("skipping unresolvable attachment")
			continue
		}
		ret = append(ret, providers.Attachment{
			StorageID:   ref.StorageID,
			URL:         url,
			Name:        ref.Name,
			ContentType: ref.ContentType,
		})
	}
	return ret
}
