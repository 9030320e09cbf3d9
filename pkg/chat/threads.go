package chat

import (
	"context"
	"fmt"
	"net/mail"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/threadline/pkg/chatstore"
	"github.com/go-go-golems/threadline/pkg/identity"
	"github.com/go-go-golems/threadline/pkg/jobs"
)

func (s *Service) ListThreads(ctx context.Context, who identity.Identity) ([]*chatstore.Thread, error) {
	return s.store.ListThreads(ctx, who.ID)
}

// ListSharedThreads returns the threads shared with the caller's e-mail address.
func (s *Service) ListSharedThreads(ctx context.Context, who identity.Identity) ([]*chatstore.Thread, error) {
	if who.Email == "" {
		return []*chatstore.Thread{}, nil
	}
	shares, err := s.store.ListSharesForEmail(ctx, normalizeEmail(who.Email))
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	ret := []*chatstore.Thread{}
	for _, sh := range shares {
		if seen[sh.ThreadID] {
			continue
		}
		seen[sh.ThreadID] = true
		t, err := s.store.GetThread(ctx, sh.ThreadID)
		if err != nil {
			if errors.Is(err, chatstore.ErrThreadNotFound) {
				continue
			}
			return nil, err
		}
		ret = append(ret, t)
	}
	chatstore.SortThreads(ret)
	return ret, nil
}

// readableThread returns the thread if the caller owns it or it was shared
// with the caller's e-mail address.
func (s *Service) readableThread(ctx context.Context, who identity.Identity, threadID string) (*chatstore.Thread, error) {
	t, err := s.store.GetThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if t.Owner == who.ID {
		return t, nil
	}
	if who.Email != "" {
		shares, err := s.store.ListShares(ctx, threadID)
		if err != nil {
			return nil, err
		}
		email := normalizeEmail(who.Email)
		for _, sh := range shares {
			if sh.Email == email {
				return t, nil
			}
		}
	}
	return nil, errors.Wrapf(ErrUnauthorized, "thread %s", threadID)
}

func (s *Service) GetThread(ctx context.Context, who identity.Identity, threadID string) (*chatstore.Thread, error) {
	return s.readableThread(ctx, who, threadID)
}

func (s *Service) patchThread(ctx context.Context, who identity.Identity, threadID string, p chatstore.ThreadPatch) (*chatstore.Thread, error) {
	if _, err := s.ownedThread(ctx, who, threadID); err != nil {
		return nil, err
	}
	p.UpdatedAt = s.now().UTC()
	return s.store.PatchThread(ctx, threadID, p)
}

func (s *Service) RenameThread(ctx context.Context, who identity.Identity, threadID string, title string) (*chatstore.Thread, error) {
	title = TruncateTitle(title)
	if title == "" {
		return nil, errors.Wrap(ErrInvalidRequest, "title is empty")
	}
	return s.patchThread(ctx, who, threadID, chatstore.ThreadPatch{Title: &title})
}

func (s *Service) TogglePin(ctx context.Context, who identity.Identity, threadID string) (*chatstore.Thread, error) {
	return s.patchThread(ctx, who, threadID, chatstore.ThreadPatch{TogglePinned: true})
}

// SetThreadModel changes the thread's default model for the next send.
func (s *Service) SetThreadModel(ctx context.Context, who identity.Identity, threadID string, model string) (*chatstore.Thread, error) {
	if model == "" {
		return nil, errors.Wrap(ErrInvalidRequest, "model is empty")
	}
	return s.patchThread(ctx, who, threadID, chatstore.ThreadPatch{Model: &model})
}

// DeleteThread removes the thread with its messages, search results and
// shares, and stops any generation still running for it.
func (s *Service) DeleteThread(ctx context.Context, who identity.Identity, threadID string) error {
	if _, err := s.ownedThread(ctx, who, threadID); err != nil {
		return err
	}
	msgs, err := s.store.ListMessages(ctx, threadID)
	if err != nil {
		return err
	}
	if err := s.store.DeleteThread(ctx, threadID); err != nil {
		return err
	}
	for _, m := range msgs {
		if m.HasOpenStream() {
			s.discardStream(ctx, m.StreamID)
		}
	}
	s.scheduler.Cancel(jobs.Job{Kind: jobs.KindTitle, ThreadID: threadID}.Key())
	log.Debug().Str("thread_id", threadID).Int("messages", len(msgs)).Msg("thread deleted")
	return nil
}

func (s *Service) ListMessages(ctx context.Context, who identity.Identity, threadID string) ([]*chatstore.Message, error) {
	if _, err := s.readableThread(ctx, who, threadID); err != nil {
		return nil, err
	}
	return s.store.ListMessages(ctx, threadID)
}

func (s *Service) ListSearchResults(ctx context.Context, who identity.Identity, messageID string) ([]*chatstore.SearchResult, error) {
	m, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if _, err := s.readableThread(ctx, who, m.ThreadID); err != nil {
		return nil, err
	}
	return s.store.ListSearchResults(ctx, messageID)
}

// StreamMessage returns the message that opened streamID when who may read
// its thread. It returns nil when no message references the stream, which is
// the case once the stream has been finalized or released.
func (s *Service) StreamMessage(ctx context.Context, who identity.Identity, streamID string) (*chatstore.Message, error) {
	msg, err := s.store.GetMessageByStream(ctx, streamID)
	if errors.Is(err, ErrMessageNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if msg.Owner == who.ID {
		return msg, nil
	}
	if _, err := s.readableThread(ctx, who, msg.ThreadID); err != nil {
		return nil, err
	}
	return msg, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ShareThread grants read access to every address in emails and notifies
// the recipients. Addresses the thread is already shared with are skipped.
func (s *Service) ShareThread(ctx context.Context, who identity.Identity, threadID string, emails []string, note string) ([]*chatstore.Share, error) {
	t, err := s.ownedThread(ctx, who, threadID)
	if err != nil {
		return nil, err
	}
	if len(emails) == 0 {
		return nil, errors.Wrap(ErrInvalidRequest, "no recipients")
	}
	recipients := []string{}
	seen := map[string]bool{}
	for _, e := range emails {
		addr, err := mail.ParseAddress(e)
		if err != nil {
			return nil, errors.Wrapf(ErrInvalidRequest, "invalid e-mail address %q", e)
		}
		email := normalizeEmail(addr.Address)
		if !seen[email] {
			seen[email] = true
			recipients = append(recipients, email)
		}
	}

	existing, err := s.store.ListShares(ctx, threadID)
	if err != nil {
		return nil, err
	}
	for _, sh := range existing {
		seen[sh.Email] = false
	}

	ret := []*chatstore.Share{}
	for _, email := range recipients {
		if !seen[email] {
			continue
		}
		sh := &chatstore.Share{
			ID:        uuid.NewString(),
			ThreadID:  threadID,
			Owner:     who.ID,
			Email:     email,
			Message:   note,
			CreatedAt: s.now().UTC(),
		}
		if err := s.store.PutShare(ctx, sh); err != nil {
			return nil, err
		}
		if err := s.notifier.NotifyShare(ctx, t, sh); err != nil {
			log.Warn().Err(err).Str("share_id", sh.ID).Msg("could not notify share recipient")
		}
		ret = append(ret, sh)
	}
	return ret, nil
}

func (s *Service) ListShares(ctx context.Context, who identity.Identity, threadID string) ([]*chatstore.Share, error) {
	if _, err := s.ownedThread(ctx, who, threadID); err != nil {
		return nil, err
	}
	return s.store.ListShares(ctx, threadID)
}

func (s *Service) RemoveShare(ctx context.Context, who identity.Identity, shareID string) error {
	sh, err := s.store.GetShare(ctx, shareID)
	if err != nil {
		return err
	}
	if sh.Owner != who.ID {
		return errors.Wrapf(ErrUnauthorized, "share %s", shareID)
	}
	return s.store.DeleteShare(ctx, shareID)
}

type ExportFormat string

const (
	ExportMarkdown ExportFormat = "markdown"
	ExportYAML     ExportFormat = "yaml"
)

type exportedMessage struct {
	chatstore.Message `yaml:",inline"`
	SearchResults     []*chatstore.SearchResult `yaml:"search_results,omitempty"`
}

type exportedThread struct {
	Thread   *chatstore.Thread `yaml:"thread"`
	Messages []exportedMessage `yaml:"messages"`
}

// ExportThread renders a readable thread as markdown or YAML.
func (s *Service) ExportThread(ctx context.Context, who identity.Identity, threadID string, format ExportFormat) ([]byte, error) {
	t, err := s.readableThread(ctx, who, threadID)
	if err != nil {
		return nil, err
	}
	msgs, err := s.store.ListMessages(ctx, threadID)
	if err != nil {
		return nil, err
	}
	doc := exportedThread{Thread: t}
	for _, m := range msgs {
		results, err := s.store.ListSearchResults(ctx, m.ID)
		if err != nil {
			return nil, err
		}
		doc.Messages = append(doc.Messages, exportedMessage{Message: *m, SearchResults: results})
	}

	switch format {
	case ExportYAML:
		return yaml.Marshal(doc)
	case ExportMarkdown, "":
		return []byte(s.renderMarkdown(ctx, doc)), nil
	default:
		return nil, errors.Wrapf(ErrInvalidRequest, "unknown export format %q", format)
	}
}

func (s *Service) renderMarkdown(ctx context.Context, doc exportedThread) string {
	var sb strings.Builder
	title := doc.Thread.Title
	if title == "" {
		title = "Untitled thread"
	}
	fmt.Fprintf(&sb, "# %s\n\n", title)
	fmt.Fprintf(&sb, "_Model: %s · created %s_\n", doc.Thread.Model, humanize.Time(doc.Thread.CreatedAt))

	for _, m := range doc.Messages {
		switch m.Role {
		case chatstore.RoleUser:
			sb.WriteString("\n## User\n\n")
		default:
			fmt.Fprintf(&sb, "\n## Assistant (%s)\n\n", m.Model)
		}
		if m.Reasoning != "" {
			sb.WriteString("<details><summary>Reasoning</summary>\n\n")
			sb.WriteString(m.Reasoning)
			sb.WriteString("\n\n</details>\n\n")
		}
		sb.WriteString(m.Content)
		sb.WriteString("\n")
		if m.Stopped {
			sb.WriteString("\n_(stopped)_\n")
		}
		if m.HasOpenStream() {
			sb.WriteString("\n_(awaiting answer)_\n")
		}

		if len(m.Attachments) > 0 {
			sb.WriteString("\nAttachments:\n")
			for _, ref := range m.Attachments {
				size := "deleted"
				if a, err := s.store.GetAttachment(ctx, ref.StorageID); err == nil {
					size = humanize.Bytes(uint64(a.Size))
				}
				fmt.Fprintf(&sb, "- %s (%s, %s)\n", ref.Name, ref.ContentType, size)
			}
		}

		if m.Usage != nil && m.Usage.TotalTokens > 0 {
			fmt.Fprintf(&sb, "\n> %s tokens · %.1f tokens/s · %.1fs\n",
				humanize.Comma(int64(m.Usage.TotalTokens)), m.Usage.TokensPerSecond, m.Usage.DurationSeconds)
		}

		if len(m.SearchResults) > 0 {
			sb.WriteString("\nSources:\n")
			uris := map[string]string{}
			for _, r := range m.SearchResults {
				uris[r.URI] = r.Title
			}
			keys := make([]string, 0, len(uris))
			for uri := range uris {
				keys = append(keys, uri)
			}
			sort.Strings(keys)
			for _, uri := range keys {
				fmt.Fprintf(&sb, "- [%s](%s)\n", uris[uri], uri)
			}
		}
	}
	return sb.String()
}
