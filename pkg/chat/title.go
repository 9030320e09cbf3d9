package chat

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	"github.com/go-go-golems/threadline/pkg/chatstore"
	"github.com/go-go-golems/threadline/pkg/credentials"
	"github.com/go-go-golems/threadline/pkg/jobs"
	"github.com/go-go-golems/threadline/pkg/providers"
)

const MaxTitleLength = 100

const titlePrompt = `Generate a title for the thread. The title should be a single sentence that captures the main topic of the thread.
The title should be no more than %d characters.
The title should be in the same language as the messages.
Answer with the title only.

The first message is:
%s`

// TitleGenerator names new threads from their first prompt. It runs as the
// handler of title jobs.
type TitleGenerator struct {
	store       chatstore.Store
	provider    providers.TextProvider
	credentials credentials.Store
	keyName     credentials.Provider
	model       string
}

var _ jobs.Handler = &TitleGenerator{}

// NewTitleGenerator builds a generator. A nil provider always uses the prompt as title.
func NewTitleGenerator(
	store chatstore.Store,
	provider providers.TextProvider,
	creds credentials.Store,
	keyName credentials.Provider,
	model string,
) *TitleGenerator {
	return &TitleGenerator{
		store:       store,
		provider:    provider,
		credentials: creds,
		keyName:     keyName,
		model:       model,
	}
}

func (g *TitleGenerator) Handle(ctx context.Context, job jobs.Job) error {
	title := g.Generate(ctx, job.Owner, job.Prompt)
	// a title the user set in the meantime is kept
	thread, err := g.store.PatchThread(ctx, job.ThreadID, chatstore.ThreadPatch{Title: &title, TitleIfEmpty: true})
	if err != nil {
		if errors.Is(err, chatstore.ErrThreadNotFound) {
			return nil
		}
		return errors.Wrap(err, "save title")
	}
	log.Ctx(ctx).Debug().Str("thread_id", thread.ID).Str("title", thread.Title).Msg("thread titled")
	return nil
}

// Generate asks the title model for a title and falls back to the start of
// the prompt when no model is configured or the call fails.
func (g *TitleGenerator) Generate(ctx context.Context, owner string, prompt string) string {
	fallback := TruncateTitle(PlainText(prompt))
	if g.provider == nil || g.model == "" {
		return fallback
	}
	apiKey := ""
	if g.credentials != nil && g.keyName != "" {
		key, err := g.credentials.Resolve(ctx, owner, g.keyName)
		if err != nil {
			log.Ctx(ctx).Debug().Err(err).Msg("no credential for title generation")
			return fallback
		}
		apiKey = key
	}
	answer, err := providers.Collect(ctx, g.provider, providers.Request{
		Model:  g.model,
		APIKey: apiKey,
		Messages: []providers.Message{
			{Role: providers.RoleUser, Content: fmt.Sprintf(titlePrompt, MaxTitleLength, prompt)},
		},
	})
	if err != nil {
		log.Ctx(ctx).Warn().Err(err).Msg("title generation failed")
		return fallback
	}
	title := TruncateTitle(PlainText(answer))
	if title == "" {
		return fallback
	}
	return title
}

// PlainText returns the text of the first heading or paragraph of a
// markdown document, without markup.
func PlainText(markdown string) string {
	source := []byte(markdown)
	document := goldmark.DefaultParser().Parse(text.NewReader(source))

	ret := ""
	err := ast.Walk(document, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch v := n.(type) {
		case *ast.Heading, *ast.Paragraph:
			ret = strings.TrimSpace(inlineText(v, source))
			if ret != "" {
				return ast.WalkStop, nil
			}
		case *ast.FencedCodeBlock:
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})
	if err != nil || ret == "" {
		return strings.TrimSpace(markdown)
	}
	ret = strings.Trim(ret, `"'`)
	return strings.Join(strings.Fields(ret), " ")
}

func inlineText(n ast.Node, source []byte) string {
	var sb strings.Builder
	_ = ast.Walk(n, func(c ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch t := c.(type) {
		case *ast.Text:
			sb.Write(t.Segment.Value(source))
			if t.SoftLineBreak() || t.HardLineBreak() {
				sb.WriteByte(' ')
			}
		case *ast.String:
			sb.Write(t.Value)
		case *ast.AutoLink:
			sb.Write(t.Label(source))
		}
		return ast.WalkContinue, nil
	})
	return sb.String()
}

// TruncateTitle cuts s to MaxTitleLength characters.
func TruncateTitle(s string) string {
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) <= MaxTitleLength {
		return s
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:MaxTitleLength]))
}
