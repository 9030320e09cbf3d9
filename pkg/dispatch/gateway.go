// Package dispatch runs generation jobs: it picks the provider for the
// message awaiting an answer, streams the provider output into the stream
// buffer and hands the result to the finalizer.
package dispatch

import (
	"context"
	"fmt"
	"io"
	"mime"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/threadline/pkg/chat"
	"github.com/go-go-golems/threadline/pkg/chatstore"
	"github.com/go-go-golems/threadline/pkg/credentials"
	"github.com/go-go-golems/threadline/pkg/events"
	"github.com/go-go-golems/threadline/pkg/files"
	"github.com/go-go-golems/threadline/pkg/jobs"
	"github.com/go-go-golems/threadline/pkg/providers"
	"github.com/go-go-golems/threadline/pkg/streams"
	"github.com/go-go-golems/threadline/pkg/tokens"
)

const (
	PathText   = "text"
	PathSearch = "search"
	PathImage  = "image"
)

var (
	ErrUnsupportedSearchModel = errors.New("model does not support search grounding")
	ErrNoRoute                = errors.New("no provider for model")
	ErrImageUnavailable       = errors.New("image generation is not configured")
)

// Gateway is the handler of generation jobs.
type Gateway struct {
	store       chatstore.Store
	streams     *streams.Service
	history     *chat.HistoryAssembler
	finalizer   *chat.Finalizer
	credentials credentials.Store
	files       files.Storage
	routes      Routes

	text             textRoutes
	search           providers.TextProvider
	searchCredential credentials.Provider
	image            providers.ImageProvider
	imageCredential  credentials.Provider
	sinks            []events.EventSink
	now              func() time.Time
}

var _ jobs.Handler = &Gateway{}

type GatewayOption func(*Gateway)

func WithTextRoute(route TextRoute) GatewayOption {
	return func(g *Gateway) {
		g.text = g.text.add(route)
	}
}

func WithSearchProvider(p providers.TextProvider, credential credentials.Provider) GatewayOption {
	return func(g *Gateway) {
		g.search = p
		g.searchCredential = credential
	}
}

func WithImageProvider(p providers.ImageProvider, credential credentials.Provider) GatewayOption {
	return func(g *Gateway) {
		g.image = p
		g.imageCredential = credential
	}
}

func WithFiles(storage files.Storage) GatewayOption {
	return func(g *Gateway) {
		g.files = storage
	}
}

func WithEventSinks(sinks ...events.EventSink) GatewayOption {
	return func(g *Gateway) {
		g.sinks = append(g.sinks, sinks...)
	}
}

func WithClock(now func() time.Time) GatewayOption {
	return func(g *Gateway) {
		g.now = now
	}
}

func NewGateway(
	store chatstore.Store,
	streamService *streams.Service,
	creds credentials.Store,
	routes Routes,
	options ...GatewayOption,
) *Gateway {
	g := &Gateway{
		store:       store,
		streams:     streamService,
		credentials: creds,
		routes:      routes,
		now:         time.Now,
	}
	for _, o := range options {
		o(g)
	}
	g.history = chat.NewHistoryAssembler(store, streamService, g.files)
	g.finalizer = chat.NewFinalizer(store, streamService)
	return g
}

// run carries the state of one generation.
type run struct {
	job     jobs.Job
	anchor  *chatstore.Message
	model   string
	path    string
	meta    events.EventMetadata
	started time.Time
	logger  zerolog.Logger
}

// Handle runs the generation bound to job.StreamID. Jobs whose stream was
// closed or is no longer referenced by any message are skipped.
func (g *Gateway) Handle(ctx context.Context, job jobs.Job) error {
	ctx = events.WithEventSinks(ctx, g.sinks...)
	logger := log.Ctx(ctx).With().Str("stream_id", job.StreamID).Logger()
	if logger.GetLevel() == zerolog.Disabled {
		logger = log.With().Str("stream_id", job.StreamID).Logger()
	}

	body, err := g.streams.Get(ctx, job.StreamID)
	if err != nil {
		if errors.Is(err, streams.ErrStreamNotFound) {
			logger.Debug().Msg("stream is gone, skipping generation")
			return nil
		}
		return err
	}
	switch body.Status {
	case streams.StatusDone, streams.StatusError:
		logger.Debug().Str("status", string(body.Status)).Msg("stream already terminal, skipping generation")
		return nil
	case streams.StatusStreaming:
		// a previous writer died mid-generation; its partial output cannot be resumed
		logger.Warn().Msg("stream was interrupted, failing it")
		return g.streams.Fail(ctx, job.StreamID, "generation interrupted")
	}

	anchor, err := g.store.GetMessageByStream(ctx, job.StreamID)
	if err != nil {
		if errors.Is(err, chatstore.ErrMessageNotFound) {
			logger.Debug().Msg("stream is no longer referenced, skipping generation")
			return g.streams.Finish(ctx, job.StreamID)
		}
		return err
	}

	model, err := g.modelFor(ctx, anchor)
	if err != nil {
		return err
	}
	r := &run{
		job:     job,
		anchor:  anchor,
		model:   model,
		started: g.now(),
		logger:  logger.With().Str("thread_id", anchor.ThreadID).Str("model", model).Logger(),
	}
	r.meta = events.EventMetadata{
		ID:       uuid.New(),
		StreamID: job.StreamID,
		ThreadID: anchor.ThreadID,
		Owner:    anchor.Owner,
		LLMInferenceData: events.LLMInferenceData{
			Model: model,
		},
	}

	switch {
	case g.routes.ImageModel != "" && model == g.routes.ImageModel:
		r.path = PathImage
		r.meta.Path = r.path
		return g.runImage(ctx, r)
	case anchor.IsSearching:
		r.path = PathSearch
		r.meta.Path = r.path
		searchModel, ok := g.routes.Search[model]
		if !ok || g.search == nil {
			err := errors.Wrapf(ErrUnsupportedSearchModel, "model %s", model)
			return g.fail(ctx, r, fmt.Sprintf("model %s does not support search grounding", model), err)
		}
		return g.runText(ctx, r, g.search, searchModel, g.searchCredential)
	default:
		r.path = PathText
		r.meta.Path = r.path
		route, ok := g.text.match(model)
		if !ok {
			err := errors.Wrapf(ErrNoRoute, "model %s", model)
			return g.fail(ctx, r, err.Error(), err)
		}
		return g.runText(ctx, r, route.Provider, model, route.Credential)
	}
}

// modelFor prefers the model recorded on the message, then the owner's
// current selection, then the configured default.
func (g *Gateway) modelFor(ctx context.Context, anchor *chatstore.Message) (string, error) {
	if anchor.Model != "" {
		return anchor.Model, nil
	}
	cfg, err := g.store.GetUserConfig(ctx, anchor.Owner)
	if err != nil && !errors.Is(err, chatstore.ErrUserConfigNotFound) {
		return "", err
	}
	if cfg != nil && cfg.CurrentModel != "" {
		return cfg.CurrentModel, nil
	}
	return g.routes.DefaultModel, nil
}

func (g *Gateway) apiKey(ctx context.Context, owner string, provider credentials.Provider) (string, error) {
	if provider == "" || g.credentials == nil {
		return "", nil
	}
	return g.credentials.Resolve(ctx, owner, provider)
}

// fail marks the stream errored with reason and reports err to the runner.
func (g *Gateway) fail(ctx context.Context, r *run, reason string, err error) error {
	r.logger.Warn().Err(err).Str("path", r.path).Msg("generation failed")
	if ferr := g.streams.Fail(context.WithoutCancel(ctx), r.job.StreamID, reason); ferr != nil && !errors.Is(ferr, streams.ErrStreamNotFound) {
		r.logger.Error().Err(ferr).Msg("could not mark stream failed")
	}
	events.PublishEventToContext(ctx, events.NewErrorEvent(r.meta, err))
	return err
}

func (g *Gateway) runText(ctx context.Context, r *run, provider providers.TextProvider, providerModel string, credential credentials.Provider) error {
	key, err := g.apiKey(ctx, r.anchor.Owner, credential)
	if err != nil {
		return g.fail(ctx, r, fmt.Sprintf("no API key configured for %s", credential), err)
	}
	history, err := g.history.AssembleUntil(ctx, r.anchor.ThreadID, r.job.StreamID)
	if err != nil {
		return g.fail(ctx, r, "could not load thread history", err)
	}

	events.PublishEventToContext(ctx, events.NewStartEvent(r.meta, r.path))
	r.logger.Debug().Str("path", r.path).Int("history", len(history)).Msg("starting generation")

	stream, err := provider.Stream(ctx, providers.Request{
		Model:    providerModel,
		Messages: history,
		APIKey:   key,
	})
	if err != nil {
		if ctx.Err() != nil {
			return g.interrupted(ctx, r)
		}
		return g.fail(ctx, r, err.Error(), err)
	}
	defer func() {
		_ = stream.Close()
	}()

	var (
		answer, reasoning string
		usage             *providers.Usage
		grounding         *providers.Grounding
		finishReason      string
	)
	for {
		part, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return g.interrupted(ctx, r)
			}
			return g.fail(ctx, r, err.Error(), err)
		}

		switch part.Kind {
		case providers.PartReasoning:
			if part.Text == "" {
				continue
			}
			if err := g.streams.Append(ctx, r.job.StreamID, streams.ChannelReasoning, part.Text); err != nil {
				return g.appendFailed(ctx, r, err)
			}
			reasoning += part.Text
			events.PublishEventToContext(ctx, events.NewThinkingPartialEvent(r.meta, part.Text, reasoning))
		case providers.PartText:
			if part.Text == "" {
				continue
			}
			if err := g.streams.Append(ctx, r.job.StreamID, streams.ChannelAnswer, part.Text); err != nil {
				return g.appendFailed(ctx, r, err)
			}
			answer += part.Text
			events.PublishEventToContext(ctx, events.NewPartialCompletionEvent(r.meta, part.Text, answer))
		case providers.PartFinish:
			if part.Usage != nil {
				usage = part.Usage
			}
			if part.Grounding != nil {
				grounding = part.Grounding
			}
			if part.FinishReason != "" {
				finishReason = part.FinishReason
			}
		}
	}
	if ctx.Err() != nil {
		return g.interrupted(ctx, r)
	}

	completion := chat.Completion{
		StreamID:     r.job.StreamID,
		Model:        r.model,
		Answer:       answer,
		Reasoning:    reasoning,
		Usage:        usage,
		PromptTokens: tokens.CountMessages(history),
		StartedAt:    r.started,
		FinishedAt:   g.now(),
		Grounding:    grounding,
		IsSearching:  r.anchor.IsSearching,
	}
	if finishReason != "" {
		r.meta.StopReason = &finishReason
	}
	return g.finalize(ctx, r, completion)
}

// appendFailed handles a buffer write error. A closed stream means a stop
// or a regeneration got there first.
func (g *Gateway) appendFailed(ctx context.Context, r *run, err error) error {
	if errors.Is(err, streams.ErrStreamClosed) || errors.Is(err, streams.ErrStreamNotFound) {
		return g.interrupted(ctx, r)
	}
	return g.fail(ctx, r, "could not write to stream", err)
}

func (g *Gateway) interrupted(ctx context.Context, r *run) error {
	r.logger.Debug().Msg("generation interrupted")
	events.PublishEventToContext(ctx, events.NewInterruptEvent(r.meta, "stopped"))
	return nil
}

// finalize persists the completion. Writes use a context detached from the
// job so a stop arriving now cannot leave a half-written result.
func (g *Gateway) finalize(ctx context.Context, r *run, c chat.Completion) error {
	wctx := context.WithoutCancel(ctx)
	won, err := g.finalizer.Finalize(wctx, c)
	if err != nil {
		return g.fail(ctx, r, "could not save the answer", err)
	}

	u := chat.ComputeUsage(c)
	durationMs := c.FinishedAt.Sub(c.StartedAt).Milliseconds()
	r.meta.Usage = &events.Usage{InputTokens: u.PromptTokens, OutputTokens: u.CompletionTokens}
	r.meta.DurationMs = &durationMs

	if !won {
		events.PublishEventToContext(ctx, events.NewInterruptEvent(r.meta, "stream closed before completion"))
		return nil
	}
	if c.Grounding != nil {
		queries, results := chat.FlattenGrounding(c.Grounding)
		citations := make([]events.Citation, 0, len(results))
		for _, res := range results {
			citations = append(citations, events.Citation{Text: res.Text, URI: res.URI, Title: res.Title, Confidence: res.Confidence})
		}
		events.PublishEventToContext(ctx, events.NewCitationEvent(r.meta, queries, citations))
	}
	events.PublishEventToContext(ctx, events.NewFinalEvent(r.meta, c.Answer))
	r.logger.Info().
		Str("path", r.path).
		Int("completion_tokens", u.CompletionTokens).
		Int64("duration_ms", durationMs).
		Msg("generation complete")
	return nil
}

// runImage generates one image for the prompt. Failures are logged and
// leave the stream pending.
func (g *Gateway) runImage(ctx context.Context, r *run) error {
	if g.image == nil || g.files == nil {
		return g.imageFailed(ctx, r, ErrImageUnavailable)
	}
	key, err := g.apiKey(ctx, r.anchor.Owner, g.imageCredential)
	if err != nil {
		return g.imageFailed(ctx, r, err)
	}
	events.PublishEventToContext(ctx, events.NewStartEvent(r.meta, r.path))

	img, err := g.image.Generate(ctx, providers.ImageRequest{
		Model:  r.model,
		Prompt: r.anchor.Content,
		APIKey: key,
	})
	if err != nil {
		if ctx.Err() != nil {
			return g.interrupted(ctx, r)
		}
		return g.imageFailed(ctx, r, err)
	}

	wctx := context.WithoutCancel(ctx)
	name := "image-" + r.job.StreamID + imageExtension(img.ContentType)
	id, err := g.files.Put(wctx, name, img.ContentType, img.Data)
	if err != nil {
		return g.imageFailed(ctx, r, errors.Wrap(err, "store image"))
	}
	attachment := &chatstore.Attachment{
		ID:          id,
		Owner:       r.anchor.Owner,
		Name:        name,
		Size:        int64(len(img.Data)),
		ContentType: img.ContentType,
		CreatedAt:   g.now().UTC(),
	}
	if err := g.store.PutAttachment(wctx, attachment); err != nil {
		return g.imageFailed(ctx, r, errors.Wrap(err, "record image attachment"))
	}
	events.PublishEventToContext(ctx, events.NewImageEvent(r.meta, id, img.ContentType, len(img.Data)))

	return g.finalize(ctx, r, chat.Completion{
		StreamID:    r.job.StreamID,
		Model:       r.model,
		Usage:       &providers.Usage{},
		StartedAt:   r.started,
		FinishedAt:  g.now(),
		Attachments: []chatstore.AttachmentRef{attachment.Ref()},
	})
}

func (g *Gateway) imageFailed(ctx context.Context, r *run, err error) error {
	r.logger.Warn().Err(err).Msg("image generation failed")
	events.PublishEventToContext(ctx, events.NewErrorEvent(r.meta, err))
	return err
}

func imageExtension(contentType string) string {
	switch contentType {
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	}
	if exts, err := mime.ExtensionsByType(contentType); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ""
}
