package cmds

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/threadline/pkg/api"
	"github.com/go-go-golems/threadline/pkg/chat"
	"github.com/go-go-golems/threadline/pkg/chatstore"
	"github.com/go-go-golems/threadline/pkg/config"
	"github.com/go-go-golems/threadline/pkg/credentials"
	"github.com/go-go-golems/threadline/pkg/dispatch"
	"github.com/go-go-golems/threadline/pkg/events"
	"github.com/go-go-golems/threadline/pkg/files"
	"github.com/go-go-golems/threadline/pkg/helpers"
	"github.com/go-go-golems/threadline/pkg/identity"
	"github.com/go-go-golems/threadline/pkg/jobs"
	"github.com/go-go-golems/threadline/pkg/metrics"
	"github.com/go-go-golems/threadline/pkg/providers/gemini"
	"github.com/go-go-golems/threadline/pkg/providers/ollama"
	"github.com/go-go-golems/threadline/pkg/providers/openai"
	"github.com/go-go-golems/threadline/pkg/retention"
	"github.com/go-go-golems/threadline/pkg/streams"
)

const shutdownTimeout = 10 * time.Second

func openStore(s config.Store) (chatstore.Store, error) {
	switch s.Driver {
	case "memory":
		return chatstore.NewMemoryStore(), nil
	default:
		return chatstore.NewSQLiteStore(s.Path)
	}
}

func openStreams(s config.Streams) (*streams.Service, error) {
	var backend streams.Backend
	switch s.Backend {
	case "memory":
		backend = streams.NewMemoryBackend()
	default:
		b, err := streams.OpenPebbleBackend(s.Path)
		if err != nil {
			return nil, err
		}
		backend = b
	}
	return streams.NewService(backend, helpers.NewWatermill(log.Logger, helpers.WithQuietTopics(streams.TopicPrefix))), nil
}

// app holds every long lived component of the server.
type app struct {
	settings  *config.Settings
	store     chatstore.Store
	streams   *streams.Service
	router    *events.EventRouter
	runner    *jobs.Runner
	retention *retention.Scheduler
	server    *http.Server
}

func newApp(settings *config.Settings) (*app, error) {
	resolver, err := identity.NewHMACResolver(settings.Identity.Secrets...)
	if err != nil {
		return nil, errors.Wrap(err, "identity.secrets")
	}

	a := &app{settings: settings}
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	a.store, err = openStore(settings.Store)
	if err != nil {
		return nil, err
	}
	a.streams, err = openStreams(settings.Streams)
	if err != nil {
		return nil, err
	}
	local, err := files.NewLocal(settings.Files.Dir, settings.HTTP.BaseURL)
	if err != nil {
		return nil, err
	}

	a.router, err = events.NewEventRouter(
		events.WithLogger(helpers.NewWatermill(log.Logger)),
		events.WithVerbose(settings.Verbose),
	)
	if err != nil {
		return nil, err
	}
	m := metrics.New()
	a.router.AddHandler("events.log", events.TopicGeneration, a.router.LogEvents)
	a.router.AddHandler("events.metrics", events.TopicGeneration, m.HandleEvent)

	userKeys := credentials.NewUserKeys()
	creds := credentials.Chain{userKeys, settings.SharedKeys()}

	openRouter := openai.NewProvider(string(credentials.ProviderOpenRouter), settings.Providers.OpenRouterBaseURL)
	ollamaProvider, err := ollama.NewProvider()
	if err != nil {
		return nil, err
	}
	gateway := dispatch.NewGateway(a.store, a.streams, creds, settings.DispatchRoutes(),
		dispatch.WithTextRoute(dispatch.TextRoute{Provider: openRouter, Credential: credentials.ProviderOpenRouter}),
		dispatch.WithTextRoute(dispatch.TextRoute{Prefix: ollama.ModelPrefix, Provider: ollamaProvider}),
		dispatch.WithSearchProvider(gemini.NewSearchProvider(settings.Providers.GeminiBaseURL), credentials.ProviderGoogle),
		dispatch.WithImageProvider(
			openai.NewImageProvider(string(credentials.ProviderOpenAI), settings.Providers.OpenAIBaseURL),
			credentials.ProviderOpenAI,
		),
		dispatch.WithFiles(local),
		dispatch.WithEventSinks(events.NewWatermillSink(a.router.Publisher, events.TopicGeneration)),
	)
	titles := chat.NewTitleGenerator(a.store, openRouter, creds, credentials.ProviderOpenRouter, settings.Title.Model)

	a.runner = jobs.NewRunner(a.router,
		jobs.WithMaxConcurrent(settings.Jobs.MaxConcurrent),
		jobs.WithHandler(jobs.KindGeneration, gateway),
		jobs.WithHandler(jobs.KindTitle, titles),
	)
	m.RegisterRunningJobs(a.runner.Running)

	svc := chat.NewService(a.store, a.streams, a.runner, settings.Routes.DefaultModel, chat.WithFiles(local))
	server := api.NewServer(svc, resolver, a.runner,
		api.WithLocalFiles(local),
		api.WithUserKeys(userKeys),
		api.WithMetrics(m),
		api.WithRateLimit(settings.HTTP.RateLimit.RPS, settings.HTTP.RateLimit.Burst),
		api.WithPollTimeout(settings.HTTP.PollTimeout),
	)
	a.server = &http.Server{
		Addr:              settings.HTTP.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if settings.Retention.Enabled {
		a.retention, err = retention.NewScheduler(a.streams, settings.Retention)
		if err != nil {
			return nil, err
		}
	}

	ok = true
	return a, nil
}

// run serves until ctx ends or a component fails, then shuts everything down.
func (a *app) run(ctx context.Context) error {
	defer a.close()

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return a.router.Run(ctx)
	})
	eg.Go(func() error {
		// jobs published before the router runs would block
		select {
		case <-a.router.Running():
		case <-ctx.Done():
			return nil
		}
		log.Info().Str("addr", a.settings.HTTP.Addr).Msg("serving")
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "http server")
		}
		return nil
	})
	eg.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("http server shutdown")
		}
		return a.runner.Close()
	})
	if a.retention != nil {
		eg.Go(func() error {
			return a.retention.Run(ctx)
		})
	}
	return eg.Wait()
}

func (a *app) close() {
	if a.runner != nil {
		_ = a.runner.Close()
	}
	if a.router != nil {
		if err := a.router.Close(); err != nil {
			log.Warn().Err(err).Msg("close event router")
		}
	}
	if a.streams != nil {
		if err := a.streams.Close(); err != nil {
			log.Warn().Err(err).Msg("close stream buffer")
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			log.Warn().Err(err).Msg("close chat store")
		}
	}
}
