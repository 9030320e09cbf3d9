// Package api exposes the chat service over HTTP: the REST surface under
// /api, the streaming endpoint consumed while an answer is generated, the
// long-poll subscription on stream buffers and the file endpoints backing
// the local file storage.
package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/threadline/pkg/chat"
	"github.com/go-go-golems/threadline/pkg/credentials"
	"github.com/go-go-golems/threadline/pkg/files"
	"github.com/go-go-golems/threadline/pkg/identity"
	"github.com/go-go-golems/threadline/pkg/jobs"
	"github.com/go-go-golems/threadline/pkg/metrics"
	"github.com/go-go-golems/threadline/pkg/streams"
)

const defaultPollTimeout = 25 * time.Second

// Runner starts the generation job behind a stream when nothing runs it yet.
type Runner interface {
	Ensure(job jobs.Job) (*jobs.ExecutionHandle, error)
}

type Server struct {
	chat     *chat.Service
	streams  *streams.Service
	resolver identity.Resolver
	runner   Runner

	files       *files.Local
	keys        *credentials.UserKeys
	metrics     *metrics.Metrics
	limiter     *limiterPool
	pollTimeout time.Duration
}

type Option func(*Server)

// WithLocalFiles serves uploads and downloads for the local file storage.
func WithLocalFiles(l *files.Local) Option {
	return func(s *Server) {
		s.files = l
	}
}

// WithUserKeys lets identities register their own provider keys.
func WithUserKeys(keys *credentials.UserKeys) Option {
	return func(s *Server) {
		s.keys = keys
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithRateLimit bounds the requests per identity. Non-positive values fall
// back to 5 requests per second with a burst of 10.
func WithRateLimit(rps float64, burst int) Option {
	return func(s *Server) {
		s.limiter = &limiterPool{rps: rps, burst: burst}
	}
}

func WithPollTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.pollTimeout = d
		}
	}
}

func NewServer(chatService *chat.Service, resolver identity.Resolver, runner Runner, options ...Option) *Server {
	s := &Server{
		chat:        chatService,
		streams:     chatService.Streams(),
		resolver:    resolver,
		runner:      runner,
		limiter:     &limiterPool{},
		pollTimeout: defaultPollTimeout,
	}
	for _, o := range options {
		o(s)
	}
	return s
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	if s.metrics != nil {
		r.Use(s.instrument)
		r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	}
	r.HandleFunc("/healthz", healthz).Methods(http.MethodGet)

	// the stream endpoints authenticate themselves so CORS preflights pass
	r.HandleFunc("/chat-stream", s.chatStreamPreflight).Methods(http.MethodOptions)
	r.HandleFunc("/chat-stream", s.chatStream).Methods(http.MethodPost)
	r.HandleFunc("/streams/{id}", s.pollStream).Methods(http.MethodGet)

	if s.files != nil {
		r.HandleFunc("/files/upload/{token}", s.uploadFile).Methods(http.MethodPost)
		r.HandleFunc("/files/{id}", s.downloadFile).Methods(http.MethodGet)
	}

	a := r.PathPrefix("/api").Subrouter()
	a.Use(s.authenticate, s.rateLimit)
	s.registerThreads(a)
	s.registerConfig(a)
	if s.keys != nil {
		s.registerKeys(a)
	}

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeErrorMessage(w, http.StatusNotFound, "not found")
	})
	return r
}

func healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// instrument labels request metrics with the route template so ids do not
// blow up the label cardinality.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := "unknown"
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		s.metrics.Middleware(route, next).ServeHTTP(w, r)
	})
}

func (s *Server) resolve(r *http.Request) (identity.Identity, error) {
	return s.resolver.Resolve(r.Context(), r.URL.Query().Get("sessionId"), bearerToken(r))
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		who, err := s.resolve(r)
		if err != nil {
			log.Debug().Err(err).Str("path", r.URL.Path).Msg("request not authenticated")
			writeError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(identity.WithIdentity(r.Context(), who)))
	})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		who, _ := identity.FromContext(r.Context())
		if !s.limiter.Allow(who.ID) {
			log.Warn().Str("identity", who.ID).Str("path", r.URL.Path).Msg("rate limited")
			writeError(w, errRateLimited)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func caller(r *http.Request) identity.Identity {
	who, _ := identity.FromContext(r.Context())
	return who
}
