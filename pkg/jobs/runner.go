// Package jobs runs background work (generations and title jobs) outside of
// the request that scheduled it.
package jobs

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/go-go-golems/threadline/pkg/events"
	"github.com/go-go-golems/threadline/pkg/helpers"
)

type Kind string

const (
	KindGeneration Kind = "generation"
	KindTitle      Kind = "title"
)

const (
	TopicGenerationRequested = "generation.requested"
	TopicThreadTitle         = "thread.title"
)

func topicFor(kind Kind) string {
	if kind == KindTitle {
		return TopicThreadTitle
	}
	return TopicGenerationRequested
}

var (
	ErrAlreadyRunning = errors.New("job already running")
	ErrNoHandler      = errors.New("no handler registered for job kind")
	ErrRunnerClosed   = errors.New("runner is closed")
)

type Job struct {
	Kind     Kind   `json:"kind"`
	StreamID string `json:"streamId,omitempty"`
	ThreadID string `json:"threadId"`
	Owner    string `json:"owner"`
	Prompt   string `json:"prompt,omitempty"`
}

// Key identifies the single handle a job may own. A generation is keyed by
// its stream, a title job by its thread.
func (j Job) Key() string {
	if j.Kind == KindTitle {
		return "title/" + j.ThreadID
	}
	return "stream/" + j.StreamID
}

type Handler interface {
	Handle(ctx context.Context, job Job) error
}

type HandlerFunc func(ctx context.Context, job Job) error

func (f HandlerFunc) Handle(ctx context.Context, job Job) error {
	return f(ctx, job)
}

// Runner executes jobs with at most MaxConcurrent of them running at once.
// Jobs are scheduled by publishing them on the event router; a router
// handler then starts them. Each running job owns an ExecutionHandle keyed
// by Job.Key, and a second job with the same key is refused.
type Runner struct {
	router   *events.EventRouter
	handlers map[Kind]Handler
	sem      *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	running map[string]*ExecutionHandle
	closed  bool
	wg      sync.WaitGroup
}

type RunnerOption func(*Runner)

func WithHandler(kind Kind, h Handler) RunnerOption {
	return func(r *Runner) {
		r.handlers[kind] = h
	}
}

func WithMaxConcurrent(n int64) RunnerOption {
	return func(r *Runner) {
		if n > 0 {
			r.sem = semaphore.NewWeighted(n)
		}
	}
}

func NewRunner(router *events.EventRouter, options ...RunnerOption) *Runner {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runner{
		router:   router,
		handlers: map[Kind]Handler{},
		sem:      semaphore.NewWeighted(16),
		ctx:      ctx,
		cancel:   cancel,
		running:  map[string]*ExecutionHandle{},
	}
	for _, o := range options {
		o(r)
	}
	router.AddHandler("jobs.generation", TopicGenerationRequested, r.handleMessage)
	router.AddHandler("jobs.title", TopicThreadTitle, r.handleMessage)
	return r
}

// SetHandler registers h after construction, for handlers that themselves
// need the runner.
func (r *Runner) SetHandler(kind Kind, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = h
}

// Schedule publishes job. It returns once the job has been handed to the
// runner, not when it is done.
func (r *Runner) Schedule(ctx context.Context, job Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return errors.Wrap(err, "marshal job")
	}
	select {
	case <-r.router.Running():
	case <-ctx.Done():
		return ctx.Err()
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.SetContext(ctx)
	if err := r.router.Publisher.Publish(topicFor(job.Kind), msg); err != nil {
		return errors.Wrapf(err, "publish %s job", job.Kind)
	}
	return nil
}

func (r *Runner) handleMessage(msg *message.Message) error {
	defer msg.Ack()

	var job Job
	if err := json.Unmarshal(msg.Payload, &job); err != nil {
		log.Error().Err(err).Str("message_id", msg.UUID).Msg("could not decode job")
		return nil
	}
	correlationID := msg.Metadata.Get(helpers.CorrelationIDMetadataKey)
	_, err := r.start(job, correlationID)
	switch {
	case err == nil:
	case errors.Is(err, ErrAlreadyRunning):
		log.Debug().Str("job", job.Key()).Msg("job already running, ignoring duplicate")
	default:
		log.Error().Err(err).Str("job", job.Key()).Msg("could not start job")
	}
	return nil
}

// Start runs job right away unless a job with the same key is running.
func (r *Runner) Start(job Job) (*ExecutionHandle, error) {
	return r.start(job, helpers.NewCorrelationID())
}

// Ensure starts job unless it is already running, and returns the handle
// of whichever execution is current.
func (r *Runner) Ensure(job Job) (*ExecutionHandle, error) {
	h, err := r.Start(job)
	if errors.Is(err, ErrAlreadyRunning) {
		if current := r.Handle(job.Key()); current != nil {
			return current, nil
		}
		// finished between the two calls
		return r.Start(job)
	}
	return h, err
}

func (r *Runner) start(job Job, correlationID string) (*ExecutionHandle, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRunnerClosed
	}
	handler, ok := r.handlers[job.Kind]
	if !ok {
		r.mu.Unlock()
		return nil, errors.Wrapf(ErrNoHandler, "kind %s", job.Kind)
	}
	key := job.Key()
	if h, ok := r.running[key]; ok && h.IsRunning() {
		r.mu.Unlock()
		return nil, errors.Wrapf(ErrAlreadyRunning, "%s", key)
	}

	logger := log.With().
		Str("job", key).
		Str("thread_id", job.ThreadID).
		Str("correlation_id", correlationID).
		Logger()
	ctx := logger.WithContext(helpers.ContextWithCorrelationID(r.ctx, correlationID))
	ctx, cancel := context.WithCancel(ctx)
	h := newExecutionHandle(job, cancel)
	r.running[key] = h
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		var err error
		defer func() {
			if p := recover(); p != nil {
				err = errors.Errorf("job panicked: %v", p)
				logger.Error().Err(err).Msg("job panicked")
			}
			cancel()
			r.mu.Lock()
			if r.running[key] == h {
				delete(r.running, key)
			}
			r.mu.Unlock()
			h.setResult(err)
		}()

		if aerr := r.sem.Acquire(ctx, 1); aerr != nil {
			logger.Debug().Err(aerr).Msg("job cancelled before it started")
			return
		}
		defer r.sem.Release(1)

		logger.Debug().Msg("job started")
		err = handler.Handle(ctx, job)
		switch {
		case err == nil:
			logger.Debug().Msg("job finished")
		case ctx.Err() != nil:
			// cancellation is how stop and delete end a job
			logger.Debug().Err(err).Msg("job cancelled")
			err = nil
		default:
			logger.Warn().Err(err).Msg("job failed")
		}
	}()

	return h, nil
}

func (r *Runner) Handle(key string) *ExecutionHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running[key]
}

func (r *Runner) IsRunning(key string) bool {
	return r.Handle(key).IsRunning()
}

// Cancel cancels the job with the given key, if any, and reports whether one was running.
func (r *Runner) Cancel(key string) bool {
	h := r.Handle(key)
	if h == nil {
		return false
	}
	h.Cancel()
	return true
}

// Wait blocks until the job with key is done. It returns nil when no such job runs.
func (r *Runner) Wait(key string) error {
	h := r.Handle(key)
	if h == nil {
		return nil
	}
	return h.Wait()
}

func (r *Runner) Running() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.running)
}

// Close cancels every job and waits for them to return.
func (r *Runner) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.cancel()
	r.wg.Wait()
	return nil
}
