package streams

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// TopicPrefix starts the name of the topic each stream notifies readers on.
const TopicPrefix = "streams."

func topicFor(id string) string {
	return TopicPrefix + id
}

// Service is the resumable stream buffer. A stream has one writer (the
// generation job bound to it) and any number of readers, which can attach at
// any time and always read a consistent prefix of what was written.
//
// Change notifications are published on a per-stream watermill topic. They
// only wake readers up; the body is always re-read from the backend.
type Service struct {
	backend Backend
	pubsub  *gochannel.GoChannel
	locks   keyedMutex
	now     func() time.Time
}

type ServiceOption func(*Service)

func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		s.now = now
	}
}

func NewService(backend Backend, logger watermill.LoggerAdapter, options ...ServiceOption) *Service {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	s := &Service{
		backend: backend,
		pubsub:  gochannel.NewGoChannel(gochannel.Config{}, logger),
		locks:   keyedMutex{locks: map[string]*refLock{}},
		now:     time.Now,
	}
	for _, o := range options {
		o(s)
	}
	return s
}

// Create mints a new empty stream in the pending state.
func (s *Service) Create(ctx context.Context) (string, error) {
	id := uuid.NewString()
	now := s.now().UTC()
	meta := &Meta{
		ID:        id,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.backend.CreateStream(ctx, meta); err != nil {
		return "", errors.Wrap(err, "create stream")
	}
	return id, nil
}

// Append adds text to one of the stream's channels and moves a pending
// stream to streaming.
func (s *Service) Append(ctx context.Context, id string, ch Channel, text string) error {
	if text == "" {
		return nil
	}
	unlock := s.locks.Lock(id)
	defer unlock()

	meta, err := s.backend.LoadMeta(ctx, id)
	if err != nil {
		return err
	}
	if meta.Status.Terminal() {
		return ErrStreamClosed
	}
	meta.Status = StatusStreaming
	meta.Chunks++
	meta.Revision++
	meta.UpdatedAt = s.now().UTC()
	if err := s.backend.AppendChunk(ctx, meta, Chunk{Channel: ch, Text: text}); err != nil {
		return err
	}
	s.notify(meta)
	return nil
}

// Finish marks the stream done. Finishing a terminal stream is a no-op.
func (s *Service) Finish(ctx context.Context, id string) error {
	return s.terminate(ctx, id, StatusDone, "")
}

// Fail marks the stream errored with reason. Failing a terminal stream is a no-op.
func (s *Service) Fail(ctx context.Context, id string, reason string) error {
	return s.terminate(ctx, id, StatusError, reason)
}

func (s *Service) terminate(ctx context.Context, id string, status Status, reason string) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	meta, err := s.backend.LoadMeta(ctx, id)
	if err != nil {
		return err
	}
	if meta.Status.Terminal() {
		return nil
	}
	meta.Status = status
	meta.Error = reason
	meta.Revision++
	meta.UpdatedAt = s.now().UTC()
	if err := s.backend.SaveMeta(ctx, meta); err != nil {
		return err
	}
	s.notify(meta)
	return nil
}

func (s *Service) notify(meta *Meta) {
	msg := message.NewMessage(watermill.NewUUID(), []byte(strconv.FormatInt(meta.Revision, 10)))
	if err := s.pubsub.Publish(topicFor(meta.ID), msg); err != nil {
		log.Warn().Err(err).Str("stream_id", meta.ID).Msg("failed to publish stream notification")
	}
}

// Get returns a consistent snapshot of the stream.
func (s *Service) Get(ctx context.Context, id string) (*Body, error) {
	meta, err := s.backend.LoadMeta(ctx, id)
	if err != nil {
		return nil, err
	}
	chunks, err := s.backend.LoadChunks(ctx, id, meta.Chunks)
	if err != nil {
		return nil, err
	}
	return &Body{Meta: *meta, Parts: chunks}, nil
}

// Wait blocks until the stream's revision is greater than after or the
// stream is terminal. When ctx ends first, the latest snapshot is returned
// together with the context error.
func (s *Service) Wait(ctx context.Context, id string, after int64) (*Body, error) {
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// subscribe before reading so no change between the read and the wait is lost
	notifications, err := s.pubsub.Subscribe(subCtx, topicFor(id))
	if err != nil {
		return nil, errors.Wrap(err, "subscribe to stream")
	}

	for {
		body, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if body.Revision > after || body.Status.Terminal() {
			return body, nil
		}
		select {
		case <-ctx.Done():
			return body, ctx.Err()
		case msg, ok := <-notifications:
			if !ok {
				return body, ctx.Err()
			}
			msg.Ack()
		}
	}
}

// Watch delivers successive snapshots until the stream is terminal or ctx ends.
// The channel is closed afterwards.
func (s *Service) Watch(ctx context.Context, id string) (<-chan *Body, error) {
	first, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	out := make(chan *Body)
	go func() {
		defer close(out)
		body := first
		for {
			select {
			case out <- body:
			case <-ctx.Done():
				return
			}
			if body.Status.Terminal() {
				return
			}
			next, err := s.Wait(ctx, id, body.Revision)
			if err != nil {
				if ctx.Err() == nil {
					log.Warn().Err(err).Str("stream_id", id).Msg("stream watch aborted")
				}
				return
			}
			body = next
		}
	}()
	return out, nil
}

func (s *Service) Delete(ctx context.Context, id string) error {
	unlock := s.locks.Lock(id)
	defer unlock()
	return s.backend.DeleteStream(ctx, id)
}

// PurgeTerminalBefore deletes terminal streams last updated before cutoff.
func (s *Service) PurgeTerminalBefore(ctx context.Context, cutoff time.Time) (int, error) {
	ids := []string{}
	err := s.backend.ListStreams(ctx, func(meta *Meta) error {
		if meta.Status.Terminal() && meta.UpdatedAt.Before(cutoff) {
			ids = append(ids, meta.ID)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	for i, id := range ids {
		if err := s.Delete(ctx, id); err != nil {
			return i, err
		}
	}
	return len(ids), nil
}

func (s *Service) Close() error {
	perr := s.pubsub.Close()
	berr := s.backend.Close()
	if perr != nil {
		return perr
	}
	return berr
}

type refLock struct {
	sync.Mutex
	refs int
}

type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &refLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
