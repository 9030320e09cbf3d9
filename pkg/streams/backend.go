package streams

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

var (
	ErrStreamNotFound = errors.New("stream not found")
	ErrStreamExists   = errors.New("stream already exists")
	ErrStreamClosed   = errors.New("stream is closed")
)

// Backend stores stream headers and their append-only chunk logs.
// Callers serialize writes per stream.
type Backend interface {
	CreateStream(ctx context.Context, meta *Meta) error
	LoadMeta(ctx context.Context, id string) (*Meta, error)
	SaveMeta(ctx context.Context, meta *Meta) error
	// AppendChunk stores chunk number meta.Chunks-1 together with meta.
	AppendChunk(ctx context.Context, meta *Meta, chunk Chunk) error
	LoadChunks(ctx context.Context, id string, count int) ([]Chunk, error)
	DeleteStream(ctx context.Context, id string) error
	ListStreams(ctx context.Context, fn func(*Meta) error) error
	Close() error
}

type memoryStream struct {
	meta   Meta
	chunks []Chunk
}

// MemoryBackend keeps streams in process memory.
type MemoryBackend struct {
	mu      sync.RWMutex
	streams map[string]*memoryStream
}

var _ Backend = &MemoryBackend{}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{streams: map[string]*memoryStream{}}
}

func (m *MemoryBackend) CreateStream(_ context.Context, meta *Meta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.streams[meta.ID]; ok {
		return ErrStreamExists
	}
	m.streams[meta.ID] = &memoryStream{meta: *meta}
	return nil
}

func (m *MemoryBackend) LoadMeta(_ context.Context, id string) (*Meta, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.streams[id]
	if !ok {
		return nil, ErrStreamNotFound
	}
	meta := s.meta
	return &meta, nil
}

func (m *MemoryBackend) SaveMeta(_ context.Context, meta *Meta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streams[meta.ID]
	if !ok {
		return ErrStreamNotFound
	}
	s.meta = *meta
	return nil
}

func (m *MemoryBackend) AppendChunk(_ context.Context, meta *Meta, chunk Chunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streams[meta.ID]
	if !ok {
		return ErrStreamNotFound
	}
	s.chunks = append(s.chunks, chunk)
	s.meta = *meta
	return nil
}

func (m *MemoryBackend) LoadChunks(_ context.Context, id string, count int) ([]Chunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.streams[id]
	if !ok {
		return nil, ErrStreamNotFound
	}
	if count > len(s.chunks) {
		count = len(s.chunks)
	}
	ret := make([]Chunk, count)
	copy(ret, s.chunks[:count])
	return ret, nil
}

func (m *MemoryBackend) DeleteStream(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.streams, id)
	return nil
}

func (m *MemoryBackend) ListStreams(_ context.Context, fn func(*Meta) error) error {
	m.mu.RLock()
	metas := make([]Meta, 0, len(m.streams))
	for _, s := range m.streams {
		metas = append(metas, s.meta)
	}
	m.mu.RUnlock()
	for i := range metas {
		if err := fn(&metas[i]); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryBackend) Close() error {
	return nil
}
