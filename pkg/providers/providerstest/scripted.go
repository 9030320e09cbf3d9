// Package providerstest holds scripted providers for tests.
package providerstest

import (
	"context"
	"io"
	"sync"

	"github.com/go-go-golems/threadline/pkg/providers"
)

// Scripted replays Parts for every call. When Gate is set, each part after
// the first GateAfter parts waits for a value on Gate (or for cancellation).
type Scripted struct {
	Parts     []providers.Part
	Err       error
	StreamErr error
	Gate      chan struct{}
	GateAfter int

	mu       sync.Mutex
	requests []providers.Request
}

var _ providers.TextProvider = &Scripted{}

func (s *Scripted) Stream(ctx context.Context, req providers.Request) (providers.PartStream, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()
	if s.StreamErr != nil {
		return nil, s.StreamErr
	}
	return &scriptedStream{ctx: ctx, s: s}, nil
}

func (s *Scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func (s *Scripted) Requests() []providers.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]providers.Request(nil), s.requests...)
}

type scriptedStream struct {
	ctx context.Context
	s   *Scripted
	pos int
}

func (st *scriptedStream) Recv() (providers.Part, error) {
	if err := st.ctx.Err(); err != nil {
		return providers.Part{}, err
	}
	if st.pos >= len(st.s.Parts) {
		if st.s.Err != nil {
			return providers.Part{}, st.s.Err
		}
		return providers.Part{}, io.EOF
	}
	if st.s.Gate != nil && st.pos >= st.s.GateAfter {
		select {
		case <-st.s.Gate:
		case <-st.ctx.Done():
			return providers.Part{}, st.ctx.Err()
		}
	}
	p := st.s.Parts[st.pos]
	st.pos++
	return p, nil
}

func (st *scriptedStream) Close() error {
	return nil
}

// Text is a shorthand for a stream of answer parts followed by a finish part.
func Text(chunks ...string) []providers.Part {
	ret := []providers.Part{}
	for _, c := range chunks {
		ret = append(ret, providers.Part{Kind: providers.PartText, Text: c})
	}
	return append(ret, providers.Part{Kind: providers.PartFinish, FinishReason: "stop"})
}

// Images returns a fixed image or error and counts calls.
type Images struct {
	Image *providers.Image
	Err   error

	mu    sync.Mutex
	calls int
}

var _ providers.ImageProvider = &Images{}

func (i *Images) Generate(_ context.Context, _ providers.ImageRequest) (*providers.Image, error) {
	i.mu.Lock()
	i.calls++
	i.mu.Unlock()
	return i.Image, i.Err
}

func (i *Images) Calls() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.calls
}
