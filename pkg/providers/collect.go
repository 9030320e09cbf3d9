package providers

import (
	"context"
	"io"
	"strings"
)

// Collect drains a stream and returns the concatenated answer text.
func Collect(ctx context.Context, p TextProvider, req Request) (string, error) {
	stream, err := p.Stream(ctx, req)
	if err != nil {
		return "", err
	}
	defer stream.Close()

	var sb strings.Builder
	for {
		part, err := stream.Recv()
		if err == io.EOF {
			return sb.String(), nil
		}
		if err != nil {
			return sb.String(), err
		}
		if part.Kind == PartText {
			sb.WriteString(part.Text)
		}
	}
}

// SliceStream replays a fixed list of parts.
type SliceStream struct {
	Parts []Part
	Err   error
	pos   int
}

func (s *SliceStream) Recv() (Part, error) {
	if s.pos >= len(s.Parts) {
		if s.Err != nil {
			return Part{}, s.Err
		}
		return Part{}, io.EOF
	}
	p := s.Parts[s.pos]
	s.pos++
	return p, nil
}

func (s *SliceStream) Close() error {
	return nil
}
