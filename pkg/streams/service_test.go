package streams

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func forEachBackend(t *testing.T, fn func(t *testing.T, s *Service)) {
	backends := map[string]func(t *testing.T) Backend{
		"memory": func(t *testing.T) Backend { return NewMemoryBackend() },
		"pebble": func(t *testing.T) Backend {
			b, err := OpenPebbleBackend(filepath.Join(t.TempDir(), "streams"))
			require.NoError(t, err)
			return b
		},
	}
	for name, mk := range backends {
		mk := mk
		t.Run(name, func(t *testing.T) {
			s := NewService(mk(t), nil)
			t.Cleanup(func() { _ = s.Close() })
			fn(t, s)
		})
	}
}

func TestStreamLifecycle(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *Service) {
		ctx := context.Background()
		id, err := s.Create(ctx)
		require.NoError(t, err)

		body, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, StatusPending, body.Status)
		assert.Equal(t, "", body.Tagged())

		require.NoError(t, s.Append(ctx, id, ChannelReasoning, "thinking"))
		require.NoError(t, s.Append(ctx, id, ChannelReasoning, " hard"))
		require.NoError(t, s.Append(ctx, id, ChannelAnswer, "Hi"))
		require.NoError(t, s.Append(ctx, id, ChannelAnswer, " there"))

		body, err = s.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, StatusStreaming, body.Status)
		assert.Equal(t, "<reasoning>thinking hard</reasoning>Hi there", body.Tagged())
		assert.Equal(t, "Hi there", body.Answer())
		assert.Equal(t, "thinking hard", body.Reasoning())

		require.NoError(t, s.Finish(ctx, id))
		require.NoError(t, s.Fail(ctx, id, "too late"), "terminal streams ignore further status changes")
		body, err = s.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, StatusDone, body.Status)
		assert.Empty(t, body.Error)

		err = s.Append(ctx, id, ChannelAnswer, "more")
		assert.True(t, errors.Is(err, ErrStreamClosed))

		_, err = s.Get(ctx, "missing")
		assert.True(t, errors.Is(err, ErrStreamNotFound))
	})
}

func TestStreamFailKeepsPartialText(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *Service) {
		ctx := context.Background()
		id, err := s.Create(ctx)
		require.NoError(t, err)
		require.NoError(t, s.Append(ctx, id, ChannelAnswer, "partial"))
		require.NoError(t, s.Fail(ctx, id, "provider exploded"))

		body, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, StatusError, body.Status)
		assert.Equal(t, "provider exploded", body.Error)
		assert.Equal(t, "partial", body.Answer())
	})
}

func TestStreamReadersSeeGrowingPrefix(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *Service) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		id, err := s.Create(ctx)
		require.NoError(t, err)

		words := []string{"one ", "two ", "three ", "four"}
		var wg sync.WaitGroup
		seen := make([][]string, 3)
		for r := range seen {
			wg.Add(1)
			go func(r int) {
				defer wg.Done()
				updates, err := s.Watch(ctx, id)
				if !assert.NoError(t, err) {
					return
				}
				for body := range updates {
					seen[r] = append(seen[r], body.Tagged())
				}
			}(r)
		}

		for _, w := range words {
			require.NoError(t, s.Append(ctx, id, ChannelAnswer, w))
		}
		require.NoError(t, s.Finish(ctx, id))
		wg.Wait()

		for _, snapshots := range seen {
			require.NotEmpty(t, snapshots)
			assert.Equal(t, "one two three four", snapshots[len(snapshots)-1])
			for i := 1; i < len(snapshots); i++ {
				assert.True(t, strings.HasPrefix(snapshots[i], snapshots[i-1]))
			}
		}
	})
}

func TestStreamWaitTimesOutWithSnapshot(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *Service) {
		id, err := s.Create(context.Background())
		require.NoError(t, err)
		require.NoError(t, s.Append(context.Background(), id, ChannelAnswer, "x"))

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		body, err := s.Wait(ctx, id, 1)
		assert.True(t, errors.Is(err, context.DeadlineExceeded))
		require.NotNil(t, body)
		assert.Equal(t, int64(1), body.Revision)
	})
}

func TestPurgeTerminalBefore(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := now
	s := NewService(NewMemoryBackend(), nil, WithClock(func() time.Time { return clock }))
	defer s.Close()
	ctx := context.Background()

	old, err := s.Create(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Finish(ctx, old))
	open, err := s.Create(ctx)
	require.NoError(t, err)

	clock = now.Add(48 * time.Hour)
	fresh, err := s.Create(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Finish(ctx, fresh))

	n, err := s.PurgeTerminalBefore(ctx, now.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.Get(ctx, old)
	assert.True(t, errors.Is(err, ErrStreamNotFound))
	_, err = s.Get(ctx, open)
	assert.NoError(t, err, "non-terminal streams are never purged")
	_, err = s.Get(ctx, fresh)
	assert.NoError(t, err)
}

func TestSplitTagged(t *testing.T) {
	r, a := SplitTagged("<reasoning>plan</reasoning>answer")
	assert.Equal(t, "plan", r)
	assert.Equal(t, "answer", a)

	r, a = SplitTagged("<reasoning>still thinking")
	assert.Equal(t, "still thinking", r)
	assert.Equal(t, "", a)

	r, a = SplitTagged("plain")
	assert.Equal(t, "", r)
	assert.Equal(t, "plain", a)
}
