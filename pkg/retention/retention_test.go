package retention

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/threadline/pkg/streams"
)

type fakePurger struct {
	cutoffs []time.Time
	err     error
}

func (f *fakePurger) PurgeTerminalBefore(_ context.Context, cutoff time.Time) (int, error) {
	f.cutoffs = append(f.cutoffs, cutoff)
	return 2, f.err
}

func TestNewSchedulerValidates(t *testing.T) {
	_, err := NewScheduler(&fakePurger{}, Config{Cron: "not a cron", MaxAge: time.Hour})
	assert.True(t, errors.Is(err, ErrInvalidCron))

	_, err = NewScheduler(&fakePurger{}, Config{MaxAge: 0})
	assert.Error(t, err)

	s, err := NewScheduler(&fakePurger{}, Config{MaxAge: time.Hour})
	require.NoError(t, err)
	assert.Equal(t, DefaultCron, s.cron)
}

func TestRunOnceUsesMaxAge(t *testing.T) {
	p := &fakePurger{}
	s, err := NewScheduler(p, Config{MaxAge: 24 * time.Hour})
	require.NoError(t, err)
	now := time.Date(2025, 3, 2, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	n, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.Len(t, p.cutoffs, 1)
	assert.Equal(t, now.Add(-24*time.Hour), p.cutoffs[0])

	p.err = errors.New("disk full")
	_, err = s.RunOnce(context.Background())
	assert.Error(t, err)
}

func TestNextRun(t *testing.T) {
	s, err := NewScheduler(&fakePurger{}, Config{Cron: "0 3 * * *", MaxAge: time.Hour})
	require.NoError(t, err)
	next, err := s.NextRun(time.Date(2025, 3, 2, 12, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 3, 3, 3, 0, 0, 0, time.UTC), next)
}

func TestRunOncePurgesStreamBuffers(t *testing.T) {
	ctx := context.Background()
	old := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	svc := streams.NewService(streams.NewMemoryBackend(), nil, streams.WithClock(func() time.Time { return old }))
	defer func() { _ = svc.Close() }()

	done, err := svc.Create(ctx)
	require.NoError(t, err)
	require.NoError(t, svc.Finish(ctx, done))
	pending, err := svc.Create(ctx)
	require.NoError(t, err)

	s, err := NewScheduler(svc, Config{MaxAge: time.Hour})
	require.NoError(t, err)
	n, err := s.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = svc.Get(ctx, done)
	assert.True(t, errors.Is(err, streams.ErrStreamNotFound))
	_, err = svc.Get(ctx, pending)
	assert.NoError(t, err)
}

func TestRunStopsWithContext(t *testing.T) {
	s, err := NewScheduler(&fakePurger{}, Config{MaxAge: time.Hour})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, s.Run(ctx))
}
