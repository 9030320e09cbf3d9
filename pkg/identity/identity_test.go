package identity

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignAndResolve(t *testing.T) {
	r, err := NewHMACResolver("secret")
	require.NoError(t, err)

	token, err := r.Sign(Identity{ID: "alice", Email: "alice@example.com"}, time.Hour)
	require.NoError(t, err)

	id, err := r.Resolve(context.Background(), "", "  "+token+" ")
	require.NoError(t, err)
	assert.Equal(t, "alice", id.ID)
	assert.Equal(t, "alice@example.com", id.Email)

	id, err = r.Resolve(context.Background(), token, "")
	require.NoError(t, err)
	assert.Equal(t, "alice", id.ID)

	_, err = r.Resolve(context.Background(), "", "")
	assert.True(t, errors.Is(err, ErrUnauthenticated))
}

func TestVerifyRejectsTampering(t *testing.T) {
	r, err := NewHMACResolver("secret")
	require.NoError(t, err)
	other, err := NewHMACResolver("other")
	require.NoError(t, err)

	token, err := other.Sign(Identity{ID: "mallory"}, 0)
	require.NoError(t, err)
	_, err = r.Verify(token)
	assert.True(t, errors.Is(err, ErrInvalidToken))

	for _, bad := range []string{"", "abc", "abc.", ".abc", "!!!.00"} {
		_, err = r.Verify(bad)
		assert.True(t, errors.Is(err, ErrInvalidToken), bad)
	}
}

func TestVerifyAcceptsRotatedKeys(t *testing.T) {
	old, err := NewHMACResolver("old")
	require.NoError(t, err)
	token, err := old.Sign(Identity{ID: "bob"}, 0)
	require.NoError(t, err)

	r, err := NewHMACResolver("new", "old")
	require.NoError(t, err)
	id, err := r.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "bob", id.ID)
}

func TestVerifyExpiry(t *testing.T) {
	r, err := NewHMACResolver("secret")
	require.NoError(t, err)
	now := time.Now()
	r.now = func() time.Time { return now }

	token, err := r.Sign(Identity{ID: "carol"}, time.Minute)
	require.NoError(t, err)
	now = now.Add(2 * time.Minute)
	_, err = r.Verify(token)
	assert.True(t, errors.Is(err, ErrTokenExpired))
}

func TestContextRoundTrip(t *testing.T) {
	_, ok := FromContext(context.Background())
	assert.False(t, ok)

	ctx := WithIdentity(context.Background(), Identity{ID: "dave"})
	id, ok := FromContext(ctx)
	assert.True(t, ok)
	assert.Equal(t, "dave", id.ID)
}
