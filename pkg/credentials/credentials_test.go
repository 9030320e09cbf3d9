package credentials

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChainPrefersUserKeys(t *testing.T) {
	ctx := context.Background()
	users := NewUserKeys()
	chain := Chain{users, Static{ProviderOpenRouter: "shared"}}

	key, err := chain.Resolve(ctx, "alice", ProviderOpenRouter)
	require.NoError(t, err)
	assert.Equal(t, "shared", key)

	users.Set("alice", ProviderOpenRouter, "mine")
	key, err = chain.Resolve(ctx, "alice", ProviderOpenRouter)
	require.NoError(t, err)
	assert.Equal(t, "mine", key)

	key, err = chain.Resolve(ctx, "bob", ProviderOpenRouter)
	require.NoError(t, err)
	assert.Equal(t, "shared", key)

	_, err = chain.Resolve(ctx, "alice", ProviderGoogle)
	assert.True(t, errors.Is(err, ErrNoCredential))
}

func TestUserKeysDefined(t *testing.T) {
	users := NewUserKeys()
	users.Set("alice", ProviderOpenAI, "k")
	assert.Equal(t, map[Provider]bool{
		ProviderOpenRouter: false,
		ProviderOpenAI:     true,
		ProviderGoogle:     false,
	}, users.Defined("alice"))

	users.Delete("alice", ProviderOpenAI)
	assert.False(t, users.Defined("alice")[ProviderOpenAI])
	_, err := users.Resolve(context.Background(), "alice", ProviderOpenAI)
	assert.True(t, errors.Is(err, ErrNoCredential))
}

type brokenStore struct{}

func (brokenStore) Resolve(context.Context, string, Provider) (string, error) {
	return "", errors.New("vault unreachable")
}

func TestChainStopsOnHardErrors(t *testing.T) {
	chain := Chain{brokenStore{}, Static{ProviderGoogle: "g"}}
	_, err := chain.Resolve(context.Background(), "alice", ProviderGoogle)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrNoCredential))
}

func TestParseProvider(t *testing.T) {
	p, err := ParseProvider("google")
	require.NoError(t, err)
	assert.Equal(t, ProviderGoogle, p)
	_, err = ParseProvider("anthropic")
	assert.Error(t, err)
}
