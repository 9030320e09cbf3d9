// Package credentials resolves the API key used for a provider call.
package credentials

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

type Provider string

const (
	ProviderOpenRouter Provider = "openrouter"
	ProviderOpenAI     Provider = "openai"
	ProviderGoogle     Provider = "google"
)

var KnownProviders = []Provider{ProviderOpenRouter, ProviderOpenAI, ProviderGoogle}

func ParseProvider(s string) (Provider, error) {
	for _, p := range KnownProviders {
		if string(p) == s {
			return p, nil
		}
	}
	return "", errors.Wrapf(ErrUnknownProvider, "%q", s)
}

var (
	ErrNoCredential    = errors.New("no credential configured")
	ErrUnknownProvider = errors.New("unknown provider")
)

type Store interface {
	Resolve(ctx context.Context, owner string, provider Provider) (string, error)
}

// Static holds shared keys that apply to every identity.
type Static map[Provider]string

var _ Store = Static{}

func (s Static) Resolve(_ context.Context, _ string, provider Provider) (string, error) {
	if key := s[provider]; key != "" {
		return key, nil
	}
	return "", errors.Wrapf(ErrNoCredential, "provider %s", provider)
}

// UserKeys holds keys registered by individual identities.
type UserKeys struct {
	mu   sync.RWMutex
	keys map[string]map[Provider]string
}

var _ Store = &UserKeys{}

func NewUserKeys() *UserKeys {
	return &UserKeys{keys: map[string]map[Provider]string{}}
}

func (u *UserKeys) Set(owner string, provider Provider, key string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if key == "" {
		delete(u.keys[owner], provider)
		return
	}
	if u.keys[owner] == nil {
		u.keys[owner] = map[Provider]string{}
	}
	u.keys[owner][provider] = key
}

func (u *UserKeys) Delete(owner string, provider Provider) {
	u.Set(owner, provider, "")
}

// Defined reports, per known provider, whether owner registered a key.
// Keys themselves are never handed back to clients.
func (u *UserKeys) Defined(owner string) map[Provider]bool {
	u.mu.RLock()
	defer u.mu.RUnlock()
	ret := map[Provider]bool{}
	for _, p := range KnownProviders {
		ret[p] = u.keys[owner][p] != ""
	}
	return ret
}

func (u *UserKeys) Resolve(_ context.Context, owner string, provider Provider) (string, error) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	if key := u.keys[owner][provider]; key != "" {
		return key, nil
	}
	return "", errors.Wrapf(ErrNoCredential, "provider %s", provider)
}

// Chain asks each store in order and returns the first key found.
type Chain []Store

var _ Store = Chain{}

func (c Chain) Resolve(ctx context.Context, owner string, provider Provider) (string, error) {
	for _, s := range c {
		key, err := s.Resolve(ctx, owner, provider)
		if err == nil {
			return key, nil
		}
		if !errors.Is(err, ErrNoCredential) {
			return "", err
		}
	}
	return "", errors.Wrapf(ErrNoCredential, "provider %s", provider)
}
