package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/threadline/pkg/credentials"
	"github.com/go-go-golems/threadline/pkg/security"
)

const sampleConfig = `
http:
  addr: ":9090"
  poll-timeout: 10s
store:
  driver: memory
routes:
  default-model: openai/gpt-4o
  image-model: openai/dall-e-3
  search:
    - model: google/gemini-2.0-flash
      provider-model: gemini-2.0-flash
keys:
  openrouter: sk-or-test
  google: ""
identity:
  secrets:
    - first-secret
    - old-secret
retention:
  max-age: 48h
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadFromFile(t *testing.T) {
	v := viper.New()
	require.NoError(t, InitViper(v, writeConfig(t, sampleConfig)))
	s, err := Load(v)
	require.NoError(t, err)

	assert.Equal(t, ":9090", s.HTTP.Addr)
	assert.Equal(t, 10*time.Second, s.HTTP.PollTimeout)
	assert.Equal(t, 5.0, s.HTTP.RateLimit.RPS)
	assert.Equal(t, 10, s.HTTP.RateLimit.Burst)
	assert.Equal(t, "memory", s.Store.Driver)
	assert.Equal(t, "pebble", s.Streams.Backend)
	assert.Equal(t, "openai/gpt-4o", s.Routes.DefaultModel)
	assert.Equal(t, map[string]string{"google/gemini-2.0-flash": "gemini-2.0-flash"}, s.DispatchRoutes().Search)
	assert.Equal(t, []string{"first-secret", "old-secret"}, s.Identity.Secrets)
	assert.Equal(t, 48*time.Hour, s.Retention.MaxAge)
	assert.Equal(t, int64(16), s.Jobs.MaxConcurrent)

	assert.Equal(t, credentials.Static{credentials.ProviderOpenRouter: "sk-or-test"}, s.SharedKeys())
}

func TestEnvironmentOverridesFile(t *testing.T) {
	t.Setenv("THREADLINE_HTTP_ADDR", ":7070")
	t.Setenv("THREADLINE_JOBS_MAX_CONCURRENT", "4")

	v := viper.New()
	require.NoError(t, InitViper(v, writeConfig(t, sampleConfig)))
	s, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, ":7070", s.HTTP.Addr)
	assert.Equal(t, int64(4), s.Jobs.MaxConcurrent)
}

func TestDefaultsWithoutConfigFile(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	v := viper.New()
	require.NoError(t, InitViper(v, ""))
	s, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", s.Store.Driver)
	assert.Equal(t, "openai/gpt-4o-mini", s.Routes.DefaultModel)
}

func TestValidate(t *testing.T) {
	v := viper.New()
	require.NoError(t, InitViper(v, writeConfig(t, "store:\n  driver: postgres\n")))
	_, err := Load(v)
	assert.Error(t, err)

	v = viper.New()
	require.NoError(t, InitViper(v, writeConfig(t, "keys:\n  anthropic: x\n")))
	_, err = Load(v)
	assert.ErrorIs(t, err, credentials.ErrUnknownProvider)

	v = viper.New()
	require.NoError(t, InitViper(v, writeConfig(t, "providers:\n  openai-base-url: http://localhost:4000/v1\n")))
	_, err = Load(v)
	assert.ErrorIs(t, err, security.ErrDisallowedURL)

	v = viper.New()
	require.NoError(t, InitViper(v, writeConfig(t, "providers:\n  openai-base-url: http://localhost:4000/v1\n  allow-http: true\n  allow-local-networks: true\n")))
	_, err = Load(v)
	assert.NoError(t, err)
}

func TestMissingExplicitConfigFile(t *testing.T) {
	v := viper.New()
	assert.Error(t, InitViper(v, filepath.Join(t.TempDir(), "missing.yaml")))
}
