package cmds

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/layers"
	"github.com/go-go-golems/glazed/pkg/cmds/middlewares"
	"github.com/go-go-golems/glazed/pkg/cmds/parameters"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/threadline/pkg/chatstore"
	"github.com/go-go-golems/threadline/pkg/config"
	"github.com/go-go-golems/threadline/pkg/identity"
)

func resetViper(t *testing.T) {
	t.Helper()
	viper.Reset()
	config.SetDefaults(viper.GetViper())
	t.Cleanup(viper.Reset)
}

// parse fills the default layer of c from values and the parameter defaults.
func parse(t *testing.T, c cmds.Command, values map[string]interface{}) *layers.ParsedLayers {
	t.Helper()
	parsed := layers.NewParsedLayers()
	err := middlewares.ExecuteMiddlewares(c.Description().Layers, parsed,
		middlewares.UpdateFromMap(map[string]map[string]interface{}{layers.DefaultSlug: values}),
		middlewares.SetFromDefaults(parameters.WithParseStepSource("defaults")),
	)
	require.NoError(t, err)
	return parsed
}

func TestTokenCommand(t *testing.T) {
	resetViper(t)
	viper.Set("identity.secrets", []string{"cli-secret"})

	cmd, err := NewTokenCommand()
	require.NoError(t, err)
	out := &bytes.Buffer{}
	parsed := parse(t, cmd, map[string]interface{}{"id": "alice", "email": "alice@example.com", "ttl": "1h"})
	require.NoError(t, cmd.RunIntoWriter(context.Background(), parsed, out))

	resolver, err := identity.NewHMACResolver("cli-secret")
	require.NoError(t, err)
	who, err := resolver.Verify(strings.TrimSpace(out.String()))
	require.NoError(t, err)
	assert.Equal(t, "alice", who.ID)
	assert.Equal(t, "alice@example.com", who.Email)
}

func TestTokenCommandErrors(t *testing.T) {
	resetViper(t)
	cmd, err := NewTokenCommand()
	require.NoError(t, err)
	parsed := parse(t, cmd, map[string]interface{}{"id": "alice"})
	assert.Error(t, cmd.RunIntoWriter(context.Background(), parsed, &bytes.Buffer{}), "no secrets configured")

	viper.Set("identity.secrets", []string{"cli-secret"})
	parsed = parse(t, cmd, map[string]interface{}{"id": "alice", "ttl": "soon"})
	assert.Error(t, cmd.RunIntoWriter(context.Background(), parsed, &bytes.Buffer{}))
}

func TestExportCommand(t *testing.T) {
	resetViper(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "chat.db")
	viper.Set("store.path", path)

	store, err := chatstore.NewSQLiteStore(path)
	require.NoError(t, err)
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.CreateThread(ctx, &chatstore.Thread{
		ID: "t1", Title: "Exported", Owner: "alice", Model: "openai/gpt-4o-mini", CreatedAt: now, UpdatedAt: now,
	}))
	require.NoError(t, store.InsertMessage(ctx, &chatstore.Message{
		ID: "m1", ThreadID: "t1", Role: chatstore.RoleUser, Content: "What is Go?", Owner: "alice", CreatedAt: now,
	}))
	require.NoError(t, store.Close())

	cmd, err := NewExportCommand()
	require.NoError(t, err)
	out := &bytes.Buffer{}
	require.NoError(t, cmd.RunIntoWriter(ctx, parse(t, cmd, map[string]interface{}{"thread-id": "t1", "owner": "alice"}), out))
	assert.True(t, strings.HasPrefix(out.String(), "# Exported"))
	assert.Contains(t, out.String(), "What is Go?")

	file := filepath.Join(dir, "t1.yaml")
	parsed := parse(t, cmd, map[string]interface{}{"thread-id": "t1", "owner": "alice", "format": "yaml", "output": file})
	require.NoError(t, cmd.RunIntoWriter(ctx, parsed, &bytes.Buffer{}))
	b, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Contains(t, string(b), "What is Go?")

	parsed = parse(t, cmd, map[string]interface{}{"thread-id": "t1", "owner": "bob"})
	assert.Error(t, cmd.RunIntoWriter(ctx, parsed, &bytes.Buffer{}))
}

func TestServeSettingsOverrideConfig(t *testing.T) {
	resetViper(t)
	viper.Set("store.driver", "sqlite")

	cmd, err := NewServeCommand()
	require.NoError(t, err)
	parsed := parse(t, cmd, map[string]interface{}{"addr": ":9999", "store-driver": "memory"})
	s := &ServeSettings{}
	require.NoError(t, parsed.InitializeStruct(layers.DefaultSlug, s))

	settings, err := s.loadSettings(viper.GetViper())
	require.NoError(t, err)
	assert.Equal(t, ":9999", settings.HTTP.Addr)
	assert.Equal(t, "memory", settings.Store.Driver)
	assert.Equal(t, "pebble", settings.Streams.Backend)

	s = &ServeSettings{StreamsBackend: "redis"}
	_, err = s.loadSettings(viper.GetViper())
	assert.Error(t, err)
}

func TestNewAppRequiresSecrets(t *testing.T) {
	resetViper(t)
	settings, err := config.Load(viper.GetViper())
	require.NoError(t, err)
	_, err = newApp(settings)
	assert.Error(t, err)
}
