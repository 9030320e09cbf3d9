package cmds

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/layers"
	"github.com/go-go-golems/glazed/pkg/cmds/parameters"
	"github.com/spf13/viper"

	"github.com/go-go-golems/threadline/pkg/config"
)

type ServeSettings struct {
	Addr           string `glazed.parameter:"addr"`
	StoreDriver    string `glazed.parameter:"store-driver"`
	StreamsBackend string `glazed.parameter:"streams-backend"`
}

type ServeCommand struct{ *cmds.CommandDescription }

var _ cmds.BareCommand = (*ServeCommand)(nil)

func NewServeCommand() (*ServeCommand, error) {
	desc := cmds.NewCommandDescription(
		"serve",
		cmds.WithShort("Run the chat API and the generation workers"),
		cmds.WithFlags(
			parameters.NewParameterDefinition("addr", parameters.ParameterTypeString,
				parameters.WithDefault(""), parameters.WithHelp("Listen address (overrides http.addr)")),
			parameters.NewParameterDefinition("store-driver", parameters.ParameterTypeString,
				parameters.WithDefault(""), parameters.WithHelp("Chat store driver, sqlite or memory (overrides store.driver)")),
			parameters.NewParameterDefinition("streams-backend", parameters.ParameterTypeString,
				parameters.WithDefault(""), parameters.WithHelp("Stream buffer backend, pebble or memory (overrides streams.backend)")),
		),
	)
	return &ServeCommand{CommandDescription: desc}, nil
}

// loadSettings reads the configuration with the flags that were set layered
// on top of it.
func (s *ServeSettings) loadSettings(v *viper.Viper) (*config.Settings, error) {
	overrides := map[string]string{
		"http.addr":       s.Addr,
		"store.driver":    s.StoreDriver,
		"streams.backend": s.StreamsBackend,
	}
	for key, value := range overrides {
		if value != "" {
			v.Set(key, value)
		}
	}
	return config.Load(v)
}

func (c *ServeCommand) Run(ctx context.Context, parsed *layers.ParsedLayers) error {
	s := &ServeSettings{}
	if err := parsed.InitializeStruct(layers.DefaultSlug, s); err != nil {
		return err
	}
	settings, err := s.loadSettings(viper.GetViper())
	if err != nil {
		return err
	}
	a, err := newApp(settings)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	return a.run(ctx)
}
