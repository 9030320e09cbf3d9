package cmds

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/layers"
	"github.com/go-go-golems/glazed/pkg/cmds/parameters"
	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/go-go-golems/threadline/pkg/config"
	"github.com/go-go-golems/threadline/pkg/identity"
)

type TokenSettings struct {
	ID        string `glazed.parameter:"id"`
	Email     string `glazed.parameter:"email"`
	Anonymous bool   `glazed.parameter:"anonymous"`
	// TTL is a duration such as 1h; empty means identity.token-ttl
	TTL string `glazed.parameter:"ttl"`
}

type TokenCommand struct{ *cmds.CommandDescription }

var _ cmds.WriterCommand = (*TokenCommand)(nil)

func NewTokenCommand() (*TokenCommand, error) {
	desc := cmds.NewCommandDescription(
		"token",
		cmds.WithShort("Sign an identity token for the API"),
		cmds.WithFlags(
			parameters.NewParameterDefinition("id", parameters.ParameterTypeString,
				parameters.WithRequired(true), parameters.WithHelp("Identity id")),
			parameters.NewParameterDefinition("email", parameters.ParameterTypeString,
				parameters.WithDefault(""), parameters.WithHelp("Email used to match thread shares")),
			parameters.NewParameterDefinition("anonymous", parameters.ParameterTypeBool,
				parameters.WithDefault(false), parameters.WithHelp("Mark the identity as anonymous")),
			parameters.NewParameterDefinition("ttl", parameters.ParameterTypeString,
				parameters.WithDefault(""), parameters.WithHelp("Token lifetime (default identity.token-ttl)")),
		),
	)
	return &TokenCommand{CommandDescription: desc}, nil
}

func (c *TokenCommand) RunIntoWriter(_ context.Context, parsed *layers.ParsedLayers, w io.Writer) error {
	s := &TokenSettings{}
	if err := parsed.InitializeStruct(layers.DefaultSlug, s); err != nil {
		return err
	}
	settings, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	token, err := signToken(settings, s)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, token)
	return err
}

func signToken(settings *config.Settings, s *TokenSettings) (string, error) {
	if s.ID == "" {
		return "", errors.New("--id is required")
	}
	resolver, err := identity.NewHMACResolver(settings.Identity.Secrets...)
	if err != nil {
		return "", errors.Wrap(err, "identity.secrets")
	}
	ttl := settings.Identity.TokenTTL
	if s.TTL != "" {
		ttl, err = time.ParseDuration(s.TTL)
		if err != nil || ttl <= 0 {
			return "", errors.Errorf("invalid ttl %q", s.TTL)
		}
	}
	return resolver.Sign(identity.Identity{ID: s.ID, Email: s.Email, Anonymous: s.Anonymous}, ttl)
}
