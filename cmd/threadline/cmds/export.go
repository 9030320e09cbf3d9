package cmds

import (
	"context"
	"io"
	"os"

	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/layers"
	"github.com/go-go-golems/glazed/pkg/cmds/parameters"
	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/go-go-golems/threadline/pkg/chat"
	"github.com/go-go-golems/threadline/pkg/config"
	"github.com/go-go-golems/threadline/pkg/identity"
	"github.com/go-go-golems/threadline/pkg/jobs"
	"github.com/go-go-golems/threadline/pkg/streams"
)

var errOffline = errors.New("background jobs are not available in offline commands")

// offlineScheduler refuses jobs. Offline commands only read.
type offlineScheduler struct{}

func (offlineScheduler) Schedule(context.Context, jobs.Job) error { return errOffline }
func (offlineScheduler) Cancel(string) bool                       { return false }

type ExportSettings struct {
	ThreadID string `glazed.parameter:"thread-id"`
	Owner    string `glazed.parameter:"owner"`
	Format   string `glazed.parameter:"format"`
	Output   string `glazed.parameter:"output"`
}

type ExportCommand struct{ *cmds.CommandDescription }

var _ cmds.WriterCommand = (*ExportCommand)(nil)

func NewExportCommand() (*ExportCommand, error) {
	desc := cmds.NewCommandDescription(
		"export",
		cmds.WithShort("Export a thread as markdown or yaml"),
		cmds.WithFlags(
			parameters.NewParameterDefinition("owner", parameters.ParameterTypeString,
				parameters.WithRequired(true), parameters.WithHelp("Identity owning the thread")),
			parameters.NewParameterDefinition("format", parameters.ParameterTypeChoice,
				parameters.WithChoices(string(chat.ExportMarkdown), string(chat.ExportYAML)),
				parameters.WithDefault(string(chat.ExportMarkdown)), parameters.WithHelp("Export format")),
			parameters.NewParameterDefinition("output", parameters.ParameterTypeString,
				parameters.WithDefault(""), parameters.WithHelp("Write to this file instead of stdout")),
		),
		cmds.WithArguments(
			parameters.NewParameterDefinition("thread-id", parameters.ParameterTypeString,
				parameters.WithRequired(true), parameters.WithHelp("Thread to export")),
		),
	)
	return &ExportCommand{CommandDescription: desc}, nil
}

func (c *ExportCommand) RunIntoWriter(ctx context.Context, parsed *layers.ParsedLayers, w io.Writer) error {
	s := &ExportSettings{}
	if err := parsed.InitializeStruct(layers.DefaultSlug, s); err != nil {
		return err
	}
	settings, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	b, err := exportThread(ctx, settings, s)
	if err != nil {
		return err
	}

	if s.Output != "" {
		f, err := os.Create(s.Output)
		if err != nil {
			return errors.Wrapf(err, "create %s", s.Output)
		}
		defer func() {
			_ = f.Close()
		}()
		w = f
	}
	_, err = w.Write(b)
	return err
}

func exportThread(ctx context.Context, settings *config.Settings, s *ExportSettings) ([]byte, error) {
	store, err := openStore(settings.Store)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = store.Close()
	}()
	// the stream buffer may be locked by a running server, and exports only
	// need the chat store
	ss := streams.NewService(streams.NewMemoryBackend(), nil)
	defer func() {
		_ = ss.Close()
	}()

	svc := chat.NewService(store, ss, offlineScheduler{}, settings.Routes.DefaultModel)
	return svc.ExportThread(ctx, identity.Identity{ID: s.Owner}, s.ThreadID, chat.ExportFormat(s.Format))
}
