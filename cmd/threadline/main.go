package main

import (
	"os"

	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/logging"
	"github.com/go-go-golems/glazed/pkg/help"
	help_cmd "github.com/go-go-golems/glazed/pkg/help/cmd"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	threadline_cmds "github.com/go-go-golems/threadline/cmd/threadline/cmds"
	"github.com/go-go-golems/threadline/pkg/config"
)

var rootCmd = &cobra.Command{
	Use:   "threadline",
	Short: "threadline is a multi-provider chat engine with resumable streams",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// reinitialize the logger because we can now parse --log-level and co
		// from the command line flag
		return logging.InitLoggerFromViper()
	},
	SilenceUsage: true,
}

func initRootCmd(configPath string) error {
	if err := logging.AddLoggingLayerToRootCommand(rootCmd, config.AppName); err != nil {
		return err
	}
	rootCmd.PersistentFlags().String("config", "", "Path to config file (default ~/.threadline/config.yaml)")
	rootCmd.PersistentFlags().Bool("verbose", false, "Log partial generation events")

	if err := config.InitViper(viper.GetViper(), configPath); err != nil {
		return err
	}
	if err := viper.BindPFlags(rootCmd.PersistentFlags()); err != nil {
		return err
	}
	if err := logging.InitLoggerFromViper(); err != nil {
		return err
	}

	log.Debug().
		Str("config", viper.ConfigFileUsed()).
		Msg("Loaded configuration")

	helpSystem := help.NewHelpSystem()
	help_cmd.SetupCobraRootCommand(helpSystem, rootCmd)
	return nil
}

func addCommand(command cmds.Command, err error) {
	cobra.CheckErr(err)
	cobraCommand, err := cli.BuildCobraCommand(command)
	cobra.CheckErr(err)
	rootCmd.AddCommand(cobraCommand)
}

func main() {
	// parse the flags one time just to catch --config
	configFile := ""
	for idx, arg := range os.Args {
		if arg == "--config" && len(os.Args) > idx+1 {
			configFile = os.Args[idx+1]
		}
	}
	if err := initRootCmd(configFile); err != nil {
		log.Fatal().Err(err).Msg("could not initialize configuration")
	}

	addCommand(threadline_cmds.NewServeCommand())
	addCommand(threadline_cmds.NewExportCommand())
	addCommand(threadline_cmds.NewTokenCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
