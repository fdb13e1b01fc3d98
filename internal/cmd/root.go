package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ezpaarse-project/ezmesure-harvester/internal/config"
)

var errConfigRequired = errors.New("--config is required")

type rootFlags struct {
	config string
	dev    bool
}

func NewRootCommand() *cobra.Command {
	flags := &rootFlags{}

	var cmd = &cobra.Command{
		Use:           "harvester",
		Short:         "Harvests COUNTER usage reports from SUSHI endpoints",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&flags.config, "config", "c", "", "Path to the harvester configuration file")
	cmd.PersistentFlags().BoolVar(&flags.dev, "dev", false, "Development logging, overrides global.logger")

	cmd.AddCommand(newServeCommand(flags))
	cmd.AddCommand(newHarvestCommand(flags))
	cmd.AddCommand(newFrequencyCommand())
	cmd.AddCommand(newConfigCommand(flags))

	return cmd
}

// load reads the configuration file and builds the logger it asks for.
func (f *rootFlags) load() (*config.Config, *zap.Logger, error) {
	if f.config == "" {
		return nil, nil, errConfigRequired
	}
	c, err := config.Load(f.config)
	if err != nil {
		return nil, nil, err
	}
	if f.dev {
		c.Global.Logger.Development = true
		c.Global.Logger.Level = "debug"
	}
	logger, err := config.NewLogger(c.Global.Logger)
	if err != nil {
		return nil, nil, err
	}
	return c, logger.Named("harvester"), nil
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	cmd := NewRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
