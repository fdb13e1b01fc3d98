package cmd

import (
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ezpaarse-project/ezmesure-harvester/internal/config"
)

func newConfigCommand(flags *rootFlags) *cobra.Command {
	var cmd = &cobra.Command{
		Use:   "config",
		Short: "Inspects the harvester configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "print",
		Short: "Validates the configuration and prints it with defaults applied and secrets redacted",
		RunE: func(cmd *cobra.Command, args []string) error {
			if flags.config == "" {
				return errConfigRequired
			}
			c, err := config.Load(flags.config)
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(c.Effective()); err != nil {
				return err
			}
			return enc.Close()
		},
	})
	return cmd
}
