package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ezpaarse-project/ezmesure-harvester/pkg/frequency"
)

func newFrequencyCommand() *cobra.Command {
	var ref string
	var tz string

	var cmd = &cobra.Command{
		Use:   "frequency <specifier>",
		Short: "Prints the period boundaries of a frequency specifier",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := frequency.Parse(args[0])
			if err != nil {
				return err
			}
			loc, err := time.LoadLocation(tz)
			if err != nil {
				return err
			}

			now := time.Now().In(loc)
			if ref != "" {
				now, err = time.ParseInLocation(time.DateOnly, ref, loc)
				if err != nil {
					return fmt.Errorf("invalid --ref %q: %w", ref, err)
				}
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "frequency\t%s\n", f)
			fmt.Fprintf(w, "reference\t%s\n", now.Format(time.RFC3339))
			fmt.Fprintf(w, "previous\t%s\n", f.StartOfPreviousPeriod(now).Format(time.RFC3339))
			fmt.Fprintf(w, "current\t%s\n", f.StartOfCurrentPeriod(now).Format(time.RFC3339))
			fmt.Fprintf(w, "next\t%s\n", f.StartOfNextPeriod(now).Format(time.RFC3339))
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&ref, "ref", "", "Reference day (YYYY-MM-DD), defaults to now")
	cmd.Flags().StringVar(&tz, "tz", "UTC", "Timezone of the reference")
	return cmd
}
