package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/MickyRosa/VisTrain2.0/internal/loco"
)

var locosCmd = &cobra.Command{
	Use:   "locos",
	Short: "List the configured locomotives",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, _, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		reg, err := loco.FromConfig(cfg.Locomotives)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tADDRESS\tMAX NOTCH")
		for _, l := range reg.List().Items {
			fmt.Fprintf(w, "%s\t%d\t%d\n", l.Name, l.Address, l.MaxNotch)
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(locosCmd)
}
