package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/nerrad567/gray-logic-knxip/internal/bridges/knx"
)

func newDPTsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dpts",
		Short: "List the supported datapoint types",
		RunE: func(cmd *cobra.Command, _ []string) error {
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "DPT\tNAME\tCLASS")
			for _, dt := range knx.DefaultRegistry().All() {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", dt.ID(), dt.Name(), dt.Class())
			}
			return tw.Flush()
		},
	}
}
