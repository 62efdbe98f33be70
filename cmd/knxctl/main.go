// knxctl - command-line tool for KNXnet/IP gateways
//
// knxctl talks to a gateway directly, without the daemon: it finds
// gateways on the local network, sends single commands, reads group
// addresses and prints the cEMI frame a definition encodes to. It also
// turns ETS exports into catalogue status points.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &gatewayFlags{}

	rootCmd := &cobra.Command{
		Use:   "knxctl",
		Short: "KNXnet/IP gateway tool",
		Long: `knxctl discovers KNXnet/IP gateways, sends group telegrams through a
tunnelling connection and builds cEMI frames for command definitions.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags.register(rootCmd)

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newDiscoverCmd(flags))
	rootCmd.AddCommand(newSendCmd(flags))
	rootCmd.AddCommand(newReadCmd(flags))
	rootCmd.AddCommand(newFrameCmd())
	rootCmd.AddCommand(newDPTsCmd())
	rootCmd.AddCommand(newImportCmd())

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "knxctl version %s\n", version)
			fmt.Fprintf(out, "commit: %s\n", commit)
			fmt.Fprintf(out, "date: %s\n", date)
		},
	}
}
