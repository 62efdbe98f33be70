package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/nerrad567/gray-logic-knxip/internal/bridges/knx/knxnet"
)

type discoverFlags struct {
	output string
	all    bool
}

// gatewayInfo is the JSON view of a discovered gateway.
type gatewayInfo struct {
	Control         string `json:"control"`
	Name            string `json:"name"`
	Address         string `json:"individual_address"`
	MAC             string `json:"mac,omitempty"`
	Tunnelling      bool   `json:"tunnelling"`
	ProgrammingMode bool   `json:"programming_mode"`
}

func newDiscoverCmd(gw *gatewayFlags) *cobra.Command {
	flags := &discoverFlags{}

	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Find KNXnet/IP gateways with a multicast search",
		Long: `Send a SEARCH_REQUEST to 224.0.23.12:3671 and list the gateways that answer.

Only gateways offering tunnelling are shown unless --all is given.`,
		Example: `  # Search on the default interface
  knxctl discover

  # Search on eth1 for 10 seconds and print JSON
  knxctl discover --interface eth1 --timeout 10s --output json`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDiscover(cmd.Context(), cmd.OutOrStdout(), gw, flags)
		},
	}

	cmd.Flags().StringVar(&flags.output, "output", "text", "Output format: text|json")
	cmd.Flags().BoolVar(&flags.all, "all", false, "Include gateways without tunnelling")

	return cmd
}

func runDiscover(ctx context.Context, out io.Writer, gw *gatewayFlags, flags *discoverFlags) error {
	if flags.output != "text" && flags.output != "json" {
		return fmt.Errorf("invalid output format '%s'; must be 'text' or 'json'", flags.output)
	}
	if ctx == nil {
		ctx = context.Background()
	}

	gateways, err := knxnet.Discover(ctx, gw.discoveryConfig())
	if err != nil {
		return fmt.Errorf("discover gateways: %w", err)
	}

	infos := make([]gatewayInfo, 0, len(gateways))
	for _, g := range gateways {
		if !flags.all && !g.Tunnelling() {
			continue
		}
		info := gatewayInfo{
			Control:         g.Control.String(),
			Name:            g.Device.Name,
			Address:         g.Device.IndividualAddress(),
			Tunnelling:      g.Tunnelling(),
			ProgrammingMode: g.Device.ProgrammingMode(),
		}
		if len(g.Device.MAC) > 0 {
			info.MAC = g.Device.MAC.String()
		}
		infos = append(infos, info)
	}

	return printGateways(out, flags.output, infos)
}

func printGateways(out io.Writer, format string, infos []gatewayInfo) error {
	if format == "json" {
		data, err := json.MarshalIndent(infos, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal JSON: %w", err)
		}
		fmt.Fprintf(out, "%s\n", data)
		return nil
	}

	if len(infos) == 0 {
		fmt.Fprintf(out, "No gateways discovered\n")
		return nil
	}

	fmt.Fprintf(out, "Discovered %d gateway(s):\n\n", len(infos))
	for i, g := range infos {
		fmt.Fprintf(out, "Gateway %d:\n", i+1)
		fmt.Fprintf(out, "  Control:    %s\n", g.Control)
		fmt.Fprintf(out, "  Name:       %s\n", g.Name)
		fmt.Fprintf(out, "  Address:    %s\n", g.Address)
		if g.MAC != "" {
			fmt.Fprintf(out, "  MAC:        %s\n", g.MAC)
		}
		fmt.Fprintf(out, "  Tunnelling: %t\n", g.Tunnelling)
		if i < len(infos)-1 {
			fmt.Fprintf(out, "\n")
		}
	}
	return nil
}
