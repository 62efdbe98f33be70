package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/nerrad567/gray-logic-knxip/internal/bridges/knx"
)

type frameFlags struct {
	definitionFlags
	output string
}

// frameInfo is the JSON view of a built command.
type frameInfo struct {
	Command     string `json:"command"`
	Destination string `json:"destination"`
	APDU        string `json:"apdu"`
	Frame       string `json:"frame"`
}

func newFrameCmd() *cobra.Command {
	flags := &frameFlags{}

	cmd := &cobra.Command{
		Use:   "frame [name]",
		Short: "Print the cEMI frame for a command without sending it",
		Long: `Build a command definition and print its APDU and cEMI L_Data.req frame
as hex. No gateway is contacted.`,
		Example: `  knxctl frame --ga 1/2/3 --command ON --dpt 1.001
  knxctl frame --ga 3/0/7 --command RANGE --value 21 --dpt 9.001 --output json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if flags.output != "text" && flags.output != "json" {
				return fmt.Errorf("invalid output format '%s'; must be 'text' or 'json'", flags.output)
			}
			command, err := flags.resolve(args)
			if err != nil {
				return err
			}
			return printFrame(cmd.OutOrStdout(), flags.output, command)
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&flags.output, "output", "text", "Output format: text|json")

	return cmd
}

func printFrame(out io.Writer, format string, command knx.Command) error {
	info := frameInfo{
		Command:     command.String(),
		Destination: command.Destination().String(),
		APDU:        hex.EncodeToString(command.PDU().Bytes()),
		Frame:       hex.EncodeToString(command.Frame()),
	}

	if format == "json" {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal JSON: %w", err)
		}
		fmt.Fprintf(out, "%s\n", data)
		return nil
	}

	fmt.Fprintf(out, "command:     %s\n", info.Command)
	fmt.Fprintf(out, "destination: %s\n", info.Destination)
	fmt.Fprintf(out, "apdu:        %s\n", info.APDU)
	fmt.Fprintf(out, "frame:       %s\n", info.Frame)
	return nil
}
