package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/nerrad567/gray-logic-knxip/internal/bridges/knx"
)

// definitionFlags select a command either by catalogue name or by an
// inline definition.
type definitionFlags struct {
	catalog string
	ga      string
	command string
	dpt     string
	value   string
}

func (f *definitionFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.catalog, "catalog", "", "Catalogue file for named commands")
	cmd.Flags().StringVar(&f.ga, "ga", "", "Destination group address (1/2/3)")
	cmd.Flags().StringVar(&f.command, "command", "", "Command text: ON, OFF, RANGE, SCALE, DIM, DIM INCREASE, DIM DECREASE, DIM STOP, STATUS")
	cmd.Flags().StringVar(&f.dpt, "dpt", "", "Datapoint type (1.001, DPST-5-1, ...)")
	cmd.Flags().StringVar(&f.value, "value", "", "Value for RANGE, SCALE and DIM")
}

// resolve returns the catalogue command named by args[0], or builds the
// inline definition when no name is given.
func (f *definitionFlags) resolve(args []string) (knx.Command, error) {
	builder := knx.NewCommandBuilder(nil)

	if len(args) == 1 {
		if f.catalog == "" {
			return nil, errors.New("required flag --catalog not set for a named command")
		}
		cat, err := knx.LoadCatalog(f.catalog, builder)
		if err != nil {
			return nil, err
		}
		cmd, ok := cat.Command(args[0])
		if !ok {
			return nil, fmt.Errorf("%w: %q", knx.ErrUnknownCommand, args[0])
		}
		return cmd, nil
	}

	if f.ga == "" {
		return nil, errors.New("required flag --ga not set")
	}
	if f.command == "" {
		return nil, errors.New("required flag --command not set")
	}
	return builder.Build(knx.Definition{
		GroupAddress: f.ga,
		Command:      f.command,
		DPT:          f.dpt,
		Value:        f.value,
	})
}

func newSendCmd(gw *gatewayFlags) *cobra.Command {
	flags := &definitionFlags{}

	cmd := &cobra.Command{
		Use:   "send [name]",
		Short: "Send one command through a tunnel",
		Long: `Open a tunnelling connection, send one GroupValue_Write and wait for the
gateway's acknowledgement.

The command is either a name from --catalog or an inline definition given
with --ga, --command, --dpt and --value.`,
		Example: `  # Switch a light on
  knxctl send --gateway 192.168.1.50:3671 --ga 1/2/3 --command ON --dpt 1.001

  # Dim to 40 percent
  knxctl send -g 192.168.1.50:3671 --ga 1/2/5 --command SCALE --value 40 --dpt 5.001

  # Run a catalogue command
  knxctl send --catalog configs/catalog.yaml hall_light_on`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			command, err := flags.resolve(args)
			if err != nil {
				return err
			}
			return runSend(cmd.Context(), cmd.OutOrStdout(), gw, command)
		},
	}
	flags.register(cmd)

	return cmd
}

func runSend(ctx context.Context, out io.Writer, gw *gatewayFlags, command knx.Command) error {
	if ctx == nil {
		ctx = context.Background()
	}

	sess, err := gw.openTunnel(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()

	sendCtx, cancel := context.WithTimeout(ctx, gw.timeout)
	defer cancel()
	if err := sess.tunnel.Send(sendCtx, command); err != nil {
		return fmt.Errorf("send %s: %w", command, err)
	}

	fmt.Fprintf(out, "sent %s\n", command)
	fmt.Fprintf(out, "frame: %s\n", hex.EncodeToString(command.Frame()))
	return nil
}
