package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nerrad567/gray-logic-knxip/internal/bridges/knx"
)

type readFlags struct {
	ga     string
	dpt    string
	output string
}

// readResult is the JSON view of the answer to a read.
type readResult struct {
	Address string `json:"address"`
	Source  string `json:"source"`
	Event   string `json:"event"`
	DPT     string `json:"dpt,omitempty"`
	Value   any    `json:"value,omitempty"`
	Raw     string `json:"raw"`
}

func newReadCmd(gw *gatewayFlags) *cobra.Command {
	flags := &readFlags{}

	cmd := &cobra.Command{
		Use:   "read",
		Short: "Read a group address and wait for the answer",
		Long: `Send a GroupValue_Read and print the first response (or write) seen for
the same group address within --timeout. With --dpt the value is decoded.`,
		Example: `  knxctl read --gateway 192.168.1.50:3671 --ga 3/0/7 --dpt 9.001`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if flags.output != "text" && flags.output != "json" {
				return fmt.Errorf("invalid output format '%s'; must be 'text' or 'json'", flags.output)
			}
			ga, err := knx.ParseGroupAddress(flags.ga)
			if err != nil {
				return err
			}
			var dt knx.Datatype
			if flags.dpt != "" {
				if dt, err = knx.DefaultRegistry().Lookup(flags.dpt); err != nil {
					return err
				}
			}
			return runRead(cmd.Context(), cmd.OutOrStdout(), gw, ga, dt, flags.output)
		},
	}

	cmd.Flags().StringVar(&flags.ga, "ga", "", "Group address to read (1/2/3)")
	cmd.Flags().StringVar(&flags.dpt, "dpt", "", "Datapoint type used to decode the answer")
	cmd.Flags().StringVar(&flags.output, "output", "text", "Output format: text|json")
	_ = cmd.MarkFlagRequired("ga")

	return cmd
}

func runRead(ctx context.Context, out io.Writer, gw *gatewayFlags, ga knx.GroupAddress, dt knx.Datatype, format string) error {
	if ctx == nil {
		ctx = context.Background()
	}

	sess, err := gw.openTunnel(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()

	answers := make(chan knx.Telegram, 1)
	sess.tunnel.SetOnTelegram(func(t knx.Telegram) {
		if t.Destination != ga || t.IsRead() {
			return
		}
		select {
		case answers <- t:
		default:
		}
	})

	waitCtx, cancel := context.WithTimeout(ctx, gw.timeout)
	defer cancel()

	if err := sess.tunnel.Send(waitCtx, knx.GroupValueRead{Address: ga}); err != nil {
		return fmt.Errorf("send read: %w", err)
	}

	select {
	case t := <-answers:
		return printReadResult(out, format, newReadResult(t, dt))
	case <-waitCtx.Done():
		if errors.Is(waitCtx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: no answer from %s within %s", knx.ErrTimeout, ga, gw.timeout)
		}
		return waitCtx.Err()
	}
}

func newReadResult(t knx.Telegram, dt knx.Datatype) readResult {
	res := readResult{
		Address: t.Destination.String(),
		Source:  t.Source.String(),
		Event:   knx.EventWrite,
		Raw:     strings.ToUpper(hex.EncodeToString(t.Data)),
	}
	if t.IsResponse() {
		res.Event = knx.EventResponse
	}
	if dt != nil {
		res.DPT = string(dt.ID())
		if v, err := t.Decode(dt); err == nil {
			res.Value = v
		}
	}
	return res
}

func printReadResult(out io.Writer, format string, res readResult) error {
	if format == "json" {
		data, err := json.MarshalIndent(res, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal JSON: %w", err)
		}
		fmt.Fprintf(out, "%s\n", data)
		return nil
	}

	fmt.Fprintf(out, "%s %s from %s: raw %s", res.Address, res.Event, res.Source, res.Raw)
	if res.Value != nil {
		fmt.Fprintf(out, " value %v (%s)", res.Value, res.DPT)
	}
	fmt.Fprintln(out)
	return nil
}
