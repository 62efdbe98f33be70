package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/nerrad567/gray-logic-knxip/internal/bridges/knx"
	"github.com/nerrad567/gray-logic-knxip/internal/commissioning/etsimport"
)

type importFlags struct {
	catalog string
	output  string
}

func newImportCmd() *cobra.Command {
	flags := &importFlags{}

	cmd := &cobra.Command{
		Use:   "import <ets-export>",
		Short: "Add status points from an ETS export to a catalogue",
		Long: `Parse an ETS export (.knxproj, group address .xml or .csv) and merge its
group addresses into a catalogue as status points. Addresses already in the
catalogue are left untouched; addresses without a supported DPT are skipped
and reported on stderr.

The merged catalogue is written to --output, or stdout when not set.`,
		Example: `  # Start a catalogue from an export
  knxctl import project.knxproj --output configs/catalog.yaml

  # Add new addresses to an existing catalogue in place
  knxctl import addresses.csv --catalog configs/catalog.yaml --output configs/catalog.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImport(cmd.OutOrStdout(), cmd.ErrOrStderr(), args[0], flags)
		},
	}

	cmd.Flags().StringVar(&flags.catalog, "catalog", "", "Existing catalogue to merge into")
	cmd.Flags().StringVar(&flags.output, "output", "", "Write the catalogue here instead of stdout")

	return cmd
}

func runImport(out, errOut io.Writer, path string, flags *importFlags) error {
	builder := knx.NewCommandBuilder(nil)
	parser := etsimport.NewParserWithRegistry(builder.Registry())

	result, err := parser.ParseFile(path)
	if err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	points, skipped := parser.StatusPoints(result)
	for _, w := range skipped {
		fmt.Fprintf(errOut, "skipped %s: %s\n", w.Address, w.Message)
	}

	catalog, err := loadOrEmpty(flags.catalog, builder)
	if err != nil {
		return err
	}

	added, err := catalog.Merge(builder, points)
	if err != nil {
		return fmt.Errorf("merge: %w", err)
	}

	data, err := catalog.Marshal()
	if err != nil {
		return err
	}

	if flags.output == "" {
		_, err = out.Write(data)
	} else {
		err = os.WriteFile(flags.output, data, 0o600)
	}
	if err != nil {
		return fmt.Errorf("write catalog: %w", err)
	}

	fmt.Fprintf(errOut, "%s: %d group addresses, %d status points added, %d skipped\n",
		result.Format, len(result.GroupAddresses), added, len(skipped))
	return nil
}

// loadOrEmpty loads path, or returns an empty catalogue when path is
// empty or does not exist yet.
func loadOrEmpty(path string, builder *knx.CommandBuilder) (*knx.Catalog, error) {
	if path != "" {
		cat, err := knx.LoadCatalog(path, builder)
		if err == nil {
			return cat, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}
	return knx.NewCatalog(builder, nil, nil)
}
