package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Simplici0/cabinetry/internal/ratetable"
)

func configCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show, import and export the current rate table",
	}

	cmd.AddCommand(configShowCmd(a))
	cmd.AddCommand(configImportCmd(a))
	cmd.AddCommand(configExportCmd(a))

	return cmd
}

func configShowCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the current rate table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), store.Current(cmd.Context()))
		},
	}
}

func configImportCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Replace the current rate table with one read from a JSON file",
		Long: `Import validates the rate table in <file> ("-" for stdin), records it
as a new version of kind "import" and makes it current.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var table ratetable.RateTable
			if err := decodeFile(args[0], cmd.InOrStdin(), &table); err != nil {
				return err
			}

			store, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			rec, err := store.Import(cmd.Context(), table)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "imported rate table as version %d\n", rec.Timestamp)
			return nil
		},
	}
}

func configExportCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the current rate table as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out, _ := cmd.Flags().GetString("output")

			store, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			table := store.Current(cmd.Context())

			if out == "" || out == "-" {
				return printJSON(cmd.OutOrStdout(), table)
			}

			f, err := os.Create(out)
			if err != nil {
				return fmt.Errorf("create %s: %w", out, err)
			}
			if err := printJSON(f, table); err != nil {
				f.Close()
				return fmt.Errorf("write %s: %w", out, err)
			}
			if err := f.Close(); err != nil {
				return fmt.Errorf("close %s: %w", out, err)
			}

			fmt.Fprintf(cmd.ErrOrStderr(), "exported rate table to %s\n", out)
			return nil
		},
	}

	cmd.Flags().StringP("output", "o", "", "Output file (default stdout)")

	return cmd
}
