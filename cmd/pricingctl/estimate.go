package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Simplici0/cabinetry/internal/pricing"
)

func estimateCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "estimate",
		Short: "Estimate a cabinet job from a JSON request",
		Long: `Estimate prices the job request read from --file ("-" for stdin)
against the current rate table, or against a historical version when
--version is given, and prints the result as JSON.`,
		Example: `  pricingctl estimate -f kitchen.json
  pricingctl estimate -f kitchen.json --version 1700000000000`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("file")
			version, _ := cmd.Flags().GetInt64("version")

			var req pricing.JobRequest
			if err := decodeFile(path, cmd.InOrStdin(), &req); err != nil {
				return err
			}

			store, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}

			table := store.Current(cmd.Context())
			if version != 0 {
				rec, err := store.Version(cmd.Context(), version)
				if err != nil {
					return fmt.Errorf("load version %d: %w", version, err)
				}
				table = rec.RateTable
			}

			res, err := pricing.Estimate(req, table)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}

	cmd.Flags().StringP("file", "f", "-", "Job request JSON file")
	cmd.Flags().Int64("version", 0, "Price against this version timestamp instead of the current table")

	return cmd
}
