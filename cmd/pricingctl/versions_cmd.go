package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Simplici0/cabinetry/internal/versions"
)

func versionsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "versions",
		Aliases: []string{"version-log"},
		Short:   "Browse and restore rate table versions",
	}

	cmd.AddCommand(versionsListCmd(a))
	cmd.AddCommand(versionsShowCmd(a))
	cmd.AddCommand(versionsRestoreCmd(a))

	return cmd
}

func versionsListCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List every version, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			asJSON, _ := cmd.Flags().GetBool("json")

			store, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			records, err := store.Versions(cmd.Context())
			if err != nil {
				return err
			}

			if asJSON {
				if records == nil {
					records = []versions.Record{}
				}
				return printJSON(cmd.OutOrStdout(), records)
			}

			if len(records) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No versions recorded.")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TIMESTAMP\tKIND\tCREATED\tPROPOSAL\tRESTORED FROM")
			for _, rec := range records {
				restored := "-"
				if rec.RestoredFrom != 0 {
					restored = fmt.Sprint(rec.RestoredFrom)
				}
				proposal := rec.ProposalID
				if proposal == "" {
					proposal = "-"
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
					rec.Timestamp,
					rec.Kind,
					time.UnixMilli(rec.Timestamp).UTC().Format(time.RFC3339),
					proposal,
					restored,
				)
			}
			return w.Flush()
		},
	}

	cmd.Flags().Bool("json", false, "Print the full records as JSON")

	return cmd
}

func versionsShowCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show <timestamp>",
		Short: "Print one version record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ts, err := parseTimestamp(args[0])
			if err != nil {
				return err
			}

			store, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			rec, err := store.Version(cmd.Context(), ts)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), rec)
		},
	}
}

func versionsRestoreCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "restore <timestamp>",
		Short: "Make an earlier version current again",
		Long: `Restore appends a new version carrying the rate table of <timestamp>
and makes it current. The log is never rewritten.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ts, err := parseTimestamp(args[0])
			if err != nil {
				return err
			}

			store, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			rec, err := store.Restore(cmd.Context(), ts)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "restored version %d as version %d\n", ts, rec.Timestamp)
			return nil
		},
	}
}
