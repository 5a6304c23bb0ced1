package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"carhunter/audit"
)

func newAuditCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Read the append-only audit ledger",
	}
	cmd.AddCommand(newAuditListCmd(opts), newAuditVerifyCmd(opts))
	return cmd
}

func newAuditListCmd(opts *rootOptions) *cobra.Command {
	var f audit.Filter
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Show audit entries, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := opts.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			entries, err := a.gov.Ledger().List(cmd.Context(), f)
			if err != nil {
				return err
			}
			writeAudit(cmd.OutOrStdout(), entries)
			return nil
		},
	}
	cmd.Flags().StringVar(&f.DealID, "deal", "", "only entries for this deal")
	cmd.Flags().StringVar(&f.Action, "action", "", "only entries with this action")
	cmd.Flags().IntVarP(&f.Limit, "limit", "n", 50, "maximum entries to show")
	return cmd
}

func newAuditVerifyCmd(opts *rootOptions) *cobra.Command {
	var f audit.Filter
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Recompute entry digests and report rows altered after the fact",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := opts.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			entries, err := a.gov.Ledger().List(cmd.Context(), f)
			if err != nil {
				return err
			}
			tampered := audit.Verify(entries)
			if len(tampered) > 0 {
				for _, id := range tampered {
					printWarn("entry %d does not match its digest", id)
				}
				return fmt.Errorf("%d of %d entries failed verification", len(tampered), len(entries))
			}
			printOK("%d entries verified", len(entries))
			return nil
		},
	}
	cmd.Flags().StringVar(&f.DealID, "deal", "", "only entries for this deal")
	cmd.Flags().IntVarP(&f.Limit, "limit", "n", 1000, "maximum entries to verify")
	return cmd
}
