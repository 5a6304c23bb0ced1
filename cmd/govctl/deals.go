package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"carhunter/audit"
	"carhunter/deal"
	"carhunter/lifecycle"
)

func newDealsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deals",
		Short: "Inspect deals and drive manual status changes",
	}
	cmd.AddCommand(newDealsAddCmd(opts), newDealsTransitionCmd(opts), newDealsStatusesCmd())
	return cmd
}

func newDealsAddCmd(opts *rootOptions) *cobra.Command {
	var d deal.Deal
	var estimated int64
	cmd := &cobra.Command{
		Use:   "add <deal-id>",
		Short: "Register a listing (for seeding and manual testing)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			d.ID = args[0]
			if estimated > 0 {
				d.EstimatedTotalCost = &estimated
			}
			created, err := deal.NewRepository(a.pool).InsertDeal(cmd.Context(), d)
			if err != nil {
				return err
			}
			printOK("deal %s registered (%s, listed %d)", created.ID, created.Status, created.ListedPrice)
			return nil
		},
	}
	cmd.Flags().StringVar(&d.Title, "title", "", "listing title")
	cmd.Flags().StringVar(&d.ListingURL, "url", "", "listing URL")
	cmd.Flags().Int64Var(&d.ListedPrice, "price", 0, "listed price")
	cmd.Flags().Int64Var(&estimated, "estimated-total", 0, "estimated total cost, when a breakdown exists")
	return cmd
}

func newDealsTransitionCmd(opts *rootOptions) *cobra.Command {
	var transitionOpts lifecycle.TransitionOptions
	cmd := &cobra.Command{
		Use:   "transition <deal-id> <status>",
		Short: "Move a deal to a new lifecycle status as the user",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := lifecycle.ParseStatus(args[1])
			if err != nil {
				return err
			}
			a, err := opts.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			transitionOpts.TriggeredBy = audit.TriggeredByUser
			res, err := a.gov.AttemptTransition(cmd.Context(), args[0], target, transitionOpts)
			if err != nil {
				return err
			}
			if res.Replayed {
				printWarn("event %s already applied, nothing changed", transitionOpts.EventKey)
				return nil
			}
			printOK("%s: %s -> %s (audit #%d)", res.DealID, res.From, res.To, res.AuditID)
			return nil
		},
	}
	cmd.Flags().StringVar(&transitionOpts.Reasoning, "reason", "", "why the status is changing")
	cmd.Flags().StringVar(&transitionOpts.EventKey, "event-key", "", "idempotency key for the change")
	return cmd
}

func newDealsStatusesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "statuses",
		Short: "Print the lifecycle transition table",
		Run: func(cmd *cobra.Command, _ []string) {
			for _, s := range lifecycle.All() {
				next := lifecycle.Allowed(s)
				if len(next) == 0 {
					fmt.Fprintf(cmd.OutOrStdout(), "%-18s (terminal)\n", s)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-18s -> %v\n", s, next)
			}
		},
	}
}
