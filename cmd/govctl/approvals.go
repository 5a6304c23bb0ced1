package main

import (
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"carhunter/approval"
	"carhunter/review"
)

func newApprovalsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "approvals",
		Aliases: []string{"approval", "ap"},
		Short:   "Inspect and resolve human-approval requests",
	}
	cmd.AddCommand(
		newApprovalsListCmd(opts),
		newApprovalsResolveCmd(opts, "approve", approval.StatusApproved),
		newApprovalsResolveCmd(opts, "reject", approval.StatusRejected),
		newApprovalsTokenCmd(opts),
		newApprovalsRedeemCmd(opts),
		newApprovalsReviewCmd(opts),
	)
	return cmd
}

func newApprovalsListCmd(opts *rootOptions) *cobra.Command {
	var includeExpired bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List pending approvals, oldest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := opts.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			reqs, err := a.gov.ListPendingApprovals(cmd.Context(), !includeExpired)
			if err != nil {
				return err
			}
			writeApprovals(cmd.OutOrStdout(), reqs)
			return nil
		},
	}
	cmd.Flags().BoolVar(&includeExpired, "include-expired", false, "also show pending requests past their expiry")
	return cmd
}

func newApprovalsResolveCmd(opts *rootOptions, use string, outcome approval.Status) *cobra.Command {
	var by, notes string
	cmd := &cobra.Command{
		Use:   use + " <approval-id>",
		Short: fmt.Sprintf("Mark a pending approval as %s", outcome),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			req, err := a.gov.ResolveApproval(cmd.Context(), args[0], outcome, approval.Resolution{By: by, Notes: notes})
			if err != nil {
				return err
			}
			printOK("%s %s (%s)", req.ID, req.Status, req.Description)
			return nil
		},
	}
	cmd.Flags().StringVar(&by, "by", os.Getenv("USER"), "reviewer recorded on the resolution")
	cmd.Flags().StringVar(&notes, "notes", "", "resolution notes")
	return cmd
}

func newApprovalsTokenCmd(opts *rootOptions) *cobra.Command {
	var outcome, reviewer string
	cmd := &cobra.Command{
		Use:   "token <approval-id>",
		Short: "Issue a signed one-click review token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			signer, err := approval.NewTokenSigner(cfg.Review.TokenSecret, cfg.Review.TokenTTL)
			if err != nil {
				return err
			}
			token, err := signer.Issue(args[0], approval.Status(outcome), reviewer)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&outcome, "outcome", string(approval.StatusApproved), "approved or rejected")
	cmd.Flags().StringVar(&reviewer, "reviewer", os.Getenv("USER"), "reviewer the token is issued to")
	return cmd
}

func newApprovalsRedeemCmd(opts *rootOptions) *cobra.Command {
	var notes string
	cmd := &cobra.Command{
		Use:   "redeem <token>",
		Short: "Resolve an approval from a signed review token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			signer, err := approval.NewTokenSigner(a.cfg.Review.TokenSecret, a.cfg.Review.TokenTTL)
			if err != nil {
				return err
			}
			req, err := a.gov.Queue().Redeem(cmd.Context(), signer, args[0], notes)
			if err != nil {
				return err
			}
			printOK("%s %s by %s", req.ID, req.Status, req.ResolvedBy)
			return nil
		},
	}
	cmd.Flags().StringVar(&notes, "notes", "", "resolution notes")
	return cmd
}

func newApprovalsReviewCmd(opts *rootOptions) *cobra.Command {
	var reviewer string
	cmd := &cobra.Command{
		Use:   "review",
		Short: "Work through pending approvals interactively",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := opts.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			model := review.New(a.gov.Queue(), reviewer)
			if _, err := tea.NewProgram(model, tea.WithContext(cmd.Context())).Run(); err != nil {
				return fmt.Errorf("review console: %w", err)
			}
			printOK("resolved %d approval(s)", model.Resolved())
			return nil
		},
	}
	cmd.Flags().StringVar(&reviewer, "reviewer", os.Getenv("USER"), "reviewer recorded on resolutions")
	return cmd
}
