package main

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"carhunter/audit"
)

var requiredTables = []string{"deals", "approval_queue", "audit_log", "processed_events", "negotiation_contexts"}

type checkResult struct {
	name   string
	detail string
	err    error
}

func newDoctorCmd(opts *rootOptions) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check config, schema, ledger integrity and the approval backlog",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := opts.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			results := runChecks(ctx, a)
			failed := 0
			for _, r := range results {
				if r.err != nil {
					failed++
					printWarn("%-10s %v", r.name, r.err)
					continue
				}
				printOK("%-10s %s", r.name, r.detail)
			}
			if failed > 0 {
				return fmt.Errorf("%d check(s) failed", failed)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "overall deadline for all checks")
	return cmd
}

// runChecks runs every probe concurrently. A failing probe does not cancel the
// others.
func runChecks(ctx context.Context, a *app) []checkResult {
	checks := map[string]func(context.Context) (string, error){
		"config": func(context.Context) (string, error) {
			if err := a.cfg.Validate(); err != nil {
				return "", err
			}
			return fmt.Sprintf("governance enabled=%t", a.cfg.Governance.Enabled), nil
		},
		"database": func(ctx context.Context) (string, error) {
			if err := a.pool.Ping(ctx); err != nil {
				return "", err
			}
			return "reachable", nil
		},
		"schema": func(ctx context.Context) (string, error) {
			for _, table := range requiredTables {
				var exists bool
				if err := a.pool.QueryRow(ctx, `SELECT to_regclass($1) IS NOT NULL`, table).Scan(&exists); err != nil {
					return "", err
				}
				if !exists {
					return "", fmt.Errorf("table %s missing, run govctl migrate", table)
				}
			}
			return fmt.Sprintf("%d tables present", len(requiredTables)), nil
		},
		"ledger": func(ctx context.Context) (string, error) {
			entries, err := a.gov.Ledger().List(ctx, audit.Filter{Limit: 1000})
			if err != nil {
				return "", err
			}
			if bad := audit.Verify(entries); len(bad) > 0 {
				return "", fmt.Errorf("%d entries do not match their digest (first: %d)", len(bad), bad[0])
			}
			return fmt.Sprintf("%d recent entries verified", len(entries)), nil
		},
		"approvals": func(ctx context.Context) (string, error) {
			all, err := a.gov.ListPendingApprovals(ctx, false)
			if err != nil {
				return "", err
			}
			live, err := a.gov.ListPendingApprovals(ctx, true)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("%d pending, %d expired awaiting cleanup", len(live), len(all)-len(live)), nil
		},
	}

	var (
		mu      sync.Mutex
		results []checkResult
	)
	g, gctx := errgroup.WithContext(ctx)
	for name, check := range checks {
		name, check := name, check
		g.Go(func() error {
			detail, err := check(gctx)
			mu.Lock()
			results = append(results, checkResult{name: name, detail: detail, err: err})
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].name < results[j].name })
	return results
}
