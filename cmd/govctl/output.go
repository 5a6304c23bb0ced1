package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"

	"carhunter/approval"
	"carhunter/audit"
)

func printOK(format string, args ...any) {
	color.Green("✓ "+format, args...)
}

func printWarn(format string, args ...any) {
	color.Yellow("! "+format, args...)
}

func statusColor(s approval.Status) func(a ...interface{}) string {
	switch s {
	case approval.StatusApproved:
		return color.New(color.FgGreen).SprintFunc()
	case approval.StatusRejected:
		return color.New(color.FgRed).SprintFunc()
	case approval.StatusExpired:
		return color.New(color.FgHiBlack).SprintFunc()
	default:
		return color.New(color.FgYellow).SprintFunc()
	}
}

func writeApprovals(w io.Writer, reqs []approval.Request) {
	if len(reqs) == 0 {
		fmt.Fprintln(w, color.HiBlackString("no pending approvals"))
		return
	}
	for _, r := range reqs {
		paint := statusColor(r.Status)
		fmt.Fprintf(w, "%s  %-8s  %-18s  %-12s  %s\n",
			color.CyanString(r.ID),
			paint(string(r.Status)),
			r.CheckpointType,
			r.DealID,
			r.Description,
		)
		if r.ExpiresAt != nil {
			fmt.Fprintf(w, "    expires %s\n", r.ExpiresAt.Local().Format(time.RFC1123))
		}
	}
}

func writeAudit(w io.Writer, entries []audit.Entry) {
	for _, e := range entries {
		transition := ""
		if e.FromState != "" || e.ToState != "" {
			transition = fmt.Sprintf(" %s -> %s", e.FromState, e.ToState)
		}
		fmt.Fprintf(w, "%6d  %s  %-20s %-8s %s%s  %s\n",
			e.ID,
			e.CreatedAt.Local().Format("2006-01-02 15:04:05"),
			color.CyanString(e.Action),
			e.TriggeredBy,
			e.DealID,
			transition,
			strings.TrimSpace(e.Description),
		)
	}
}
