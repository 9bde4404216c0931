package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/codex-k8s/quota-mcp-server/internal/extension"
	"github.com/codex-k8s/quota-mcp-server/internal/workflow"
)

var errDrift = errors.New("snapshot does not match the ledger; run quotactl rebuild")

func newRebuildCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild",
		Short: "Recompute the grant snapshot from the ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := root.open(cmd)
			if err != nil {
				return err
			}
			snap, err := s.manager.Rebuild(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s snapshot with %d session grant(s) in %s\n",
				countStyle.Render("rebuilt"), snap.Len(), s.dataDir)
			return nil
		},
	}
}

func newVerifyCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Compare the grant snapshot with the ledger",
		Long:  `Compare the grant snapshot file with the grants derived from the ledger. Exits non-zero on drift.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := root.open(cmd)
			if err != nil {
				return err
			}
			report, err := s.manager.Verify()
			if err != nil {
				return err
			}
			printReport(cmd.OutOrStdout(), report)
			if !report.Consistent() {
				return errDrift
			}
			return nil
		},
	}
}

func newCompactCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "compact",
		Short: "Rewrite the ledger with one line per request",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := root.open(cmd)
			if err != nil {
				return err
			}
			dropped, err := s.manager.Compact(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s ledger: dropped %d superseded line(s)\n", countStyle.Render("compacted"), dropped)
			return nil
		},
	}
}

func printReport(w io.Writer, report workflow.VerifyReport) {
	fmt.Fprintf(w, "%s requests=%d pending=%d grants=%d\n",
		headerStyle.Render("ledger"), report.Requests, report.Pending, report.Grants)
	if report.Consistent() {
		fmt.Fprintln(w, countStyle.Render("snapshot consistent"))
		return
	}
	for _, d := range report.Drift {
		fmt.Fprintf(w, "%s session %s: expected %s, found %s\n",
			statusStyles[extension.StatusDenied].Render("drift"), d.SessionID, describeGrant(d.Expected), describeGrant(d.Actual))
	}
}

func describeGrant(g *extension.Grant) string {
	if g == nil {
		return "none"
	}
	return fmt.Sprintf("%d via %s", g.QueriesGranted, g.RequestID)
}
