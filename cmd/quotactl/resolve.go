package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/codex-k8s/quota-mcp-server/internal/timeutil"
)

func newApproveCmd(root *rootOptions) *cobra.Command {
	var queries int
	cmd := &cobra.Command{
		Use:   "approve <request-id>",
		Short: "Approve a pending request",
		Long:  `Approve a pending request and grant extra queries to its session. Without --queries the configured default grant applies.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := root.open(cmd)
			if err != nil {
				return err
			}
			n := queries
			if !cmd.Flags().Changed("queries") {
				n = s.policy.Quota.DefaultGrant
			}
			grant, err := s.manager.Approve(cmd.Context(), args[0], n)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s: session %s now has %s extra queries (approved %s)\n",
				countStyle.Render("approved"),
				idStyle.Render(args[0]),
				grant.SessionID,
				strconv.Itoa(grant.QueriesGranted),
				timeutil.FormatISO(grant.ApprovedAt),
			)
			return nil
		},
	}
	cmd.Flags().IntVarP(&queries, "queries", "q", 0, "Extra queries to grant")
	return cmd
}

func newDenyCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "deny <request-id>",
		Short: "Deny a pending request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := root.open(cmd)
			if err != nil {
				return err
			}
			req, err := s.manager.Deny(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s: session %s keeps its current limit\n",
				statusStyles[req.Status].Render("denied"),
				idStyle.Render(req.ID),
				req.SessionID,
			)
			return nil
		},
	}
}
