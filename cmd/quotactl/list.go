package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/codex-k8s/quota-mcp-server/internal/extension"
	"github.com/codex-k8s/quota-mcp-server/internal/protocol"
	"github.com/codex-k8s/quota-mcp-server/internal/timeutil"
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("62"))

	idStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("240")).
		Italic(true)

	countStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42")).
			Bold(true)

	statusStyles = map[extension.Status]lipgloss.Style{
		extension.StatusPending:  lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		extension.StatusApproved: lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		extension.StatusDenied:   lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
	}
)

func newListCmd(root *rootOptions) *cobra.Command {
	var (
		status string
		output string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List extension requests",
		Long:  `List extension requests newest first. Status is pending, approved, denied or all.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter, err := extension.ParseFilter(status)
			if err != nil {
				return err
			}
			s, err := root.open(cmd)
			if err != nil {
				return err
			}
			reqs, err := s.manager.ListRequests(filter)
			if err != nil {
				return err
			}
			if limit > 0 && len(reqs) > limit {
				reqs = reqs[:limit]
			}
			switch output {
			case "json":
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(protocol.NewRequestViews(reqs))
			case "table", "":
				displayRequests(cmd.OutOrStdout(), reqs, status)
				return nil
			default:
				return fmt.Errorf("unknown output %q (table or json)", output)
			}
		},
	}
	cmd.Flags().StringVar(&status, "status", string(extension.StatusPending), "Status filter: pending, approved, denied or all")
	cmd.Flags().StringVarP(&output, "output", "o", "table", "Output format: table or json")
	cmd.Flags().IntVar(&limit, "limit", 0, "Show at most this many requests")
	return cmd
}

func displayRequests(w io.Writer, reqs []extension.Request, filter string) {
	label := strings.ToLower(strings.TrimSpace(filter))
	if label == "" {
		label = extension.StatusAll
	}
	if len(reqs) == 0 {
		fmt.Fprintf(w, "No %s extension requests.\n", label)
		return
	}
	fmt.Fprintf(w, "%s %s\n\n", headerStyle.Render("Extension requests"), countStyle.Render("("+strconv.Itoa(len(reqs))+" "+label+")"))

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "REQUEST ID\tSESSION\tEMAIL\tSTATUS\tCREATED\tGRANTED\tRESOLVED")
	for _, req := range reqs {
		resolved := "-"
		if req.ResolvedAt != nil {
			resolved = timeutil.FormatISO(*req.ResolvedAt)
		}
		granted := "-"
		if req.Status == extension.StatusApproved {
			granted = strconv.Itoa(req.QueriesGranted)
		}
		status := string(req.Status)
		if style, ok := statusStyles[req.Status]; ok {
			status = style.Render(status)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			idStyle.Render(req.ID),
			req.SessionID,
			req.Email,
			status,
			timeutil.FormatISO(req.CreatedAt),
			granted,
			resolved,
		)
	}
	_ = tw.Flush()
}
