package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Smalls1652/localllm-chat/internal/events"
	"github.com/Smalls1652/localllm-chat/internal/resource"
)

func newStatusCommand(opts *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the state of every group managed by a running engine",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.config(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.APITimeout)
			defer cancel()

			snaps, err := newAPIClient(cfg.APIAddr, cfg.APITimeout).Groups(ctx)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(snaps)
			}
			return printStatus(cmd.OutOrStdout(), snaps)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print snapshots as JSON")
	return cmd
}

func printStatus(out io.Writer, snaps []events.Snapshot) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "GROUP\tSTATE\tHEALTH\tINTENT\tCONTAINERS\tUPDATED\tERROR")
	for _, s := range snaps {
		errText := ""
		if s.LastError != nil {
			errText = s.LastError.Message
		}
		if !s.RuntimeAvailable {
			errText = strings.TrimSpace("runtime unavailable " + errText)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			s.Group, s.State, s.Health, s.Intent, containerSummary(s.Containers),
			s.UpdatedAt.Local().Format(time.DateTime), errText)
	}
	return w.Flush()
}

// containerSummary renders "healthy/total" plus the total restart count.
func containerSummary(containers []events.ContainerSnapshot) string {
	healthy, restarts := 0, 0
	for _, c := range containers {
		if c.Health == resource.HealthHealthy {
			healthy++
		}
		restarts += c.Restarts
	}
	summary := fmt.Sprintf("%d/%d healthy", healthy, len(containers))
	if restarts > 0 {
		summary += fmt.Sprintf(", %d restarts", restarts)
	}
	return summary
}
