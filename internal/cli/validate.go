package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Smalls1652/localllm-chat/internal/resource"
)

func newValidateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration and print the groups it declares",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.config(cmd)
			if err != nil {
				return err
			}
			source, err := newGroupSource(cfg, opts.logger(cfg))
			if err != nil {
				return err
			}
			groups, err := source.Load(cmd.Context())
			if err != nil {
				return err
			}
			return printGroups(cmd.OutOrStdout(), groups)
		},
	}
}

func printGroups(out io.Writer, groups []resource.Group) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "GROUP\tNETWORKS\tVOLUMES\tIMAGES\tCONTAINERS")
	for _, g := range groups {
		counts := map[resource.Kind]int{}
		for _, spec := range g.Specs {
			counts[spec.Kind]++
		}
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\n", g.ID,
			counts[resource.KindNetwork], counts[resource.KindVolume],
			counts[resource.KindImage], counts[resource.KindContainer])
	}
	if err := w.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(out, "%d group(s) valid\n", len(groups))
	return err
}
