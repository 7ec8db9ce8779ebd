package cli

import (
	"io"

	"github.com/spf13/cobra"
)

func newLogsCommand(opts *rootOptions) *cobra.Command {
	var (
		tail   string
		follow bool
	)
	cmd := &cobra.Command{
		Use:   "logs <group> <container>",
		Short: "Print a container's logs through the running engine",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.config(cmd)
			if err != nil {
				return err
			}
			api := newAPIClient(cfg.APIAddr, 0)
			body, err := api.Logs(cmd.Context(), args[0], args[1], tail, follow)
			if err != nil {
				return err
			}
			defer body.Close()
			_, err = io.Copy(cmd.OutOrStdout(), body)
			return err
		},
	}
	cmd.Flags().StringVar(&tail, "tail", "200", `number of lines to show from the end, or "all"`)
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep streaming new output")
	return cmd
}
