package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/Smalls1652/localllm-chat/internal/config"
	"github.com/Smalls1652/localllm-chat/internal/daemon"
	"github.com/Smalls1652/localllm-chat/internal/engine"
	"github.com/Smalls1652/localllm-chat/internal/events"
	"github.com/Smalls1652/localllm-chat/internal/reconcile"
	"github.com/Smalls1652/localllm-chat/internal/resource"
)

const downPollInterval = 500 * time.Millisecond

func newDownCommand(opts *rootOptions) *cobra.Command {
	var (
		timeout      time.Duration
		purgeUnowned bool
	)
	cmd := &cobra.Command{
		Use:   "down [group...]",
		Short: "Stop and remove the containers of the configured groups",
		Long: `Tear groups down. When an "up" process is serving the control API
the request goes through it; otherwise the groups are torn down directly
against the container runtime. Without arguments every group is stopped.

--purge-unowned additionally removes containers and networks that use a
declared name but were not created by this application, such as leftovers
of an older install. Volumes are kept.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.config(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			logger := opts.logger(cfg)
			out := cmd.OutOrStdout()
			if err := runDown(ctx, cfg, logger, out, args); err != nil {
				return err
			}
			if !purgeUnowned {
				return nil
			}
			return runPurge(ctx, cfg, logger, out, args)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "how long to wait for teardown")
	cmd.Flags().BoolVar(&purgeUnowned, "purge-unowned", false, "also remove unlabelled containers and networks that use declared names")
	return cmd
}

func runDown(ctx context.Context, cfg config.Config, logger zerolog.Logger, out io.Writer, only []string) error {
	api := newAPIClient(cfg.APIAddr, cfg.APITimeout)
	snaps, err := api.Groups(ctx)
	if err == nil {
		return downViaAPI(ctx, api, snaps, out, only)
	}
	logger.Debug().Err(err).Msg("control api not reachable, tearing down directly")
	return downLocal(ctx, cfg, logger, out, only)
}

func runPurge(ctx context.Context, cfg config.Config, logger zerolog.Logger, out io.Writer, only []string) error {
	selected, _, err := loadSelected(ctx, cfg, logger, only)
	if err != nil {
		return err
	}
	client, err := openDaemon(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer client.Close()
	return purgeGroups(ctx, client, selected, cfg.StopGrace, out)
}

func purgeGroups(ctx context.Context, client daemon.Client, groups []resource.Group, stopGrace time.Duration, out io.Writer) error {
	for _, g := range groups {
		p, err := reconcile.Purge(ctx, client, g, stopGrace)
		for _, action := range p.Actions {
			fmt.Fprintf(out, "%s: %s\n", g.ID, action)
		}
		if err != nil {
			return fmt.Errorf("purge %s: %w", g.ID, err)
		}
	}
	return nil
}

func downViaAPI(ctx context.Context, api *apiClient, snaps []events.Snapshot, out io.Writer, only []string) error {
	ids, err := selectGroups(groupIDsOf(snaps), only)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if _, err := api.Stop(ctx, id); err != nil {
			return fmt.Errorf("stop %s: %w", id, err)
		}
		fmt.Fprintf(out, "stopping %s\n", id)
	}

	ticker := time.NewTicker(downPollInterval)
	defer ticker.Stop()
	for {
		snaps, err := api.Groups(ctx)
		if err != nil {
			return err
		}
		if allIdle(snaps, ids) {
			for _, id := range ids {
				fmt.Fprintf(out, "%s is down\n", id)
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for teardown: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

func downLocal(ctx context.Context, cfg config.Config, logger zerolog.Logger, out io.Writer, only []string) error {
	selected, ids, err := loadSelected(ctx, cfg, logger, only)
	if err != nil {
		return err
	}
	client, err := openDaemon(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer client.Close()

	engineCfg := engineConfig(cfg)
	engineCfg.Reconcile.AutoStart = false
	eng, err := engine.New(client, selected, engineCfg, engine.WithLogger(logger))
	if err != nil {
		return err
	}

	runCtx, cancelRun := context.WithCancel(context.WithoutCancel(ctx))
	runErr := make(chan error, 1)
	go func() {
		runErr <- eng.Run(runCtx)
	}()

	for _, id := range ids {
		fmt.Fprintf(out, "stopping %s\n", id)
	}
	shutdownErr := eng.Shutdown(ctx)
	cancelRun()
	<-runErr
	if shutdownErr != nil {
		return shutdownErr
	}
	for _, id := range ids {
		fmt.Fprintf(out, "%s is down\n", id)
	}
	return nil
}

// loadSelected loads the configured groups and keeps the ones named in only,
// in the order given.
func loadSelected(ctx context.Context, cfg config.Config, logger zerolog.Logger, only []string) ([]resource.Group, []string, error) {
	source, err := newGroupSource(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	groups, err := source.Load(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("load groups: %w", err)
	}
	ids, err := selectGroups(groupIDs(groups), only)
	if err != nil {
		return nil, nil, err
	}
	selected := make([]resource.Group, 0, len(ids))
	for _, id := range ids {
		for _, g := range groups {
			if g.ID == id {
				selected = append(selected, g)
			}
		}
	}
	return selected, ids, nil
}

func openDaemon(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*daemon.DockerClient, error) {
	client, err := daemon.NewDockerClient(cfg.DockerHost, cfg.APITimeout,
		daemon.WithPullTimeout(cfg.PullTimeout),
		daemon.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("container runtime: %w", err)
	}
	return client, nil
}

// selectGroups returns only, in order, after checking every id is known. An
// empty selection means all groups.
func selectGroups(known []string, only []string) ([]string, error) {
	if len(only) == 0 {
		return known, nil
	}
	exists := make(map[string]bool, len(known))
	for _, id := range known {
		exists[id] = true
	}
	for _, id := range only {
		if !exists[id] {
			return nil, fmt.Errorf("%w: %s", engine.ErrUnknownGroup, id)
		}
	}
	return only, nil
}

func groupIDsOf(snaps []events.Snapshot) []string {
	ids := make([]string, 0, len(snaps))
	for _, s := range snaps {
		ids = append(ids, s.Group)
	}
	return ids
}

func allIdle(snaps []events.Snapshot, ids []string) bool {
	byID := make(map[string]events.Snapshot, len(snaps))
	for _, s := range snaps {
		byID[s.Group] = s
	}
	for _, id := range ids {
		s, ok := byID[id]
		if !ok {
			continue
		}
		if s.State != resource.StateIdle || s.Intent != string(reconcile.IntentDown) {
			return false
		}
	}
	return true
}
