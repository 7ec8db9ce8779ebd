package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/Smalls1652/localllm-chat/internal/config"
	"github.com/Smalls1652/localllm-chat/internal/daemon"
	"github.com/Smalls1652/localllm-chat/internal/engine"
	"github.com/Smalls1652/localllm-chat/internal/healthcheck"
	"github.com/Smalls1652/localllm-chat/internal/metrics"
	"github.com/Smalls1652/localllm-chat/internal/notify"
	"github.com/Smalls1652/localllm-chat/internal/server"
	"github.com/Smalls1652/localllm-chat/internal/state"
)

// teardownTimeout bounds the teardown on exit. Containers get StopGrace each
// on top of it.
const teardownTimeout = time.Minute

type upOptions struct {
	noAutoStart bool
	keepRunning bool
}

func newUpCommand(opts *rootOptions) *cobra.Command {
	up := &upOptions{}
	cmd := &cobra.Command{
		Use:   "up",
		Short: "Run the engine and bring the configured groups up",
		Long: `Run the engine in the foreground. Groups are brought up unless
auto-start is disabled, SIGHUP reloads the group configuration and SIGINT or
SIGTERM tears every group down before exiting.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runUp(cmd, opts, up)
		},
	}
	cmd.Flags().BoolVar(&up.noAutoStart, "no-auto-start", false, "start the engine without bringing groups up")
	cmd.Flags().BoolVar(&up.keepRunning, "keep-running", false, "leave containers running on exit")
	return cmd
}

func runUp(cmd *cobra.Command, opts *rootOptions, up *upOptions) error {
	cfg, err := opts.config(cmd)
	if err != nil {
		return err
	}
	if up.noAutoStart {
		cfg.AutoStart = false
	}
	if up.keepRunning {
		cfg.TeardownOnExit = false
	}
	logger := opts.logger(cfg)
	return serve(cmd.Context(), cfg, logger)
}

func serve(parent context.Context, cfg config.Config, logger zerolog.Logger) error {
	logger.Info().
		Str("version", Version).
		Bool("auto_start", cfg.AutoStart).
		Bool("teardown_on_exit", cfg.TeardownOnExit).
		Msg("localllm-chat starting")

	sigCtx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	source, err := newGroupSource(cfg, logger)
	if err != nil {
		return err
	}
	groups, err := source.Load(sigCtx)
	if err != nil {
		return fmt.Errorf("load groups: %w", err)
	}

	client, err := daemon.NewDockerClient(cfg.DockerHost, cfg.APITimeout,
		daemon.WithPullTimeout(cfg.PullTimeout),
		daemon.WithLogger(logger),
	)
	if err != nil {
		return err
	}
	defer client.Close()

	collector := metrics.New()
	tracker := healthcheck.NewTracker()
	eng, err := engine.New(client, groups, engineConfig(cfg),
		engine.WithLogger(logger),
		engine.WithRecorders(collector, collector),
		engine.WithPassHook(tracker.RecordPass),
		engine.WithPingHook(func(d time.Duration, available bool) {
			tracker.RecordCheck(d, available)
			collector.SetDaemonAvailable(available)
		}),
	)
	if err != nil {
		return err
	}

	// The engine outlives the signal context so groups can be torn down
	// after SIGINT.
	runCtx, cancelRun := context.WithCancel(context.WithoutCancel(parent))
	defer cancelRun()

	runErr := make(chan error, 1)
	go func() {
		runErr <- eng.Run(runCtx)
	}()

	notifier, err := buildNotifier(cfg, logger)
	if err != nil {
		cancelRun()
		<-runErr
		return err
	}
	dispatchOpts := []notify.DispatcherOption{notify.WithRecorder(collector)}
	if cfg.StateFile != "" {
		dispatchOpts = append(dispatchOpts, notify.WithStore(state.NewFileStore(cfg.StateFile, logger)))
	}
	dispatcher := notify.NewDispatcher(notifier, logger.With().Str("component", "notify").Logger(), dispatchOpts...)
	go func() {
		if err := dispatcher.Run(runCtx, eng.Subscribe()); err != nil {
			logger.Error().Err(err).Msg("notification dispatcher stopped")
		}
	}()

	server.Start(runCtx, logger, server.Options{
		PollInterval: cfg.PollInterval,
		Tracker:      tracker,
		Metrics:      collector,
		HealthPort:   cfg.HealthPort,
		MetricsPort:  cfg.MetricsPort,
		APIAddr:      cfg.APIAddr,
		API:          server.NewAPI(eng, logger.With().Str("component", "api").Logger()),
	})

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	current := groupIDs(groups)
wait:
	for {
		select {
		case <-sigCtx.Done():
			break wait
		case <-hup:
			current = reload(sigCtx, source, eng, tracker, current, logger)
		case err := <-runErr:
			if err == nil {
				err = errors.New("engine stopped unexpectedly")
			}
			return err
		}
	}

	logger.Info().Msg("shutdown signal received")
	if cfg.TeardownOnExit {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), teardownTimeout+cfg.StopGrace)
		if err := eng.Shutdown(ctx); err != nil {
			logger.Error().Err(err).Msg("teardown incomplete")
		}
		cancel()
	}
	cancelRun()
	return <-runErr
}

// reload re-reads the group sources and hands them to the engine. A failed
// reload keeps the running configuration.
func reload(ctx context.Context, source *groupSource, eng *engine.Engine, tracker *healthcheck.Tracker, current []string, logger zerolog.Logger) []string {
	logger.Info().Msg("reloading group configuration")
	groups, err := source.Load(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("reload failed, keeping current groups")
		return current
	}
	if err := eng.Reconfigure(groups); err != nil {
		logger.Error().Err(err).Msg("reconfigure rejected, keeping current groups")
		return current
	}

	next := groupIDs(groups)
	kept := make(map[string]bool, len(next))
	for _, id := range next {
		kept[id] = true
	}
	for _, id := range current {
		if !kept[id] {
			tracker.Forget(id)
		}
	}
	logger.Info().Strs("groups", next).Msg("group configuration reloaded")
	return next
}

// buildNotifier combines the configured Slack and webhook targets. With
// neither configured notifications are dropped.
func buildNotifier(cfg config.Config, logger zerolog.Logger) (notify.Notifier, error) {
	notifiers := []notify.Notifier{}
	if cfg.SlackWebhookURL != "" {
		notifiers = append(notifiers, notify.NewSlackNotifier(logger, cfg.SlackWebhookURL))
	}
	webhook, err := notify.NewWebhookNotifier(logger, cfg.WebhookURL, cfg.WebhookTemplate)
	if err != nil {
		return nil, err
	}
	if webhook != nil {
		notifiers = append(notifiers, webhook)
	}

	var notifier notify.Notifier
	switch len(notifiers) {
	case 0:
		notifier = notify.NewNoop(logger, "no notification targets configured; notifications disabled")
	case 1:
		notifier = notifiers[0]
	default:
		notifier = notify.NewMultiNotifier(notifiers...)
	}
	if cfg.NotifyDryRun {
		notifier = notify.NewDryRunNotifier(logger, notifier)
	}
	return notifier, nil
}
