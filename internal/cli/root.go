// Package cli implements the localllm-chat command line.
package cli

import (
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/Smalls1652/localllm-chat/internal/config"
	"github.com/Smalls1652/localllm-chat/internal/logging"
)

// Version is set at build time with -ldflags.
var Version = "dev"

type rootOptions struct {
	logLevel  *enumValue
	logFormat *enumValue
	apiAddr   string
}

// config loads the environment configuration and applies flag overrides.
func (o *rootOptions) config(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, err
	}
	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.LogLevel = o.logLevel.String()
	}
	if flags.Changed("log-format") {
		cfg.LogFormat = o.logFormat.String()
	}
	if flags.Changed("api-addr") {
		cfg.APIAddr = o.apiAddr
	}
	return cfg, nil
}

func (o *rootOptions) logger(cfg config.Config) zerolog.Logger {
	return logging.NewWithFormat(cfg.LogLevel, cfg.LogFormat).With().Str("component", "localllm-chat").Logger()
}

// NewRootCommand builds the command tree. Running the root command without a
// subcommand behaves like "up".
func NewRootCommand() *cobra.Command {
	opts := &rootOptions{
		logLevel:  newEnumValue("trace", "debug", "info", "warn", "warning", "error", "fatal", "panic", "disabled", "off"),
		logFormat: newEnumValue("json", "console"),
	}
	up := &upOptions{}

	root := &cobra.Command{
		Use:   "localllm-chat",
		Short: "Run Open WebUI and its backing services on the local container runtime",
		Long: `localllm-chat keeps a local Open WebUI installation running.

It converges the local Docker-compatible daemon to the configured groups of
networks, volumes, images and containers, supervises container health and
serves a small control API for the desktop shell.`,
		Version:       Version,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runUp(cmd, opts, up)
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.SetVersionTemplate("localllm-chat version {{.Version}}\n")

	persistent := root.PersistentFlags()
	persistent.Var(opts.logLevel, "log-level", "log level (overrides LLMCHAT_LOG_LEVEL)")
	persistent.Var(opts.logFormat, "log-format", "log format: json or console (overrides LLMCHAT_LOG_FORMAT)")
	persistent.StringVar(&opts.apiAddr, "api-addr", "", "control API address (overrides LLMCHAT_API_ADDR)")

	root.AddCommand(
		newUpCommand(opts),
		newDownCommand(opts),
		newStatusCommand(opts),
		newLogsCommand(opts),
		newValidateCommand(opts),
	)
	return root
}
