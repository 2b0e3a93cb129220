// Command zoea-engine runs the event trigger dispatch and scheduled
// execution engine.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/unbracketed/zoea-collab-sub000/internal/config"
	"github.com/unbracketed/zoea-collab-sub000/internal/logging"
)

// Build-time variables set via -ldflags
var (
	version = "dev"
	commit  = "unknown"
)

const (
	exitSuccess       = 0
	exitRuntimeError  = 1
	exitInvalidConfig = 2
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	root := rootCmd()
	root.SetArgs(args)
	err := root.Execute()
	if err == nil {
		return exitSuccess
	}
	fmt.Fprintf(os.Stderr, "%v\n", err)
	return exitCode(err)
}

func exitCode(err error) int {
	var verrs config.ValidationErrors
	if errors.As(err, &verrs) {
		return exitInvalidConfig
	}
	return exitRuntimeError
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "zoea-engine",
		Short:         "Event trigger dispatch and scheduled execution engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(
		serveCmd(),
		migrateCmd(),
		validateCmd(),
		configCmd(),
		versionCmd(),
		retryFailedCmd(),
		runDueCmd(),
	)
	return cmd
}

// loadConfig loads and validates the configuration, then builds the logger.
func loadConfig() (config.Config, *zap.Logger, error) {
	cfg := config.Load()
	if err := config.Validate(cfg); err != nil {
		return cfg, nil, err
	}
	log, err := logging.New(cfg.AppEnv, cfg.LogLevel)
	if err != nil {
		return cfg, nil, fmt.Errorf("build logger: %w", err)
	}
	return cfg, log, nil
}

func logConfigWarnings(log *zap.Logger, cfg config.Config) {
	for _, w := range config.Warnings(cfg) {
		log.Warn("zoea-engine: " + w)
	}
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration (no connections made)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			if err := config.Validate(cfg); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, w := range config.Warnings(cfg) {
				fmt.Fprintf(out, "warning: %s\n", w)
			}
			fmt.Fprintln(out, "configuration valid")
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print effective configuration as JSON (secrets masked)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := config.Load().MaskedJSON()
			if err != nil {
				return fmt.Errorf("marshal config: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "zoea-engine version %s (commit: %s)\n", version, commit)
		},
	}
}
