package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	libconfig "aquatrack/backend/libs/config"
	"aquatrack/backend/libs/logging"
	"aquatrack/backend/services/usage-service/internal/app"
	"aquatrack/backend/services/usage-service/internal/config"
)

const serviceName = "usage-service"

var (
	version    = "dev"
	configPath string
)

var rootCmd = &cobra.Command{
	Use:   serviceName,
	Short: "Usage session lifecycle and conservation accounting service",
	Long: `usage-service tracks measurement sessions of water and electricity devices,
records usage in a daily ledger, turns it into conservation scores and audits the
ledger against the sessions it was built from.`,
	Version:      version,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if configPath != "" {
			_ = os.Setenv(libconfig.PathEnv, configPath)
		}
	},
	RunE: runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file (overrides CONFIG_FILE)")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// runtime holds what every command needs.
type runtime struct {
	ctx    context.Context
	cfg    *config.Config
	logger *zap.Logger
	app    *app.App
	stop   func()
}

func (r *runtime) close() {
	if r.app != nil {
		r.app.Close()
	}
	_ = r.logger.Sync()
	r.stop()
}

func newRuntime() (*runtime, error) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	cfg, err := config.Load()
	if err != nil {
		stop()
		return nil, err
	}

	logger, err := logging.NewLogger(serviceName)
	if err != nil {
		stop()
		return nil, err
	}

	application, err := app.New(ctx, cfg, logger)
	if err != nil {
		_ = logger.Sync()
		stop()
		return nil, fmt.Errorf("init %s: %w", serviceName, err)
	}

	return &runtime{ctx: ctx, cfg: cfg, logger: logger, app: application, stop: stop}, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
