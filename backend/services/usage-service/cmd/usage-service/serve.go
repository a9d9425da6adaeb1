package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, device websocket hub and timeout sweeper",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the postgres schema",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime()
		if err != nil {
			return err
		}
		defer rt.close()

		if err := rt.app.Migrate(rt.ctx); err != nil {
			return err
		}
		rt.logger.Info("schema applied")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd, migrateCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	rt, err := newRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	rt.logger.Info("usage service starting",
		zap.String("version", version),
		zap.String("addr", rt.cfg.HTTPAddress()),
		zap.String("storage", rt.cfg.Storage.Driver),
		zap.Bool("redis", rt.cfg.RedisEnabled()),
	)
	return rt.app.Run(rt.ctx)
}
