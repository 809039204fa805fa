package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var serviceCmd = &cobra.Command{
	Use:   "service",
	Short: "Poll the heat pump and generate reports on schedule (default)",
	RunE:  runService,
}

func init() {
	rootCmd.AddCommand(serviceCmd)
}

func runService(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	svc, err := a.service()
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a.logger.Info("starting luxlogger", "version", Version, "mode", modeService,
		"sensor_source", cfg.Sensor.Source, "poll_interval", cfg.Poll.Interval)
	return svc.RunForever(ctx)
}
