package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var reportsCmd = &cobra.Command{
	Use:   "generate-reports",
	Short: "Generate the daily and weekly reports once and exit",
	Long: `generate-reports removes expired reports and writes the daily and weekly
reports ending now. It exits non-zero when any step failed.`,
	RunE: runReports,
}

func init() {
	rootCmd.AddCommand(reportsCmd)
}

func runReports(cmd *cobra.Command, args []string) error {
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

	if err := svc.GenerateReportsNow(ctx); err != nil {
		return err
	}
	a.logger.Info("reports generated")
	return nil
}
