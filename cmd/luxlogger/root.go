package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/vjranagit/luxlogger/internal/config"
	"github.com/vjranagit/luxlogger/internal/logging"
)

// Version is set at build time.
var Version = "0.3.0"

// Run modes accepted by --mode.
const (
	modeService = "service"
	modeReports = "generate-reports"
	modeWeb     = "web"
)

var (
	cfgFile   string
	logLevel  string
	logFormat string
	mode      string
)

var rootCmd = &cobra.Command{
	Use:   "luxlogger",
	Short: "Heat pump data logger",
	Long: `luxlogger polls a Luxtronik heat pump controller at a fixed interval,
validates and stores every reading, and writes daily and weekly CSV reports.
Without a subcommand it runs the mode selected by --mode.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		switch mode {
		case modeService:
			return runService(cmd, args)
		case modeReports:
			return runReports(cmd, args)
		case modeWeb:
			return runWeb(cmd, args)
		default:
			return fmt.Errorf("unknown mode %q (want %s, %s or %s)", mode, modeService, modeReports, modeWeb)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path (also $LUXLOGGER_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn or error (overrides config)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format: text or json (overrides config)")
	rootCmd.Flags().StringVar(&mode, "mode", modeService, "run mode: service, generate-reports or web")
}

// loadConfig reads the configuration and installs the process logger.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}
	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	logging.Init(level, cfg.Log.Format)
	return cfg, nil
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
