package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/vjranagit/luxlogger/pkg/api"
	"github.com/vjranagit/luxlogger/pkg/service"
)

var (
	listenAddr string
	apiOnly    bool
)

var webCmd = &cobra.Command{
	Use:   "web",
	Short: "Serve the dashboard API",
	Long: `web serves the read-only dashboard API. Unless --api-only is given the
logger service runs in the same process, sharing the store; the badger driver
allows only one process to open the store at a time.`,
	RunE: runWeb,
}

func init() {
	webCmd.Flags().StringVar(&listenAddr, "listen", "", "HTTP listen address (overrides config)")
	webCmd.Flags().BoolVar(&apiOnly, "api-only", false, "serve the API without polling")
	rootCmd.AddCommand(webCmd)
}

func runWeb(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if listenAddr != "" {
		cfg.Server.ListenAddr = listenAddr
	}
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	srv := api.NewServer(cfg.Server.ListenAddr, a.store, a.renderer,
		api.WithMetrics(a.metrics), api.WithAccessLog(os.Stdout))

	var svc *service.Service
	if !apiOnly {
		if svc, err = a.service(); err != nil {
			return err
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a.logger.Info("starting luxlogger", "version", Version, "mode", modeWeb,
		"listen_addr", cfg.Server.ListenAddr, "api_only", apiOnly)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
		defer cancel()
		return srv.Stop(shutdownCtx)
	})
	if svc != nil {
		g.Go(func() error {
			// RunForever returns on shutdown; stop the API with it.
			defer cancel()
			return svc.RunForever(gctx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	a.logger.Info("luxlogger stopped")
	return nil
}
