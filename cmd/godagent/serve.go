package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nstogner/godagent/pkg/server"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the REST and WebSocket API and run scheduled tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := setupLogging(os.Stderr); err != nil {
			return err
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if serveAddr != "" {
			cfg.Server.Addr = serveAddr
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, cfg, appOptions{Tools: true, Model: true})
		if err != nil {
			return err
		}
		defer a.Close()

		if cfg.Scheduler.Enabled {
			if err := a.scheduler.Start(ctx); err != nil {
				return fmt.Errorf("starting scheduler: %w", err)
			}
			defer a.scheduler.Stop()
		}

		srv := server.New(a.chatOptions(), server.Config{
			AllowedOrigins: cfg.Server.AllowedOrigins,
			JWTSecret:      cfg.Server.JWTSecret,
			Version:        version,
		})

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return srv.Start(cfg.Server.Addr)
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
		return g.Wait()
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (default from config, or :$PORT)")
}
