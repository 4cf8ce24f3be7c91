package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mybookshelf/pricewatch/internal/approval"
	"github.com/mybookshelf/pricewatch/internal/model"
	"github.com/mybookshelf/pricewatch/internal/server"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the price API, scheduler and alert checker",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if servePort != 0 {
			cfg.Server.Port = servePort
		}

		env, err := initPriceEnv(ctx, "serve", passOptions())
		if err != nil {
			return err
		}
		defer env.Close()

		api := server.New(server.Deps{
			Runner:         env.Orchestrator,
			Approvals:      approval.NewService(env.Store),
			Catalog:        env.Store,
			Metrics:        env.Metrics,
			CronSecret:     cfg.Server.CronSecret,
			AllowedOrigins: cfg.Server.AllowedOrigins,
		})

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:           api.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		g, gctx := errgroup.WithContext(ctx)

		g.Go(func() error {
			zap.L().Info("starting server", zap.Int("port", cfg.Server.Port))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return eris.Wrap(err, "server listen")
			}
			return nil
		})

		// Graceful shutdown
		g.Go(func() error {
			<-gctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 15*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})

		g.Go(func() error {
			env.Checker.Run(gctx)
			return nil
		})

		if interval := time.Duration(cfg.Server.ScheduleIntervalMins) * time.Minute; interval > 0 {
			g.Go(func() error {
				schedulePasses(gctx, api, interval)
				return nil
			})
		}

		return g.Wait()
	},
}

// passTrigger starts an update pass unless one is already running.
type passTrigger interface {
	TriggerPass(ctx context.Context) (model.RunSummary, bool)
}

// schedulePasses triggers an update pass every interval until ctx is done.
// Ticks that land while a pass is running are dropped.
func schedulePasses(ctx context.Context, api passTrigger, interval time.Duration) {
	log := zap.L().With(zap.String("component", "scheduler"))
	log.Info("scheduling update passes", zap.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("scheduler stopped")
			return
		case <-ticker.C:
			summary, ran := api.TriggerPass(ctx)
			if !ran {
				log.Warn("previous update pass still running, skipping tick")
				continue
			}
			log.Info("scheduled pass finished",
				zap.Bool("success", summary.Success),
				zap.String("message", summary.Message),
			)
		}
	}
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
