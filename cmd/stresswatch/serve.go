package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/stresswatch/stresswatch/internal/board"
	"github.com/stresswatch/stresswatch/internal/cache"
	httpapi "github.com/stresswatch/stresswatch/internal/interfaces/http"
	"github.com/stresswatch/stresswatch/internal/metrics"
	"github.com/stresswatch/stresswatch/internal/scheduler"
)

var serveWithCron bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the read API, metrics and the scheduler trigger",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		registry := prometheus.NewRegistry()
		set := metrics.New(registry)
		pipe := a.newPipeline(set)
		composer := board.NewComposer(a.repo, a.engine)

		var responseCache *cache.Cache
		if a.cfg.RedisAddr != "" {
			client := redis.NewClient(&redis.Options{Addr: a.cfg.RedisAddr})
			if err := client.Ping(ctx).Err(); err != nil {
				log.Warn().Err(err).Str("addr", a.cfg.RedisAddr).
					Msg("Redis unreachable, serving uncached")
			} else {
				responseCache = cache.New(client)
				defer client.Close()
			}
		}

		server := httpapi.NewServer(a.cfg.HTTPAddr, composer, pipe, responseCache,
			a.cfg.CronSecret, registry)

		if serveWithCron {
			sched := scheduler.New(pipe)
			if err := sched.Start(); err != nil {
				return err
			}
			defer sched.Stop()
		}

		errCh := make(chan error, 1)
		go func() { errCh <- server.Start() }()

		stop := make(chan os.Signal, 1)
		signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

		select {
		case err := <-errCh:
			return err
		case sig := <-stop:
			log.Info().Str("signal", sig.String()).Msg("Shutting down")
			return server.Shutdown(context.Background())
		}
	},
}

func init() {
	serveCmd.Flags().BoolVar(&serveWithCron, "cron", false,
		"also run the in-process 09:00 UTC scheduler")
}
