package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/gops/agent"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/pointlake/pointlake/internal/archive"
	"github.com/pointlake/pointlake/internal/backfill"
	"github.com/pointlake/pointlake/internal/config"
	"github.com/pointlake/pointlake/internal/httpapi"
	"github.com/pointlake/pointlake/internal/ingest"
	"github.com/pointlake/pointlake/internal/metrics"
	"github.com/pointlake/pointlake/internal/query"
	"github.com/pointlake/pointlake/internal/scheduler"
	"github.com/pointlake/pointlake/internal/storage/colds3"
	"github.com/pointlake/pointlake/internal/storage/hotpg"
	"github.com/pointlake/pointlake/internal/storage/stateredis"
	"github.com/pointlake/pointlake/internal/upstream"
)

const shutdownGrace = 30 * time.Second

func serveCmd() *cobra.Command {
	var migrateFirst bool
	var withGops bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the query API and all scheduled workers",
		Long: `Serve starts the HTTP API and puts the sync, archival, and backfill
workers on their schedules. All state lives in the configured stores, so
any number of replicas may run; distributed locks keep site passes from
overlapping.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg, migrateFirst, withGops)
		},
	}

	cmd.Flags().BoolVar(&migrateFirst, "migrate", false, "apply pending hot-store migrations before serving")
	cmd.Flags().BoolVar(&withGops, "gops", false, "start a gops diagnostics agent")
	return cmd
}

func runServe(ctx context.Context, cfg *config.Config, migrateFirst, withGops bool) error {
	m := metrics.New()

	hot, err := hotpg.Open(cfg.Hot)
	if err != nil {
		return err
	}
	defer hot.Close()
	if migrateFirst {
		if err := hot.Migrate(); err != nil {
			return err
		}
	}

	cold, err := colds3.Open(ctx, cfg.Cold)
	if err != nil {
		return err
	}

	st, err := stateredis.Open(cfg.State)
	if err != nil {
		return err
	}
	defer st.Close()

	up, err := upstream.New(cfg.Upstream, m)
	if err != nil {
		return err
	}

	syncWorker := ingest.New(cfg, ingest.Deps{Hot: hot, Points: hot, State: st, Upstream: up, Metrics: m})
	archiveWorker := archive.New(cfg, archive.Deps{Hot: hot, Cold: cold, State: st, Metrics: m})
	backfillWorker := backfill.New(cfg, backfill.Deps{Cold: cold, State: st, Upstream: up, Metrics: m})
	queryWorker := query.New(cfg, query.Deps{Hot: hot, Cold: cold, State: st, Metrics: m})

	engine, err := scheduler.New(cfg, scheduler.Jobs{
		Sync:     syncWorker.Run,
		Archive:  archiveWorker.Run,
		Backfill: backfillWorker.Tick,
	})
	if err != nil {
		return err
	}

	health := []httpapi.HealthCheck{
		{Name: "hot_store", Check: hot.Ping},
		{Name: "cold_store", Check: cold.Ping},
		{Name: "state_store", Check: st.Ping},
	}
	if len(cfg.Sites) > 0 {
		// The vendor API has no bare liveness endpoint, so probe the
		// first configured site.
		site := cfg.Sites[0]
		health = append(health, httpapi.HealthCheck{
			Name:  "upstream",
			Check: func(ctx context.Context) error { return up.Ping(ctx, site) },
		})
	}

	server := httpapi.New(cfg, httpapi.Deps{
		Query:    queryWorker,
		Backfill: backfillWorker,
		Metrics:  m,
		Health:   health,
	})

	if withGops || cfg.Gops {
		if err := agent.Listen(agent.Options{}); err != nil {
			log.Warn().Err(err).Msg("Failed to start gops agent")
		} else {
			defer agent.Close()
		}
	}

	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Start() }()
	engine.Start()
	log.Info().
		Str("addr", server.Addr()).
		Strs("sites", cfg.Sites).
		Str("version", version).
		Msg("pointlake up")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		log.Info().Str("signal", sig.String()).Msg("Shutting down")
	case err := <-serverErr:
		if err != nil {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	case <-ctx.Done():
		log.Info().Msg("Shutting down")
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := engine.Stop(drainCtx); err != nil {
		log.Warn().Err(err).Msg("Scheduler drain incomplete")
	}
	if err := server.Shutdown(drainCtx); err != nil {
		log.Warn().Err(err).Msg("HTTP drain incomplete")
	}
	log.Info().Msg("Shutdown complete")
	return nil
}
