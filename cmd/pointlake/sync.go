package main

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/pointlake/pointlake/internal/ingest"
	"github.com/pointlake/pointlake/internal/metrics"
	"github.com/pointlake/pointlake/internal/storage/hotpg"
	"github.com/pointlake/pointlake/internal/storage/stateredis"
	"github.com/pointlake/pointlake/internal/upstream"
)

func syncCmd() *cobra.Command {
	var site string

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one incremental sync pass and exit",
		Long: `Sync pulls new samples from the vendor API into the hot store, resuming
from each site's saved cursor. Intended for cron or ad-hoc catch-up; the
serve command runs the same pass on its own schedule.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			m := metrics.New()

			hot, err := hotpg.Open(cfg.Hot)
			if err != nil {
				return err
			}
			defer hot.Close()

			st, err := stateredis.Open(cfg.State)
			if err != nil {
				return err
			}
			defer st.Close()

			up, err := upstream.New(cfg.Upstream, m)
			if err != nil {
				return err
			}

			w := ingest.New(cfg, ingest.Deps{Hot: hot, Points: hot, State: st, Upstream: up, Metrics: m})
			if site != "" {
				res, err := w.RunSite(cmd.Context(), site)
				if err != nil {
					return err
				}
				log.Info().
					Str("site", site).
					Int64("rows", res.Rows).
					Int("pages", res.Pages).
					Int("dropped", res.Dropped).
					Msg("Sync pass done")
				return nil
			}
			return w.Run(cmd.Context())
		},
	}

	cmd.Flags().StringVar(&site, "site", "", "sync a single site instead of all configured sites")
	return cmd
}
