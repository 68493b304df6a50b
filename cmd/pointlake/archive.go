package main

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/pointlake/pointlake/internal/archive"
	"github.com/pointlake/pointlake/internal/metrics"
	"github.com/pointlake/pointlake/internal/storage/colds3"
	"github.com/pointlake/pointlake/internal/storage/hotpg"
	"github.com/pointlake/pointlake/internal/storage/stateredis"
)

func archiveCmd() *cobra.Command {
	var site string

	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Run one archival pass and exit",
		Long: `Archive writes every complete day past the hot window to a parquet day
file in the cold store, verifies it, marks it archived, then deletes the
hot rows. Safe to re-run; marked days are skipped.`,
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

			cold, err := colds3.Open(cmd.Context(), cfg.Cold)
			if err != nil {
				return err
			}

			st, err := stateredis.Open(cfg.State)
			if err != nil {
				return err
			}
			defer st.Close()

			w := archive.New(cfg, archive.Deps{Hot: hot, Cold: cold, State: st, Metrics: m})
			if site != "" {
				res, err := w.RunSite(cmd.Context(), site)
				if err != nil {
					return err
				}
				log.Info().
					Str("site", site).
					Int("days", len(res.Days)).
					Int64("rows", res.Rows).
					Msg("Archival pass done")
				return nil
			}
			return w.Run(cmd.Context())
		},
	}

	cmd.Flags().StringVar(&site, "site", "", "archive a single site instead of all configured sites")
	return cmd
}
