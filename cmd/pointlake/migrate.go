package main

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/pointlake/pointlake/internal/storage/hotpg"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply hot-store schema migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			hot, err := hotpg.Open(cfg.Hot)
			if err != nil {
				return err
			}
			defer hot.Close()

			if err := hot.Migrate(); err != nil {
				return err
			}
			log.Info().Msg("Hot store schema up to date")
			return nil
		},
	}
}
