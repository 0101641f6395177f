package cmd

import (
	"github.com/spf13/cobra"

	"github.com/Abhishekkumar2021/SynqX-sub000/internal/cmn/logger"
	"github.com/Abhishekkumar2021/SynqX-sub000/internal/core"
	"github.com/Abhishekkumar2021/SynqX-sub000/internal/persistence/postgres"
)

// Migrate applies the database schema migrations.
func Migrate() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel, cfg, err := setup(cmd)
			if err != nil {
				return err
			}
			defer cancel()

			if cfg.Server.DatabaseURL == "" {
				return core.NewError(core.ErrConfiguration,
					"migrate requires SYNQX_SERVER_DATABASE_URL")
			}
			if err := postgres.Migrate(ctx, cfg.Server.DatabaseURL); err != nil {
				return err
			}
			logger.Info(ctx, "Migrations applied")
			return nil
		},
	}
}
