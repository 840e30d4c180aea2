package main

import (
	"fmt"

	migrate "github.com/rubenv/sql-migrate"
	"github.com/spf13/cobra"

	"github.com/warp/lead-exchange/config"
	"github.com/warp/lead-exchange/store/postgres"
)

func migrateCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back database migrations",
	}
	cmd.AddCommand(migrateDirectionCommand(a, "up", migrate.Up))
	cmd.AddCommand(migrateDirectionCommand(a, "down", migrate.Down))
	return cmd
}

func migrateDirectionCommand(a *app, use string, dir migrate.MigrationDirection) *cobra.Command {
	var max int
	cmd := &cobra.Command{
		Use:   use,
		Short: fmt.Sprintf("Migrate the postgres schema %s", use),
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.cnf.Database.Driver != config.DriverPostgres {
				a.log.Info("sqlite schema is created when the database is opened; nothing to migrate")
				return nil
			}

			n, err := postgres.Migrate(a.cnf.Database.DSN, dir, max)
			if err != nil {
				return err
			}
			a.log.WithField("count", n).Infof("migrate %s complete", use)
			return nil
		},
	}
	cmd.Flags().IntVar(&max, "max", 0, "maximum number of migrations to apply (0 = all)")
	return cmd
}
