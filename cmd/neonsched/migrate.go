package main

import (
	"github.com/spf13/cobra"

	"neonsched/internal/config"
	"neonsched/internal/db"
	"neonsched/internal/lock"
	"neonsched/internal/logging"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the database schema and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		log := logging.New(cfg.Logging.Level, cfg.Logging.Format)

		conn, err := db.Open(cfg.Database.Driver, cfg.Database.DSN)
		if err != nil {
			return err
		}
		defer conn.Close()

		var locks lock.Manager = &lock.Noop{}
		if cfg.Database.Driver == db.DriverPostgres {
			locks = lock.NewPostgresManager(conn)
		}
		return db.Migrate(cmd.Context(), conn, cfg.Database.Driver, locks, log)
	},
}
