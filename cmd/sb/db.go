package main

import (
	"fmt"

	"github.com/kelurahan/switchboard/internal/db"
	"github.com/spf13/cobra"
)

func newDBCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Manage the sandbox database",
	}
	cmd.AddCommand(newDBMigrateCmd())
	return cmd
}

func newDBMigrateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create the database if needed, migrate the schema and seed tenants",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			if cfg.Sandbox.Driver == "mysql" {
				m := cfg.Sandbox.MySQL
				admin, err := db.ConnectAdmin(m, m.Password())
				if err != nil {
					return err
				}
				if err := db.CreateDatabase(admin, m.Database); err != nil {
					return err
				}
				if sqlDB, err := admin.DB(); err == nil {
					sqlDB.Close()
				}
				fmt.Fprintf(out, "Database %s ready on %s:%d\n", m.Database, m.Host, m.Port)
			}

			gormDB, err := openSandboxDB(cfg)
			if err != nil {
				return err
			}
			if sqlDB, err := gormDB.DB(); err == nil {
				defer sqlDB.Close()
			}
			fmt.Fprintf(out, "Migrated %d tables, seeded %d tenants\n", len(db.AllModels()), len(sandboxTenants(cfg)))
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}
