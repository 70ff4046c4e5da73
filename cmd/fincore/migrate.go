package main

import (
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/akriventsev/fincore/framework/migrations"
)

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the PostgreSQL schema",
		Long: `Apply or roll back the embedded goose migrations against database.dsn.

Examples:
  fincore migrate up
  fincore migrate down 2
  FINCORE_DATABASE_DSN=postgres://localhost/fincore fincore migrate status`,
	}
	cmd.AddCommand(migrateUpCmd(), migrateDownCmd(), migrateStatusCmd())
	return cmd
}

func migrateUpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "up [N]",
		Short: "Apply all pending migrations (or N of them)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			steps, err := parseSteps(args, 0)
			if err != nil {
				return err
			}
			migrator, closeDB, err := openMigrator(cmd)
			if err != nil {
				return err
			}
			defer closeDB()

			if steps == 0 {
				return migrator.Up(cmd.Context())
			}
			return migrator.UpBy(cmd.Context(), steps)
		},
	}
}

func migrateDownCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "down [N]",
		Short: "Roll back N migrations (default 1)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			steps, err := parseSteps(args, 1)
			if err != nil {
				return err
			}
			migrator, closeDB, err := openMigrator(cmd)
			if err != nil {
				return err
			}
			defer closeDB()
			return migrator.Down(cmd.Context(), steps)
		},
	}
}

func migrateStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show applied and pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			migrator, closeDB, err := openMigrator(cmd)
			if err != nil {
				return err
			}
			defer closeDB()

			statuses, err := migrator.Status(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "VERSION\tSTATUS\tAPPLIED AT\tSOURCE")
			for _, s := range statuses {
				applied := "-"
				if s.AppliedAt != nil {
					applied = s.AppliedAt.Format("2006-01-02 15:04:05")
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", s.Version, s.Status, applied, s.Name)
			}
			return w.Flush()
		},
	}
}

func openMigrator(cmd *cobra.Command) (*migrations.Migrator, func(), error) {
	cfg, logger, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	if cfg.Database.DSN == "" {
		return nil, nil, fmt.Errorf("database.dsn is required (set FINCORE_DATABASE_DSN)")
	}
	db, err := migrations.Open(cmd.Context(), cfg.Database.DSN)
	if err != nil {
		return nil, nil, err
	}
	return migrations.NewMigrator(db, logger), func() { _ = db.Close() }, nil
}

func parseSteps(args []string, def int64) (int64, error) {
	if len(args) == 0 {
		return def, nil
	}
	n, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("invalid step count %q", args[0])
	}
	return n, nil
}
