package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/banshee-data/uwb.locator/internal/db"
)

// NewMigrateCommand manages the database schema.
func NewMigrateCommand() *cobra.Command {
	var (
		dbPath string
		yes    bool
	)
	cmd := &cobra.Command{
		Use:   "migrate ACTION [VERSION]",
		Short: "Manage the database schema",
		Long: `Manage the database schema.

Actions:
  up                 apply all pending migrations
  down               roll back the last migration
  status             show the current and latest versions
  version VERSION    migrate up or down to VERSION
  force VERSION      set the recorded version without running migrations
  baseline VERSION   mark an existing database as being at VERSION`,
		GroupID:   gMaintain,
		Args:      cobra.RangeArgs(1, 2),
		ValidArgs: db.MigrateActions,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := dbPath
			if path == "" {
				cfg, err := loadConfig(cmd.Flags(), nil)
				if err != nil {
					return err
				}
				path = cfg.GetDatabasePath()
			}

			if action := args[0]; action == "down" || action == "force" {
				prompt := fmt.Sprintf("run migrate %s on %s", strings.Join(args, " "), path)
				o := &provisionOptions{yes: yes}
				ok, err := o.confirmed(cmd.OutOrStdout(), prompt)
				if err != nil || !ok {
					return err
				}
			}
			return db.RunMigrateCommand(cmd.OutOrStdout(), path, args)
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", "", "sqlite database path (default from config)")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "do not ask before down or force")
	return cmd
}
