package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/unclebandit/outreach-dispatch/internal/db"
)

var migrateCmd = &cobra.Command{
	Use:       "migrate [up|down]",
	Short:     "Apply or roll back the schema migrations",
	Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"up", "down"},
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		conn, err := db.Open(cmd.Context(), cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer conn.Close()

		direction := "up"
		if len(args) == 1 {
			direction = args[0]
		}
		if direction == "down" {
			err = db.MigrateDown(conn, logger)
		} else {
			err = db.Migrate(conn, logger)
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "migrations %s: done\n", direction)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
