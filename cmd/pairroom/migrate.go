package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/npezzotti/pairroom/internal/database"
)

func newMigrateCmd() *cobra.Command {
	var dsn string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := database.Migrate(dsn); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}

	cmd.Flags().StringVar(&dsn, "dsn", envOr("PAIRROOM_DSN", defaultDSN), "database connection string")
	return cmd
}
