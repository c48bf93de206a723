package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kosarica/marketplace-service/internal/database"
)

var printSchema bool

// migrateCmd applies the embedded schema
var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the database schema",
	Long: `Apply the embedded schema to the configured database. Every statement is
idempotent, so running migrate against an up-to-date database is a no-op.`,
	Example: `  marketplace migrate
  marketplace migrate --print`,
	RunE: runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.Flags().BoolVar(&printSchema, "print", false, "Print the schema instead of applying it")
}

func runMigrate(cmd *cobra.Command, args []string) error {
	if printSchema {
		fmt.Fprintln(cmd.OutOrStdout(), database.Schema())
		return nil
	}

	if err := database.Migrate(cmd.Context(), database.Pool()); err != nil {
		return err
	}
	logger.Info().Msg("Schema applied")
	return nil
}
