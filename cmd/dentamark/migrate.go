/*
Copyright © 2023 NAME HERE <EMAIL ADDRESS>
*/
package main

import (
	"fmt"
	"log"

	"github.com/spf13/cobra"

	"github.com/lewtec/dentamark/annotation"
	"github.com/lewtec/dentamark/internal/repository"
)

// migrateCmd represents the migrate command
var migrateCmd = &cobra.Command{
	Use:   "migrate <database>",
	Short: "Apply pending schema migrations",
	Long: `Brings the session database schema up to date. The server does this on
start; the command exists for upgrading a database ahead of a deploy.

Example: dentamark migrate dentamark.db`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := annotation.GetDatabase(args[0])
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer db.Close()

		before, _, err := repository.SchemaVersion(db)
		if err != nil {
			return fmt.Errorf("failed to read schema version: %w", err)
		}
		if err := annotation.PrepareDatabase(cmd.Context(), db); err != nil {
			return err
		}
		after, dirty, err := repository.SchemaVersion(db)
		if err != nil {
			return fmt.Errorf("failed to read schema version: %w", err)
		}
		if dirty {
			return fmt.Errorf("database %s is dirty at version %d", args[0], after)
		}
		log.Printf("Schema version: %d -> %d", before, after)
		fmt.Fprintf(cmd.OutOrStdout(), "%d\n", after)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
