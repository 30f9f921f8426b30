package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/lewtec/dentamark/annotation"
)

// initCmd represents the init command
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a new editor deployment",
	Long: `Initialize a new editor deployment by creating:
- A sample configuration file (config.yaml)
- An empty, migrated SQLite database (dentamark.db)

Example:
  dentamark init
  dentamark init --config custom-config.yaml --database sessions.db`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configFile, _ := cmd.Flags().GetString("config")
		databaseFile, _ := cmd.Flags().GetString("database")
		out := cmd.OutOrStdout()

		if _, err := os.Stat(configFile); os.IsNotExist(err) {
			fmt.Fprintf(out, "Creating sample configuration file: %s\n", configFile)
			if err := createSampleConfig(configFile); err != nil {
				return fmt.Errorf("failed to create config file: %w", err)
			}
		} else {
			fmt.Fprintf(out, "Configuration file already exists: %s\n", configFile)
		}

		fmt.Fprintf(out, "Creating database: %s\n", databaseFile)
		db, err := annotation.GetDatabase(databaseFile)
		if err != nil {
			return fmt.Errorf("failed to create database: %w", err)
		}
		defer db.Close()
		if err := annotation.PrepareDatabase(cmd.Context(), db); err != nil {
			return fmt.Errorf("failed to prepare database: %w", err)
		}

		fmt.Fprintln(out, "✓ Initialization complete!")
		fmt.Fprintln(out, "\nNext steps:")
		fmt.Fprintln(out, "  1. Point segmentation.url at the inference service in", configFile)
		fmt.Fprintln(out, "  2. Change the default password")
		fmt.Fprintf(out, "  3. Start the editor: dentamark -c %s -d %s\n", configFile, databaseFile)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)

	initCmd.Flags().StringP("config", "c", "config.yaml", "Configuration file to create")
	initCmd.Flags().StringP("database", "d", "dentamark.db", "Database file to create")
}

func createSampleConfig(filename string) error {
	return os.WriteFile(filename, []byte(annotation.SampleConfig), 0644)
}
