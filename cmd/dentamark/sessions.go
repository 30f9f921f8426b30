/*
Copyright © 2023 NAME HERE <EMAIL ADDRESS>
*/
package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/lewtec/dentamark/annotation"
	"github.com/lewtec/dentamark/internal/repository"
)

// sessionsCmd represents the sessions command
var sessionsCmd = &cobra.Command{
	Use:   "sessions [flags]",
	Short: "Lists the editing sessions stored in the database",
	Long: `Lists sessions newest first, one per line, tab separated:

  id  filename  created_at  updated_at  history (index/length)

Examples:
  dentamark sessions -d dentamark.db
  dentamark sessions -d dentamark.db --limit 10 --offset 20
  dentamark sessions -d dentamark.db --show-ids`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		databaseFile, _ := cmd.Flags().GetString("database")
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")
		showIDs, err := cmd.Flags().GetBool("show-ids")
		if err != nil {
			return err
		}

		db, err := annotation.GetDatabase(databaseFile)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := annotation.PrepareDatabase(cmd.Context(), db); err != nil {
			return err
		}

		repo := repository.NewSessionRepository(db)
		sessions, err := repo.List(cmd.Context(), limit, offset)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if !showIDs {
			fmt.Fprintln(out, strings.Join([]string{"id", "filename", "created_at", "updated_at", "history"}, "\t"))
		}
		for _, s := range sessions {
			if showIDs {
				fmt.Fprintln(out, s.ID)
				continue
			}
			h, err := repo.LoadHistory(cmd.Context(), s.ID)
			if err != nil {
				return err
			}
			history := "-"
			if h != nil && len(h.Snapshots) > 0 {
				history = fmt.Sprintf("%d/%d", h.Index+1, len(h.Snapshots))
			}
			fmt.Fprintln(out, strings.Join([]string{
				s.ID,
				s.Filename,
				s.CreatedAt.Format(time.RFC3339),
				s.UpdatedAt.Format(time.RFC3339),
				history,
			}, "\t"))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sessionsCmd)

	sessionsCmd.Flags().StringP("database", "d", "dentamark.db", "Database file path")
	sessionsCmd.Flags().Int("limit", annotation.DefaultSessionsPerPage, "Maximum number of sessions to list")
	sessionsCmd.Flags().Int("offset", 0, "Number of sessions to skip")
	sessionsCmd.Flags().BoolP("show-ids", "i", false, "Only print session IDs")
}
