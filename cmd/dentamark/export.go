package main

import (
	"fmt"
	"os"

	"github.com/go-git/go-billy/v6/osfs"
	"github.com/spf13/cobra"

	"github.com/lewtec/dentamark/annotation"
	"github.com/lewtec/dentamark/internal/export"
	"github.com/lewtec/dentamark/internal/repository"
	"github.com/lewtec/dentamark/internal/store"
)

// exportCmd represents the export command
var exportCmd = &cobra.Command{
	Use:   "export <session-id>",
	Short: "Writes the corrected annotations of a session to disk",
	Long: `Writes the current state of a session (the snapshot its undo history
points at) into the output directory:

  json  <name>_teeth.json, teeth with apex and base inlined
  zip   <name>.zip, the mask (optionally composited with --overlay) and the
        annotations as edited

Example:
  dentamark export 0b9c... -d dentamark.db -o ./out --format all`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		databaseFile, _ := cmd.Flags().GetString("database")
		outDir, _ := cmd.Flags().GetString("out")
		format, _ := cmd.Flags().GetString("format")
		overlayFile, _ := cmd.Flags().GetString("overlay")
		if format != "json" && format != "zip" && format != "all" {
			return fmt.Errorf("unknown format %q (expected json, zip or all)", format)
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
		session, err := repo.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if session == nil {
			return fmt.Errorf("session %s not found", args[0])
		}
		h, err := repo.LoadHistory(cmd.Context(), session.ID)
		if err != nil {
			return err
		}
		st := store.New(store.Options{})
		if h != nil {
			st.Restore(*h)
		}
		set, ok := st.Current()
		if !ok {
			return fmt.Errorf("session %s has no annotations", session.ID)
		}

		var overlay []byte
		if overlayFile != "" {
			overlay, err = os.ReadFile(overlayFile)
			if err != nil {
				return fmt.Errorf("failed to read overlay: %w", err)
			}
		}

		if err := os.MkdirAll(outDir, 0755); err != nil {
			return err
		}
		fs := osfs.New(outDir)
		out := cmd.OutOrStdout()
		if format == "json" || format == "all" {
			name, err := export.SaveJSON(fs, session.Filename, set)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, fs.Join(outDir, name))
		}
		if format == "zip" || format == "all" {
			name, err := export.SaveArchive(fs, export.Bundle{
				Filename:    session.Filename,
				MaskPNG:     session.MaskPNG,
				OverlayPNG:  overlay,
				Annotations: set,
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(out, fs.Join(outDir, name))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(exportCmd)

	exportCmd.Flags().StringP("database", "d", "dentamark.db", "Database file path")
	exportCmd.Flags().StringP("out", "o", ".", "Output directory")
	exportCmd.Flags().StringP("format", "f", "all", "What to write: json, zip or all")
	exportCmd.Flags().String("overlay", "", "PNG drawn over the mask in the zip bundle")
}
