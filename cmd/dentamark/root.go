/*
Copyright © 2023 NAME HERE <EMAIL ADDRESS>
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lewtec/dentamark/annotation"
	"github.com/lewtec/dentamark/internal/repository"
	"github.com/lewtec/dentamark/internal/segmentation"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "dentamark [config.yaml]",
	Short: "Correct automatic tooth segmentation of dental X-rays",
	Long: strings.TrimSpace(`
Upload a dental X-ray, let the segmentation service find the teeth, then fix
positions and tooth numbers, mark apex and base points and download the result.
    `),
	Args: cobra.MaximumNArgs(1),
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		envFile, err := cmd.Flags().GetString("env-file")
		if err != nil {
			return err
		}
		// the default .env is optional, one named on the command line is not
		if err := annotation.LoadEnv(envFile, cmd.Flags().Changed("env-file")); err != nil {
			return fmt.Errorf("failed to load %s: %w", envFile, err)
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		configFile, err := cmd.Flags().GetString("config")
		if err != nil {
			return err
		}
		if len(args) == 1 {
			configFile = args[0]
		}
		databaseFile, err := cmd.Flags().GetString("database")
		if err != nil || databaseFile == "" {
			return fmt.Errorf("--database flag is required")
		}

		config, err := annotation.LoadConfig(configFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
			config.Server.Addr = addr
		}

		db, err := annotation.GetDatabase(databaseFile)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer db.Close()
		if err := annotation.PrepareDatabase(cmd.Context(), db); err != nil {
			return fmt.Errorf("failed to prepare database: %w", err)
		}

		app := annotation.NewEditorApp(
			config,
			repository.NewSessionRepository(db),
			segmentation.NewClient(config.Segmentation.URL, config.Segmentation.Timeout),
		)

		log.Printf("Configuration: %s", configFile)
		log.Printf("Database: %s", databaseFile)
		log.Printf("Segmentation service: %s (timeout %s)", config.Segmentation.URL, config.Segmentation.Timeout)
		log.Printf("Users configured: %d", len(config.Authentication))
		log.Printf("Starting server on: %s", config.Server.Addr)

		return serve(cmd.Context(), &http.Server{Addr: config.Server.Addr, Handler: app.GetHTTPHandler()})
	},
}

// serve runs srv until ctx is done or the process is interrupted.
func serve(ctx context.Context, srv *http.Server) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		log.Printf("Shutting down server")
		if err := srv.Shutdown(context.Background()); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func main() {
	err := rootCmd.Execute()
	if err != nil {
		log.Fatalf("Error executing command: %v", err)
	}
}

func init() {
	rootCmd.PersistentFlags().String("env-file", ".env", "Environment file loaded before anything else")
	rootCmd.Flags().StringP("config", "c", "config.yaml", "Config file")
	rootCmd.Flags().StringP("database", "d", "dentamark.db", "Database file path")
	rootCmd.Flags().StringP("addr", "a", "", "Address to bind the webserver, overrides server.addr")
}
