package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pguigue/mergin/internal/app"
	"github.com/pguigue/mergin/internal/config"
	"github.com/pguigue/mergin/internal/database"
	"github.com/pguigue/mergin/internal/database/migrations"
	"github.com/pguigue/mergin/internal/encryption"
	"github.com/pguigue/mergin/internal/web"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// readConfig loads the config from the default location.
func readConfig() (*config.Config, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, fmt.Errorf("getting defaults: %w", err)
	}
	cfg, err := config.ReadFromFile(defaults["config_path"])
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return cfg, nil
}

var rootCmd = &cobra.Command{
	Use:   "mergind",
	Short: "Geospatial project sync server",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfig()
		if err != nil {
			return err
		}

		a, err := app.NewApp(cfg)
		if err != nil {
			return fmt.Errorf("initializing app: %w", err)
		}
		defer a.Close()

		a.StartJanitor(time.Minute)

		srv := &http.Server{
			Addr:    cfg.Server.Addr,
			Handler: web.NewRouter(a.Service(), a.Logger()),
		}

		errCh := make(chan error, 1)
		go func() {
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()

		stop := make(chan os.Signal, 1)
		signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

		fmt.Printf("Listening on %s\n", cfg.Server.Addr)
		select {
		case err := <-errCh:
			return fmt.Errorf("serving: %w", err)
		case <-stop:
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			return fmt.Errorf("shutting down: %w", err)
		}
		return nil
	},
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg := config.NewConfig(defaults["base_dir"])
		if err := config.Init(defaults["config_path"], cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults["config_path"])
		fmt.Printf("Base Dir: %s\n", defaults["base_dir"])
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg, err := config.ReadFromFile(defaults["config_path"])
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}

		fmt.Printf("Configuration from %s:\n\n", defaults["config_path"])
		fmt.Printf("Base Dir:  %s\n", cfg.BaseDir)
		fmt.Printf("Log Dir:   %s\n", cfg.LogDir)
		fmt.Printf("Listen:    %s\n", cfg.Server.Addr)
		fmt.Printf("Database:  %s (%s)\n", cfg.Database.Type, cfg.Database.Path)
		fmt.Printf("Store:     %s\n", cfg.Store.Type)
		fmt.Printf("Staging:   %s\n", cfg.Staging.Type)
		fmt.Printf("Encryption: %s\n", cfg.Encryption.Type)
		return nil
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run pending database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfig()
		if err != nil {
			return err
		}
		if cfg.Database.Type != "sqlite" {
			return fmt.Errorf("migrate only applies to sqlite databases")
		}

		db, err := database.OpenConnection(cfg.Database.Path)
		if err != nil {
			return err
		}
		defer db.Close()

		if err := migrations.MigrateUp(db); err != nil {
			return fmt.Errorf("migrating database: %w", err)
		}
		fmt.Println("Database schema is up to date")
		return nil
	},
}

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Reclaim expired transactions, stale requests and unreferenced blobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfig()
		if err != nil {
			return err
		}

		a, err := app.NewApp(cfg)
		if err != nil {
			return fmt.Errorf("initializing app: %w", err)
		}
		defer a.Close()

		stats, err := a.CollectGarbage()
		if err != nil {
			return fmt.Errorf("collecting garbage: %w", err)
		}
		fmt.Printf("Expired transactions: %d\n", stats.ExpiredTransactions)
		fmt.Printf("Expired access requests: %d\n", stats.ExpiredRequests)
		fmt.Printf("Deleted blobs: %d\n", stats.DeletedBlobs)
		fmt.Printf("Stored content: %d bytes\n", stats.StoredBytes)
		return nil
	},
}

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate the at-rest encryption key",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfig()
		if err != nil {
			return err
		}
		if err := encryption.Setup(cfg.Encryption.KeyPath); err != nil {
			return fmt.Errorf("generating key: %w", err)
		}
		fmt.Printf("Key written to %s\n", cfg.Encryption.KeyPath)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(gcCmd)
	rootCmd.AddCommand(keygenCmd)
}
