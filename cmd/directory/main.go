package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-directory/config"
	"github.com/saiset-co/sai-directory/directory"
	"github.com/saiset-co/sai-directory/preset"
	"github.com/saiset-co/sai-directory/sai"
	"github.com/saiset-co/sai-directory/service"
	"github.com/saiset-co/sai-directory/types"
)

var (
	configPath  string
	seedOnStart bool
	seedTenant  string
	storageWait time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "directory",
	Short: "Tenant-scoped admin directory with cached lookups and filter presets",
	Long: `directory serves the admin lookup API: users, clients and team members
fetched through a coalescing cache, plus saved filter presets with a single
default per group.

Run "directory serve" to start the HTTP API.`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	RunE:  runServe,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the preset schema and resource collections",
	RunE:  runMigrate,
}

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Load demo users, clients and presets",
	Long: `Loads a small demo data set for one tenant. Records are replaced by id,
so running the command twice leaves the same content behind.

Example:
  directory seed --tenant acme`,
	RunE: runSeed,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yml", "Path to the YAML config file")
	rootCmd.PersistentFlags().DurationVar(&storageWait, "timeout", 30*time.Second, "Timeout for migrate and seed")

	serveCmd.Flags().BoolVar(&seedOnStart, "seed", false, "Load demo data once the service is up")
	seedCmd.Flags().StringVar(&seedTenant, "tenant", directory.DemoTenant, "Tenant that owns the demo data")

	rootCmd.AddCommand(serveCmd, migrateCmd, seedCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	svc, err := service.NewService(cmd.Context(), configPath)
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}

	if seedOnStart {
		svc.OnStarted(func(ctx context.Context) error {
			c := svc.Container()
			if c.Database == nil {
				return types.Errorf(types.ErrDatabaseIsDisabled, "--seed needs a database")
			}
			return directory.Seed(ctx, c.Database, c.Presets, directory.DemoData(directory.DemoTenant), c.Logger)
		})
	}

	return svc.Start()
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	return withStorage(cmd.Context(), func(ctx context.Context, c *sai.Container) error {
		if store, ok := c.Presets.(*preset.SQLiteStore); ok {
			if err := store.Migrate(ctx); err != nil {
				return err
			}
			c.Logger.Info("Preset schema is up to date")
		}

		if c.Database == nil {
			return nil
		}

		for name, rc := range c.Config.GetConfig().Resources {
			if rc.Source != "" && rc.Source != "database" {
				continue
			}
			collection := rc.Collection
			if collection == "" {
				collection = name
			}
			if err := c.Database.CreateCollection(collection); err != nil && !types.IsError(err, types.ErrDatabaseCollectionExists) {
				return types.WrapError(err, "failed to create collection "+collection)
			}
			c.Logger.Info("Collection ready", zap.String("resource", name), zap.String("collection", collection))
		}
		return nil
	})
}

func runSeed(cmd *cobra.Command, _ []string) error {
	return withStorage(cmd.Context(), func(ctx context.Context, c *sai.Container) error {
		if c.Database == nil {
			return types.Errorf(types.ErrDatabaseIsDisabled, "seed needs a database")
		}

		dbConfig := c.Config.GetConfig().Database
		if dbConfig != nil && dbConfig.Type == "memory" {
			c.Logger.Warn("Seeding an in-memory database; the data is gone when this command exits, use serve --seed instead")
		}

		return directory.Seed(ctx, c.Database, c.Presets, directory.DemoData(seedTenant), c.Logger)
	})
}

// withStorage starts the logger, database and preset store, runs fn and
// stops them again in reverse order.
func withStorage(parent context.Context, fn func(ctx context.Context, c *sai.Container) error) error {
	if parent == nil {
		parent = context.Background()
	}

	cm, err := config.NewConfigurationManager(parent, configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	c, err := sai.NewStorage(parent, cm)
	if err != nil {
		return err
	}

	var started []types.LifecycleManager
	defer func() {
		for i := len(started) - 1; i >= 0; i-- {
			if err := started[i].Stop(); err != nil && !types.IsError(err, types.ErrServerNotRunning) {
				c.Logger.ErrorWithErrStack("Failed to stop storage", err)
			}
		}
	}()

	components := []types.LifecycleManager{c.Logger}
	if c.Database != nil {
		components = append(components, c.Database)
	}
	components = append(components, c.Presets)
	for _, comp := range components {
		if err := comp.Start(); err != nil {
			return types.WrapError(err, "failed to start storage")
		}
		started = append(started, comp)
	}

	ctx, cancel := context.WithTimeout(parent, storageWait)
	defer cancel()

	return fn(ctx, c)
}
