package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"artex/pkg/config"
	"artex/pkg/credentials"
	"artex/pkg/fetch"
	"artex/pkg/logger"
)

// fetchCmd represents the fetch command
var fetchCmd = &cobra.Command{
	Use:   "fetch <article-id>...",
	Short: "Fetch articles into the local cache without exporting",
	Long: `Fetch the given articles with their metadata and comments into the
local cache. Later exports of the same articles run entirely from the
cache.`,
	Example: `  # Warm the cache for two articles
  artex fetch a1 a2 --account alice`,
	Args: cobra.MinimumNArgs(1),
	RunE: runFetch,
}

func init() {
	rootCmd.AddCommand(fetchCmd)

	fetchCmd.Flags().StringVar(&dataDir, "data-dir", "", "local cache directory")
	fetchCmd.Flags().StringVar(&baseURL, "base-url", "", "platform base URL")
	fetchCmd.Flags().StringVarP(&accountName, "account", "a", "", "use specific stored account")
	fetchCmd.Flags().IntVar(&workers, "workers", 0, "number of concurrent fetch workers")
}

func runFetch(cmd *cobra.Command, args []string) error {
	flags := map[string]interface{}{
		"base-url": baseURL,
		"data-dir": dataDir,
		"workers":  workers,
	}
	if logLevel != "info" {
		flags["log-level"] = logLevel
	}

	cfg, err := config.Load(configFile, flags)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := logger.Initialize(&cfg.Logging); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	log := logger.GetLogger()

	authKey, err := credentials.ResolveAuthKey(accountName, os.Getenv("ARTEX_ACCOUNT"))
	if err != nil {
		return fmt.Errorf("no account selected: use --account or set ARTEX_ACCOUNT")
	}

	exporter, shutdown, err := buildExporter(cfg, authKey, log)
	if err != nil {
		return err
	}
	defer shutdown()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := exporter.Prefetch(ctx, authKey, args); err != nil {
		if errors.Is(err, fetch.ErrSessionExpired) {
			return fmt.Errorf("session expired for %s, run 'artex auth login %s --merge' with fresh cookies", authKey, authKey)
		}
		return fmt.Errorf("fetch failed: %w", err)
	}

	fmt.Printf("Fetched %d article(s) into %s\n", len(args), cfg.Storage.DataDir)
	return nil
}
