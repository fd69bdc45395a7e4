package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"artex/pkg/config"
	"artex/pkg/credentials"
	"artex/pkg/export"
	"artex/pkg/fetch"
	"artex/pkg/logger"
	"artex/pkg/platform"
	"artex/pkg/proxy"
	"artex/pkg/ratelimit"
	"artex/pkg/resolver"
	"artex/pkg/storage"
)

var (
	// Export command flags
	exportFormat string
	outputDir    string
	dataDir      string
	baseURL      string
	accountName  string
	workers      int
)

// exportCmd represents the export command
var exportCmd = &cobra.Command{
	Use:   "export <article-id>...",
	Short: "Fetch articles and render them as a local artifact",
	Long: `Fetch the given articles with their metadata, comments, and embedded
resources, then render them in the requested format.

Already cached articles are not fetched again. Authenticated requests
use the credentials stored for the account (see 'artex auth login').`,
	Example: `  # Export two articles as a self-contained archive
  artex export a1 a2 --account alice --format archive

  # Export metadata as CSV to a specific directory
  artex export a1 --account alice --format csv --output ./out`,
	Args: cobra.MinimumNArgs(1),
	RunE: runExport,
}

func init() {
	rootCmd.AddCommand(exportCmd)

	exportCmd.Flags().StringVarP(&exportFormat, "format", "f", "archive", "output format (archive, json, csv, text, markdown)")
	exportCmd.Flags().StringVarP(&outputDir, "output", "o", "", "output directory for artifacts")
	exportCmd.Flags().StringVar(&dataDir, "data-dir", "", "local cache directory")
	exportCmd.Flags().StringVar(&baseURL, "base-url", "", "platform base URL")
	exportCmd.Flags().StringVarP(&accountName, "account", "a", "", "use specific stored account")
	exportCmd.Flags().IntVar(&workers, "workers", 0, "number of concurrent fetch workers")
}

func runExport(cmd *cobra.Command, args []string) error {
	format, err := export.ParseFormat(exportFormat)
	if err != nil {
		return err
	}

	// Build flags map from command line
	flags := map[string]interface{}{
		"base-url": baseURL,
		"output":   outputDir,
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
	log.WithField("version", version).Info("artex starting")

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

	artifact, err := exporter.Export(ctx, export.Job{
		AuthKey:    authKey,
		ArticleIDs: args,
		Format:     format,
	})
	if err != nil {
		if errors.Is(err, fetch.ErrSessionExpired) {
			return fmt.Errorf("session expired for %s, run 'artex auth login %s --merge' with fresh cookies", authKey, authKey)
		}
		return fmt.Errorf("export failed: %w", err)
	}

	fmt.Printf("Exported %d article(s) to %s (%d bytes)\n", artifact.Items, artifact.Path, artifact.Size)
	return nil
}

// buildExporter wires the full pipeline: storage, credentials, proxy
// routes, rate limiter, fetch queue, resolver. The returned shutdown
// function stops the queue and closes the store.
func buildExporter(cfg *config.Config, authKey string, log logger.Logger) (*export.Exporter, func(), error) {
	credStore, err := newCredentialStore()
	if err != nil {
		return nil, nil, err
	}
	if _, err := credStore.Resolve(authKey); err != nil {
		if errors.Is(err, credentials.ErrCredentialExpired) {
			return nil, nil, fmt.Errorf("credentials for %s have expired, run 'artex auth login %s'", authKey, authKey)
		}
		return nil, nil, fmt.Errorf("no credentials for %s, run 'artex auth login %s'", authKey, authKey)
	}

	store, err := storage.Open(cfg.Storage.DataDir, log)
	if err != nil {
		return nil, nil, err
	}

	routes, err := proxy.NewManager(cfg.Proxy.Endpoints)
	if err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("invalid proxy configuration: %w", err)
	}

	client := platform.NewClient(cfg.Platform.RequestTimeout, cfg.Platform.UserAgent, log)
	endpoints := platform.NewEndpoints(cfg.Platform.BaseURL)
	limiter := ratelimit.NewTokenBucket(cfg.RateLimit.RequestsPerMinute, time.Minute)

	queue := fetch.NewQueue(fetch.Config{
		Workers:        cfg.Fetch.Workers,
		MaxAttempts:    cfg.Fetch.MaxAttempts,
		AttemptTimeout: cfg.Fetch.AttemptTimeout,
	}, client, credStore, store, routes, limiter, log)
	queue.Start()

	exporter := export.New(store, queue, resolver.New(store, log), endpoints, cfg.Export.OutputDir, log)

	shutdown := func() {
		queue.Stop()
		store.Close()
	}
	return exporter, shutdown, nil
}
