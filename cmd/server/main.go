package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strconv"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/sirupsen/logrus"

	"github.com/brandon/mailsync/internal/appstore"
	"github.com/brandon/mailsync/internal/cache"
	"github.com/brandon/mailsync/internal/config"
	"github.com/brandon/mailsync/internal/connectivity"
	"github.com/brandon/mailsync/internal/credential"
	"github.com/brandon/mailsync/internal/email"
	"github.com/brandon/mailsync/internal/mcp"
	"github.com/brandon/mailsync/internal/pipeline"
	"github.com/brandon/mailsync/internal/tools"
)

var (
	version     = "dev"
	showVersion = flag.Bool("version", false, "Show version information")
	configPath  = flag.String("config", config.DefaultConfigPath(), "Path to the YAML config file")
	syncOnly    = flag.Bool("sync-only", false, "Sync every account once, print progress and exit")
)

func ms(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("mailsync version %s\n", version)
		os.Exit(0)
	}
	// Set up logging. stdout carries the protocol.
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(os.Stderr)

	// Load configuration
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		logger.WithError(err).Fatal("Invalid configuration")
	}

	// Set log level
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	logger.WithField("version", version).Info("Starting mailsync")

	creds, err := credential.Open(filepath.Dir(cfg.CachePath))
	if err != nil {
		logger.WithError(err).Warn("No keyring available, using configured credentials only")
	}

	accounts := email.NewDirectory(cfg, creds, logger)
	pool := email.NewPool(email.DialTLS, accounts, logger)
	remote := email.NewManager(pool, logger)

	// Initialize the database
	db, err := cache.NewCache(cfg.CachePath, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize cache")
	}
	dbStore := cache.NewStore(db, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, acct := range accounts.Accounts() {
		if err := dbStore.UpsertAccount(ctx, acct); err != nil {
			logger.WithError(err).WithField("account", acct.ID).Warn("Failed to cache account")
		}
	}

	store := appstore.New(appstore.Options{
		Remote:       remote,
		DB:           dbStore,
		Accounts:     accounts,
		Cache:        cache.NewEmailCache(logger),
		CacheLimitMB: cfg.CacheLimitMB,
		PageSize:     cfg.PageSize,
		Logger:       logger,
	})

	pipelines := pipeline.NewManager(pipeline.ManagerOptions{
		Remote:                remote,
		Store:                 dbStore,
		Sink:                  store,
		Accounts:              accounts,
		Logger:                logger,
		ActiveConcurrency:     cfg.ActiveConcurrency,
		BackgroundConcurrency: cfg.BackgroundConcurrency,
		PrimaryMailbox:        cfg.PrimaryMailbox,
		ChatMailbox:           cfg.ChatMailbox,
		PageSize:              cfg.PageSize,
		CacheDuration:         cfg.CacheDuration(),
		StaggerDelay:          ms(cfg.StaggerMS),
		PacingDelay:           ms(cfg.PacingMS),
		RetryInitial:          ms(cfg.RetryInitialMS),
		RetryMax:              ms(cfg.RetryMaxMS),
		OnError: func(accountID string, err error) {
			logger.WithError(err).WithField("account", accountID).Warn("Sync error")
		},
	})

	archiver := pipeline.NewArchiver(pipeline.ArchiverOptions{
		Remote:   remote,
		Store:    dbStore,
		Accounts: accounts,
		Logger:   logger,
	})

	targets := make([]string, 0, len(cfg.Accounts))
	for _, ac := range cfg.Accounts {
		targets = append(targets, net.JoinHostPort(ac.IMAPHost, strconv.Itoa(ac.IMAPPort)))
	}
	network := connectivity.NewMonitor(
		connectivity.NewDialProber(targets, connectivity.DefaultTimeout),
		pipelines,
		time.Duration(cfg.ProbeIntervalSec)*time.Second,
		logger,
	)

	registry := tools.NewRegistry(&tools.Deps{
		Config:      cfg,
		Accounts:    accounts,
		Remote:      remote,
		Connections: remote,
		Store:       store,
		DB:          dbStore,
		Pipelines:   pipelines,
		Archiver:    archiver,
		Network:     network,
		Credentials: creds,
		Logger:      logger,
	})

	shutdown := func() {
		logger.Info("Shutting down mailsync")
		network.Stop()
		registry.Close()
		pipelines.Shutdown()
		store.Close()
		if err := remote.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close IMAP connections")
		}
		if err := db.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close cache")
		}
	}

	// Set up signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	if *syncOnly {
		go func() {
			sig := <-sigChan
			logger.WithField("signal", sig).Info("Received shutdown signal")
			cancel()
		}()
		err := runSync(ctx, cfg, accounts, pipelines, store, os.Stderr)
		shutdown()
		if err != nil && ctx.Err() == nil {
			logger.WithError(err).Fatal("Sync failed")
		}
		return
	}

	network.Start()
	if def := cfg.GetDefaultAccount(); def != nil {
		go func() {
			if err := pipelines.StartActiveAccountPipeline(ctx, def.ID); err != nil {
				logger.WithError(err).WithField("account", def.ID).Warn("Initial sync failed")
			}
		}()
	}

	server := mcp.NewServer(registry, version, logger)

	// Run server in a goroutine
	errChan := make(chan error, 1)
	go func() {
		errChan <- server.Run(ctx, os.Stdin, os.Stdout)
	}()

	// Wait for shutdown signal, EOF or error
	select {
	case sig := <-sigChan:
		logger.WithField("signal", sig).Info("Received shutdown signal")
	case err := <-errChan:
		if err != nil {
			logger.WithError(err).Error("Server error")
		}
	}
	cancel()
	shutdown()
}

// runSync drives the default account and then every other visible account to
// completion, printing a progress table as it goes
func runSync(ctx context.Context, cfg *config.Config, accounts *email.Directory, pipelines *pipeline.Manager, store *appstore.Store, out io.Writer) error {
	def := cfg.GetDefaultAccount()
	if def == nil {
		return fmt.Errorf("no visible account to sync")
	}
	if err := pipelines.StartActiveAccountPipeline(ctx, def.ID); err != nil {
		return err
	}

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		snapshots := pipelines.Snapshots()
		renderProgress(out, snapshots, store.Stats())
		if allSettled(accounts, snapshots) {
			return nil
		}
	}
}

// allSettled reports whether every account the cascade visits has no work
// left besides pending retries
func allSettled(accounts *email.Directory, snapshots map[string]pipeline.Progress) bool {
	for _, acct := range accounts.Accounts() {
		if accounts.IsHidden(acct.ID) || !acct.HasCredentials() {
			continue
		}
		p, ok := snapshots[acct.ID]
		if !ok {
			return false
		}
		if !p.Finished() && (p.Phase == pipeline.PhaseHeaders || p.Queued > 0 || p.ActiveSlots > 0) {
			return false
		}
	}
	return true
}

func renderProgress(out io.Writer, snapshots map[string]pipeline.Progress, stats appstore.Stats) {
	ids := make([]string, 0, len(snapshots))
	for id := range snapshots {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"Account", "Phase", "Mailbox", "Done", "Failed", "Total", "Slots", "Paused"})
	for _, id := range ids {
		p := snapshots[id]
		table.Append([]string{
			id,
			string(p.Phase),
			p.Mailbox,
			strconv.Itoa(p.Completed),
			strconv.Itoa(p.Failed),
			strconv.Itoa(p.Total),
			fmt.Sprintf("%d/%d", p.ActiveSlots, p.Concurrency),
			strconv.FormatBool(p.Paused),
		})
	}
	table.SetFooter([]string{"", "", "", "", "", "", "cache", humanize.Bytes(uint64(stats.Bytes))})
	table.Render()
}
