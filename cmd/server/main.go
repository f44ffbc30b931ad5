package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mailsync/internal/cache"
	"github.com/brandon/mailsync/internal/config"
	"github.com/brandon/mailsync/internal/credential"
	"github.com/brandon/mailsync/internal/email"
	"github.com/brandon/mailsync/internal/mcp"
	"github.com/brandon/mailsync/internal/relay"
	"github.com/brandon/mailsync/internal/sync"
	"github.com/brandon/mailsync/internal/tools"
)

var (
	version     = "dev"
	showVersion = flag.Bool("version", false, "Show version information")
	sealSecret  = flag.Bool("seal", false, "Read a password from stdin and print it sealed with CREDENTIAL_KEY")
	keyringSet  = flag.String("keyring-set", "", "Read a password from stdin and store it in the keyring for the named account")
)

const shutdownTimeout = 10 * time.Second

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("mailsync version %s\n", version)
		os.Exit(0)
	}

	// stdout carries the JSON-RPC stream
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(os.Stderr)

	if *sealSecret {
		if err := runSeal(); err != nil {
			logger.WithError(err).Fatal("Failed to seal password")
		}
		return
	}

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}

	if *keyringSet != "" {
		if err := runKeyringSet(cfg, *keyringSet); err != nil {
			logger.WithError(err).Fatal("Failed to store password")
		}
		return
	}

	if err := cfg.Validate(); err != nil {
		logger.WithError(err).Fatal("Invalid configuration")
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	logger.Info("Starting mailsync")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize cache
	emailCache, err := cache.NewCache(cfg.CachePath, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize cache")
	}
	defer emailCache.Close()

	store := cache.NewStore(emailCache, logger)

	registered, err := cfg.RegisterAccounts(ctx, store)
	if err != nil {
		logger.WithError(err).Fatal("Failed to register accounts")
	}

	creds, err := credentialProvider(cfg, registered, store)
	if err != nil {
		logger.WithError(err).Fatal("Failed to set up credentials")
	}

	// Sync core
	bus := email.NewEventBus(cfg.EventBuffer)
	pool := email.NewPool(
		email.NewIMAPDialer(cfg.ConnectTimeout, cfg.CommandTimeout, logger),
		creds, store, bus,
		email.PoolConfig{IdleTimeout: cfg.IdleTimeout, SweepInterval: cfg.SweepInterval},
		logger,
	)
	pool.Start()
	defer pool.Close()

	folders := sync.NewFolderSynchronizer(pool, store, logger)
	messages, err := sync.NewMessageSynchronizer(pool, store, folders, sync.Options{
		BodyCacheSize:   cfg.BodyCacheSize,
		MaxStoredBodies: cfg.MaxStoredBodies,
	}, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create message synchronizer")
	}
	executor := sync.NewExecutor(pool, store, logger)

	scheduler := sync.NewScheduler(pool, messages, registered.IDs, cfg.PollInterval, logger)
	go func() {
		if err := scheduler.Run(ctx); err != nil {
			logger.WithError(err).Error("Scheduler stopped")
		}
	}()

	if cfg.RelayAddr != "" {
		relayServer := startRelay(ctx, cfg, bus, emailCache, store, logger)
		defer func() {
			shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
			defer done()
			if err := relayServer.Shutdown(shutdownCtx); err != nil {
				logger.WithError(err).Warn("Event relay shutdown failed")
			}
		}()
	}

	registry, err := tools.NewRegistry(tools.Deps{
		Store:             store,
		Pool:              pool,
		Folders:           folders,
		Messages:          messages,
		Executor:          executor,
		Scheduler:         scheduler,
		SearchResultLimit: cfg.SearchResultLimit,
	}, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create tool registry")
	}

	server := mcp.NewServer(registry, cfg.Principal, logger)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		errChan <- server.Run(ctx)
	}()

	select {
	case sig := <-sigChan:
		logger.WithField("signal", sig).Info("Received shutdown signal")
	case err := <-errChan:
		if err != nil {
			logger.WithError(err).Error("Server error")
		} else {
			logger.Info("Client closed stdin")
		}
	}
	cancel()

	logger.Info("Shutting down mailsync")
}

func credentialProvider(cfg *config.Config, registered *config.Registered, store *cache.Store) (credential.Provider, error) {
	switch cfg.CredentialBackend {
	case config.BackendKeyring:
		ring, err := credential.OpenKeyring(cfg.KeyringDir, cfg.CredentialKey)
		if err != nil {
			return nil, err
		}
		return credential.NewKeyringProvider(ring, store), nil
	default:
		return credential.NewStaticProvider(registered.Credentials, cfg.CredentialKey), nil
	}
}

func startRelay(ctx context.Context, cfg *config.Config, bus *email.EventBus, emailCache *cache.Cache, store *cache.Store, logger *logrus.Logger) *relay.Server {
	hub := relay.NewHub(logger)
	sub := bus.SubscribeAll()
	go func() {
		defer sub.Close()
		hub.Run(ctx, sub.C)
	}()

	server := relay.NewServer(relay.ServerConfig{
		Hub:            hub,
		DB:             emailCache.DB(),
		Accounts:       store,
		Logger:         logger,
		Principal:      cfg.Principal,
		AllowedOrigins: cfg.RelayAllowedOrigins,
	})
	go func() {
		if err := server.Start(cfg.RelayAddr); err != nil {
			logger.WithError(err).Error("Event relay stopped")
		}
	}()
	return server
}

func readSecret() (string, error) {
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("reading password: %w", err)
	}
	secret := strings.TrimRight(line, "\r\n")
	if secret == "" {
		return "", fmt.Errorf("empty password")
	}
	return secret, nil
}

func runSeal() error {
	secret, err := readSecret()
	if err != nil {
		return err
	}
	sealed, err := credential.Seal(secret, os.Getenv("CREDENTIAL_KEY"))
	if err != nil {
		return err
	}
	fmt.Println(sealed)
	return nil
}

func runKeyringSet(cfg *config.Config, account string) error {
	if _, err := cfg.GetAccountByName(account); err != nil {
		return err
	}
	secret, err := readSecret()
	if err != nil {
		return err
	}
	ring, err := credential.OpenKeyring(cfg.KeyringDir, cfg.CredentialKey)
	if err != nil {
		return err
	}
	return credential.NewKeyringProvider(ring, nil).Store(account, secret)
}
