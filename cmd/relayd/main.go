package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pysugar/relay-nexus/internal/account"
	"github.com/pysugar/relay-nexus/internal/affinity"
	"github.com/pysugar/relay-nexus/internal/api"
	"github.com/pysugar/relay-nexus/internal/auth/token"
	"github.com/pysugar/relay-nexus/internal/config"
	"github.com/pysugar/relay-nexus/internal/db"
	"github.com/pysugar/relay-nexus/internal/engine"
	"github.com/pysugar/relay-nexus/internal/group"
	"github.com/pysugar/relay-nexus/internal/kv"
	"github.com/pysugar/relay-nexus/internal/lock"
	"github.com/pysugar/relay-nexus/internal/logging"
	"github.com/pysugar/relay-nexus/internal/reconcile"
	"github.com/pysugar/relay-nexus/internal/security"
	"github.com/pysugar/relay-nexus/internal/version"
)

func main() {
	configPath := flag.String("config", os.Getenv("RELAY_CONFIG"), "path to the YAML config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("relayd " + version.String())
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.Log.Level, cfg.Log.Format)

	if err := run(cfg, log); err != nil {
		log.WithError(err).Fatal("relayd stopped")
	}
}

func run(cfg *config.Config, log *logrus.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb, err := kv.Connect(ctx, kv.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB}, log)
	if err != nil {
		return err
	}
	defer rdb.Close()
	keys := kv.NewKeys(cfg.Redis.KeyPrefix)

	database, err := db.InitDB(cfg.DatabasePath)
	if err != nil {
		return err
	}
	clientKeys := db.NewClientKeyStore(database)
	if err := db.EnsureBootstrapKey(ctx, clientKeys, log); err != nil {
		return err
	}

	secrets, err := security.NewSecretProvider(cfg.EncryptionKey)
	if err != nil {
		return fmt.Errorf("init encryption: %w", err)
	}
	if cfg.EncryptionKey == "" {
		log.Warn("RELAY_ENCRYPTION_KEY is not set, account tokens are stored in plaintext")
	}

	if cfg.RelaySecret == "" {
		log.Warn("RELAY_SERVICE_SECRET is not set, /engine/v1 routes answer 503 until it is configured")
	}

	accounts := account.NewStore(rdb, keys, secrets, log, account.Options{
		RateLimitFallback: cfg.Engine.RateLimitFallback,
		TempErrorCooldown: cfg.Engine.TempErrorCooldown,
		WindowLocation:    cfg.Engine.WindowLocation,
	})
	groups := group.NewRegistry(rdb, keys, accounts, clientKeys, log)
	aff := affinity.New(rdb, keys, cfg.Engine.AffinityTTL, cfg.Engine.RenewThreshold, log)
	tokens := token.NewManager(
		accounts,
		lock.NewManager(rdb, keys, cfg.Engine.LockTTL, log),
		token.NewOAuth2Refresher(cfg.OAuth),
		token.Options{RefreshMargin: cfg.Engine.RefreshMargin, LockWait: cfg.Engine.LockWait},
		log,
	)
	eng := engine.New(accounts, groups, aff, tokens, log)

	var rec api.Reconciler
	if cfg.Reconcile.Enabled {
		r := reconcile.New(accounts, tokens, reconcile.Options{
			Interval:         cfg.Reconcile.Interval,
			RefreshAhead:     cfg.Reconcile.RefreshAhead,
			RefreshPerSecond: cfg.Reconcile.RefreshPerSecond,
		}, log)
		r.Start(ctx)
		rec = r
	}

	server := &http.Server{
		Addr: cfg.ListenAddr,
		Handler: api.NewRouter(api.Deps{
			Engine:        eng,
			Accounts:      accounts,
			Keys:          clientKeys,
			Reconciler:    rec,
			AdminPassword: cfg.AdminPassword,
			RelaySecret:   cfg.RelaySecret,
			Log:           log,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithFields(logrus.Fields{
			"addr":    cfg.ListenAddr,
			"version": version.Version,
		}).Info("relayd listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	log.Info("Server exited")
	return nil
}
