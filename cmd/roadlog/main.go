package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/dukerupert/roadlog/internal/backup"
	"github.com/dukerupert/roadlog/internal/billing"
	"github.com/dukerupert/roadlog/internal/database"
	"github.com/dukerupert/roadlog/internal/license"
	"github.com/dukerupert/roadlog/internal/logging"
	"github.com/dukerupert/roadlog/internal/queue"
	"github.com/dukerupert/roadlog/internal/remote"
	"github.com/dukerupert/roadlog/internal/session"
	"github.com/dukerupert/roadlog/internal/store"
	"github.com/dukerupert/roadlog/internal/syncer"
	"github.com/dukerupert/roadlog/internal/token"
)

func env(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	_ = godotenv.Load()

	logger := logging.Setup(env("ROADLOG_LOG_LEVEL", "info"), env("ROADLOG_LOG_FORMAT", "text"))

	baseURL := os.Getenv("ROADLOG_API_URL")
	apiKey := os.Getenv("ROADLOG_API_KEY")
	if baseURL == "" || apiKey == "" {
		log.Fatal("ROADLOG_API_URL and ROADLOG_API_KEY are required")
	}

	dbPath := env("ROADLOG_DB_PATH", "roadlog.db")
	db, err := database.Open(dbPath)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()

	sessions := store.NewSessionStore(db)
	trips := store.NewTripStore(db)
	licenses := store.NewLicenseStore(db)
	profiles := store.NewProfileStore(db)
	syncState := store.NewSyncStateStore(db)

	q, err := queue.Open(store.NewPendingOperationStore(db), logger)
	if err != nil {
		log.Fatalf("open queue: %v", err)
	}

	client := remote.NewClient(remote.Config{BaseURL: baseURL, APIKey: apiKey}, logger)
	authClient := remote.NewAuthClient(client)
	coordinator := token.NewCoordinator(sessions, authClient, logger)
	tables := remote.NewTableClient(client, coordinator)
	functions := remote.NewFunctionClient(client, coordinator)

	reconciler := license.Reconciler(billing.NewFunctionReconciler(functions, logger))
	if key := os.Getenv("ROADLOG_STRIPE_KEY"); key != "" {
		reconciler = billing.NewStripeReconciler(key, license.NewRemoteLicenses(tables), logger)
	}
	lifecycle := license.NewService(
		license.NewRemoteLicenses(tables),
		license.NewRemoteProfiles(tables),
		license.NewRemoteLinks(tables),
		reconciler, logger)

	engine := syncer.NewEngine(q, tables, sessions, trips, licenses, profiles, syncState, logger)
	scheduler := syncer.NewScheduler(engine, lifecycle, 15*time.Minute, logger)

	vault := session.NewVault(env("ROADLOG_VAULT_PATH", "roadlog.vault"), env("ROADLOG_VAULT_KEY", "roadlog-device"))
	manager := session.NewManager(sessions, coordinator, authClient, vault, q,
		[]session.CacheWiper{trips, licenses, profiles, syncState},
		func() { logger.Warn("session ended, sign in again") }, logger)

	snapshots := backup.NewSnapshotter(backup.Config{
		S3: backup.S3Config{
			Endpoint:  os.Getenv("ROADLOG_S3_ENDPOINT"),
			Bucket:    os.Getenv("ROADLOG_S3_BUCKET"),
			Region:    env("ROADLOG_S3_REGION", "auto"),
			AccessKey: os.Getenv("ROADLOG_S3_ACCESS_KEY"),
			SecretKey: os.Getenv("ROADLOG_S3_SECRET_KEY"),
		},
		DBPath:     dbPath,
		Passphrase: env("ROADLOG_VAULT_KEY", "roadlog-device"),
	}, db, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sess, err := manager.Restore(ctx)
	if err != nil {
		log.Fatalf("restore session: %v", err)
	}
	if sess == nil {
		email := os.Getenv("ROADLOG_EMAIL")
		password := os.Getenv("ROADLOG_PASSWORD")
		if email == "" || password == "" {
			log.Fatal("no stored session; set ROADLOG_EMAIL and ROADLOG_PASSWORD to sign in")
		}
		if sess, err = manager.SignIn(ctx, email, password); err != nil {
			log.Fatalf("sign in: %v", err)
		}
	}
	logger.Info("session ready", "user", sess.UserID)

	manager.StartAutoRefresh(ctx)
	defer manager.StopAutoRefresh()

	scheduler.Start(ctx)
	defer scheduler.Stop()

	// Realtime change notifications collapse into sync kicks; the pull applies
	// the actual rows.
	realtime := remote.NewRealtime(client, coordinator,
		[]string{"trips", "licenses", "profiles"},
		func(table string) { scheduler.Kick() }, logger)
	realtime.Start(ctx)
	defer realtime.Stop()

	if snapshots != nil {
		go func() {
			ticker := time.NewTicker(24 * time.Hour)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if _, err := snapshots.Export(ctx, sess.UserID); err != nil {
						logger.Warn("snapshot export failed", "error", err)
					} else if err := snapshots.Prune(ctx, sess.UserID, 7); err != nil {
						logger.Warn("snapshot prune failed", "error", err)
					}
				}
			}
		}()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down")
}
