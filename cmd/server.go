package cmd

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/example/slotwatch/internal/auth"
	"github.com/example/slotwatch/internal/booking"
	"github.com/example/slotwatch/internal/claims"
	"github.com/example/slotwatch/internal/config"
	"github.com/example/slotwatch/internal/db"
	"github.com/example/slotwatch/internal/engine"
	"github.com/example/slotwatch/internal/housekeeping"
	"github.com/example/slotwatch/internal/inventory"
	"github.com/example/slotwatch/internal/migrate"
	"github.com/example/slotwatch/internal/notify"
	"github.com/example/slotwatch/internal/tasks"
	"github.com/example/slotwatch/internal/vault"
	"github.com/example/slotwatch/internal/web"
)

func newServerCmd() *cobra.Command {
	var migrateUp bool

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the monitoring engine + JSON API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			d, err := db.Open(ctx, cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer d.Close()

			if err := d.Ping(ctx); err != nil {
				return fmt.Errorf("db ping: %w", err)
			}

			if migrateUp {
				if err := migrate.Up(ctx, d); err != nil {
					return err
				}
			}

			aead, err := vault.NewAEAD(cfg.MasterKey)
			if err != nil {
				return err
			}

			authStore := auth.NewStore(d, cfg.CookieHashKey, cfg.CookieBlockKey)
			keyVault := vault.New(d, aead)
			taskRepo := tasks.NewRepo(d)
			resultRepo := booking.NewRepo(d)
			invClient := inventory.New(cfg.InventoryBaseURL, inventory.Options{})

			// Redis is optional: with it, claims and notifications are
			// shared across replicas; without it both stay in-process.
			var (
				coordinator claims.Coordinator
				sink        notify.Sink
			)
			if cfg.RedisURL != "" {
				opts, err := redis.ParseURL(cfg.RedisURL)
				if err != nil {
					return fmt.Errorf("redis.ParseURL: %w", err)
				}
				rdb := redis.NewClient(opts)
				if err := rdb.Ping(ctx).Err(); err != nil {
					return fmt.Errorf("redis ping: %w", err)
				}
				defer rdb.Close()
				coordinator = claims.NewRedis(rdb, cfg.ClaimLease)
				sink = notify.NewRedisSink(rdb)
				log.Println("[server] using redis claim registry and event sink")
			}

			eng := engine.New(taskRepo, keyVault, invClient, invClient, resultRepo, coordinator, sink, engine.Options{
				CacheTTL:   cfg.CacheTTL,
				ClaimLease: cfg.ClaimLease,
				Workers:    cfg.Workers,
			})

			sweeper := housekeeping.New(taskRepo, keyVault, invClient, eng)
			if err := sweeper.Start(ctx); err != nil {
				return err
			}
			defer sweeper.Stop()

			engineErr := make(chan error, 1)
			go func() { engineErr <- eng.Run(ctx) }()

			ws := &web.Server{
				Auth:    authStore,
				Engine:  eng,
				Tasks:   taskRepo,
				Vault:   keyVault,
				Results: resultRepo,
				DB:      d,
			}
			webErr := make(chan error, 1)
			go func() { webErr <- web.Start(ctx, cfg.ListenAddr, ws.Routes()) }()

			select {
			case err := <-engineErr:
				cancel()
				<-webErr
				if err != nil && ctx.Err() == nil {
					return fmt.Errorf("engine: %w", err)
				}
				return nil
			case err := <-webErr:
				cancel()
				<-engineErr
				return err
			}
		},
	}

	cmd.Flags().BoolVar(&migrateUp, "migrate", true, "run database migrations on startup")
	return cmd
}
