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
	"go.uber.org/zap"

	"github.com/pliu/groupsync/internal/blob"
	"github.com/pliu/groupsync/internal/config"
	"github.com/pliu/groupsync/internal/feed"
	"github.com/pliu/groupsync/internal/handlers"
	"github.com/pliu/groupsync/internal/identity"
	"github.com/pliu/groupsync/internal/logger"
	"github.com/pliu/groupsync/internal/middleware"
	"github.com/pliu/groupsync/internal/store/sqlstore"
	"github.com/pliu/groupsync/internal/ws"
)

var cfgFile string

func main() {
	root := &cobra.Command{
		Use:           "groupsyncd",
		Short:         "Group messaging API server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (YAML); GROUPSYNC_* env vars override it")

	root.AddCommand(serveCmd(), userCmd(), groupCmd())
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func setup() (*config.Server, *zap.Logger, error) {
	cfg, err := config.LoadServer(cfgFile)
	if err != nil {
		return nil, nil, err
	}
	log, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, nil, fmt.Errorf("logger: %w", err)
	}
	return cfg, log, nil
}

func openStore(cfg *config.Server) (*sqlstore.SQLStore, error) {
	store, err := sqlstore.New(cfg.DB.Driver, cfg.DB.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.DB.Driver, err)
	}
	return store, nil
}

func openFeed(ctx context.Context, cfg *config.Server, log *zap.Logger) (feed.Broker, error) {
	if cfg.Feed.Driver != "redis" {
		return feed.NewMemoryBroker(), nil
	}
	b, err := feed.NewRedisBroker(cfg.Feed.RedisURL, log.Named("feed"))
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := b.Ping(pingCtx); err != nil {
		b.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return b, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and websocket change feed",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			defer log.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			broker, err := openFeed(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer broker.Close()

			blobs, err := blob.Open(ctx, cfg.Storage)
			if err != nil {
				return fmt.Errorf("open %s storage: %w", cfg.Storage.Driver, err)
			}
			defer blobs.Close()

			signer, err := identity.NewSigner(cfg.Auth.Secret, cfg.Auth.TokenTTL)
			if err != nil {
				return err
			}

			hub := ws.NewHub(broker, log.Named("ws"))
			go hub.Run(ctx)

			srv := &http.Server{
				Addr: cfg.Addr,
				Handler: handlers.NewRouter(handlers.Deps{
					Store:   store,
					Feed:    broker,
					Blob:    blobs,
					Signer:  signer,
					Hub:     hub,
					Limiter: middleware.NewLimiter(cfg.Limits.RPS, cfg.Limits.Burst),
					Log:     log.Named("http"),
				}),
				ReadHeaderTimeout: 10 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				log.Info("server_starting",
					zap.String("addr", cfg.Addr),
					zap.String("db", cfg.DB.Driver),
					zap.String("feed", cfg.Feed.Driver),
					zap.String("storage", cfg.Storage.Driver))
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			case <-ctx.Done():
			}

			log.Info("server_stopping")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
}
