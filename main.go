package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tontoo/internal/api"
	"tontoo/internal/auth"
	"tontoo/internal/chatstore"
	"tontoo/internal/config"
	"tontoo/internal/ollama"
	"tontoo/internal/quota"
	"tontoo/internal/redis"
	"tontoo/internal/relay"
	"tontoo/internal/render"
	"tontoo/internal/service/ai"
	"tontoo/internal/service/assistant"
	"tontoo/internal/storage"
	"tontoo/internal/worker"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// appFlags are shared by every command.
type appFlags struct {
	configPath string
	dbType     string
}

func newRootCmd() *cobra.Command {
	flags := &appFlags{}
	root := &cobra.Command{
		Use:     "tontoo",
		Short:   "Streaming chat relay for Ollama and hosted models",
		Version: version,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), flags)
		},
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", envOr("TONTOO_CONFIG", "config.yml"), "path to config file")
	root.PersistentFlags().StringVar(&flags.dbType, "db", envOr("TONTOO_DB", "sqlite3"), "database driver (sqlite3 or mysql)")

	root.AddCommand(
		newServeCmd(flags),
		newUserCmd(flags),
		newQuotaCmd(flags),
	)
	return root
}

func newServeCmd(flags *appFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP and websocket server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), flags)
		},
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// openDatabase loads the config and returns a migrated database.
func openDatabase(flags *appFlags) (*config.Config, *sql.DB, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	db, err := storage.Open(flags.dbType, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	if err := storage.Migrate(db, flags.dbType); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("migrate database: %w", err)
	}
	return cfg, db, nil
}

func openChatBackend(cfg *config.Config, db *sql.DB) (chatstore.Backend, error) {
	switch cfg.ConversationStore.Driver {
	case "bolt":
		return chatstore.OpenBolt(cfg.ConversationStore.BoltPath)
	case "sql", "":
		return chatstore.NewSQLBackend(db), nil
	default:
		return nil, fmt.Errorf("unsupported conversation store: %s", cfg.ConversationStore.Driver)
	}
}

// openCache returns nil when redis is disabled.
func openCache(cfg *config.Config) (*redis.Client, error) {
	if !cfg.Redis.Enabled {
		return nil, nil
	}
	rdb, err := redis.NewRedisClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("create redis client: %w", err)
	}
	return rdb, nil
}

func runServe(ctx context.Context, flags *appFlags) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, db, err := openDatabase(flags)
	if err != nil {
		return err
	}
	defer db.Close()
	log.Printf("dbType: %s", flags.dbType)

	rdb, err := openCache(cfg)
	if err != nil {
		return err
	}
	if rdb != nil {
		defer rdb.Close()
	}

	backend, err := openChatBackend(cfg, db)
	if err != nil {
		return err
	}
	defer backend.Close()
	store := worker.NewManager(backend, rdb)
	defer store.Close()

	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	ledger := quota.NewLedger(db, loc)
	scheduler, err := quota.NewScheduler(ledger, cfg.Quota.ResetCron, loc)
	if err != nil {
		return err
	}
	scheduler.Start()
	defer scheduler.Stop()
	log.Printf("quota reset scheduled, next at %s", scheduler.Next().Format(time.RFC3339))

	users := assistant.NewService(db, cfg.Quota.DefaultMaxTokens)
	authService := auth.NewService(db, rdb, cfg.TokenTTL())
	assistant.StartTokenSweeper(ctx, authService, time.Duration(cfg.BasicConfig.TokenCleanInterval)*time.Minute)

	generator := &relay.Router{
		Local:  ollama.NewClient(cfg.Ollama.Host, cfg.OllamaTimeout(), cfg.Ollama.DefaultModel),
		Hosted: ai.NewService(cfg.Providers, cfg.ProviderTimeout()),
	}
	hub := relay.NewHub(relay.Deps{
		Store:     store,
		Quota:     ledger,
		Generator: generator,
		Models:    generator,
		Auth:      authService,
		Users:     users,
		Renderer:  render.New(),
	}, relay.Options{
		SystemPrompt: cfg.SystemPrompt,
		DefaultModel: cfg.Ollama.DefaultModel,
		MessageRate:  cfg.BasicConfig.MessageRate,
		MessageBurst: cfg.BasicConfig.MessageBurst,
	})
	defer hub.Shutdown()

	if cfg.Admin.Password == "" {
		log.Printf("admin.password not set, admin routes disabled")
	}
	handlers := api.NewHandler(users, authService, hub, store, ledger, api.Options{
		AdminPassword: cfg.Admin.Password,
		StaticDir:     cfg.BasicConfig.StaticDir,
	})
	router := gin.Default()
	handlers.RegisterRoutes(router)

	server := &http.Server{
		Addr:              cfg.BasicConfig.ServerAddress,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Printf("listening on %s", server.Addr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server stopped: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	log.Printf("shutting down")
	hub.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
