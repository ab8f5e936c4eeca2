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

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/rs/cors"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"examhub/internal/auth"
	"examhub/internal/blob"
	"examhub/internal/cache"
	"examhub/internal/config"
	"examhub/internal/database"
	"examhub/internal/forum"
	"examhub/internal/handler"
	"examhub/internal/hub"
	"examhub/internal/logger"
	"examhub/internal/order"
	"examhub/internal/presence"
	"examhub/internal/token"
)

func main() {
	configPath := pflag.String("config", os.Getenv("FORUM_CONFIG"), "path to a YAML config file")
	port := pflag.String("port", "", "listen port (overrides SERVER_PORT)")
	pflag.Parse()

	// .envファイルを読み込み
	if err := godotenv.Load(); err != nil {
		log.Printf("⚠️  .env file not found, using default values: %v", err)
	}

	cfg, err := config.LoadFile(*configPath)
	if err != nil {
		log.Fatalf("❌ Invalid configuration: %v", err)
	}
	if *port != "" {
		cfg.ServerPort = *port
	}
	if err := logger.Init(cfg.Env, cfg.LogLevel); err != nil {
		log.Fatalf("❌ Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	if err := run(cfg); err != nil {
		logger.Errorf("❌ Server stopped: %v", err)
		logger.Sync()
		os.Exit(1)
	}
}

// stores are the persistence backends picked from the configuration.
type stores struct {
	forum  forum.Store
	tokens token.Store
	items  order.Items
}

func openStores(cfg config.Config) (stores, *sql.DB, error) {
	if !cfg.UseDatabase() {
		logger.Warnf("⚠️  DB_NAME not set, using in-memory stores")
		return stores{
			forum:  forum.NewMemoryStore(),
			tokens: token.NewMemoryStore(),
			items:  order.NewMemoryItems(),
		}, nil, nil
	}
	db, err := database.Init(cfg)
	if err != nil {
		return stores{}, nil, err
	}
	return stores{
		forum:  forum.NewSQLStore(db),
		tokens: token.NewSQLStore(db),
		items:  order.NewSQLItems(db),
	}, db, nil
}

func run(cfg config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	clock := clockwork.NewRealClock()

	// データベース接続を初期化
	st, db, err := openStores(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	if db != nil {
		defer db.Close()
	}

	// Redis があればプロセス間で共有する
	var (
		shared cache.Cache
		relay  hub.Relay
	)
	if cfg.UseRedis() {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		shared = cache.NewRedis(rdb, "examhub:")
		relay = hub.NewRedisRelay(rdb, "examhub:events")
		logger.Infof("✅ Redis connection established (%s)", cfg.RedisAddr)
	} else {
		shared = cache.NewMemory(clock, 100_000, max(cfg.PresenceTTL, cfg.DedupTTL))
	}

	h := hub.New(hub.Options{Dedup: shared, DedupTTL: cfg.DedupTTL, Relay: relay})

	forumSvc := forum.NewService(forum.Options{
		Store:        st.forum,
		Blobs:        blob.NewStore(cfg.MediaRoot, clock, cfg.DownloadTimeout, int64(cfg.MaxUploadMB)<<20),
		Publisher:    h,
		Clock:        clock,
		EditWindow:   cfg.EditWindow,
		DeleteWindow: cfg.DeleteWindow,
	})
	tokens := token.NewService(st.tokens, clock)

	hd := handler.New(cfg, handler.Deps{
		Auth:  auth.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer),
		Hub:   h,
		Forum: forumSvc,
		Presence: presence.New(presence.Options{
			Cache:         shared,
			Publisher:     h,
			Seen:          forumSvc,
			Clock:         clock,
			TTL:           cfg.PresenceTTL,
			TypingTimeout: cfg.TypingTimeout,
		}),
		Tokens:      tokens,
		Items:       st.items,
		Orders:      order.NewConfirmer(st.items, tokens, h, clock, cfg.DownloadTokenTTL, cfg.DownloadMaxTimes),
		Packs:       blob.NewStore(cfg.ProtectedMediaRoot, clock, cfg.DownloadTimeout, 0),
		Clock:       clock,
		BaseContext: ctx,
	})

	// CORS対応
	c := cors.New(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		ExposedHeaders:   []string{"Content-Length", "Content-Disposition"},
		MaxAge:           300,
		AllowCredentials: true,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           c.Handler(hd.SetupRouter()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	fmt.Println("========================================")
	fmt.Println("  Examhub Forum Server")
	fmt.Println("========================================")
	fmt.Printf("  Environment: %s\n", cfg.Env)
	fmt.Printf("  Server: http://localhost:%s\n", cfg.ServerPort)
	fmt.Printf("  WebSocket: ws://localhost:%s/ws\n", cfg.ServerPort)
	if cfg.UseDatabase() {
		fmt.Printf("  Database: %s@%s:%s/%s\n", cfg.DBUser, cfg.DBHost, cfg.DBPort, cfg.DBName)
	}
	if cfg.UseRedis() {
		fmt.Printf("  Redis: %s\n", cfg.RedisAddr)
	}
	fmt.Printf("  Allowed Origins: %v\n", cfg.AllowedOrigins)
	fmt.Println("========================================")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return h.Run(gctx) })
	g.Go(func() error {
		logger.Infof("🚀 Server started successfully")
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Infof("Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
