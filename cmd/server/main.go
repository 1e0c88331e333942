package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/cors"

	"parley/internal/auth"
	"parley/internal/blob"
	"parley/internal/config"
	"parley/internal/handler"
	"parley/internal/metrics"
	"parley/internal/pipeline"
	"parley/internal/presence"
	"parley/internal/retention"
	"parley/internal/router"
	"parley/internal/store"
	"parley/internal/transport"
)

// openStore selects the message store backend from configuration.
func openStore(cfg config.Config) (store.Store, error) {
	switch cfg.StoreBackend {
	case "pebble":
		return store.OpenPebble(cfg.PebblePath)
	case "mysql":
		return store.OpenMySQL(cfg.DBUser, cfg.DBPassword, cfg.DBHost, cfg.DBPort, cfg.DBName)
	case "memory":
		return store.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

func main() {
	// .envファイルを読み込み
	if err := godotenv.Load(); err != nil {
		log.Printf("⚠️  .env file not found, using default values: %v", err)
	}

	// 環境変数を読み込み
	cfg := config.Load()

	// メッセージストアを初期化
	st, err := openStore(cfg)
	if err != nil {
		log.Fatalf("❌ Failed to open %s store: %v", cfg.StoreBackend, err)
	}
	defer st.Close()
	log.Printf("✅ Message store ready (backend=%s)", cfg.StoreBackend)

	// 在室管理とメッセージ配送を配線
	registry := presence.NewRegistry()
	rt := router.New(registry)
	registry.SetBroadcaster(rt)
	rt.OnDeliveryError(func() { metrics.DeliveryErrors.Inc() })

	pl := pipeline.New(st, registry, rt)

	authSvc := auth.New(st, cfg.JWTSecret)

	blobStore, err := blob.NewDisk(cfg.UploadDir)
	if err != nil {
		log.Fatalf("❌ Failed to prepare upload directory: %v", err)
	}

	ws := transport.NewServer(registry, rt, pl, transport.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
	})

	h := handler.New(st, authSvc, blobStore, pl, ws.HandleWebSocket)
	r := h.SetupRouter()

	// 古いメッセージの自動削除
	retentionCtx, stopRetention := context.WithCancel(context.Background())
	defer stopRetention()
	if cfg.RetentionEnabled {
		sweeper, err := retention.New(st, cfg.RetentionCron, cfg.RetentionMaxAge)
		if err != nil {
			log.Fatalf("❌ Invalid retention schedule %q: %v", cfg.RetentionCron, err)
		}
		go sweeper.Start(retentionCtx)
		log.Printf("✅ Retention sweep scheduled (%s, max age %s)", cfg.RetentionCron, cfg.RetentionMaxAge)
	}

	// CORS対応
	c := cors.New(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS", "PUT"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		ExposedHeaders:   []string{"Content-Length"},
		MaxAge:           300,
		AllowCredentials: true,
	})

	srv := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: c.Handler(r),
	}

	fmt.Println("========================================")
	fmt.Println("  Parley Chat Server")
	fmt.Println("========================================")
	fmt.Printf("  Environment: %s\n", cfg.Env)
	fmt.Printf("  Server: http://localhost:%s\n", cfg.ServerPort)
	fmt.Printf("  WebSocket: ws://localhost:%s/ws/chat\n", cfg.ServerPort)
	fmt.Printf("  Store: %s\n", cfg.StoreBackend)
	fmt.Printf("  Allowed Origins: %v\n", cfg.AllowedOrigins)
	fmt.Println("========================================")

	go func() {
		log.Println("🚀 Server started successfully")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("❌ Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down...")
	stopRetention()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("❌ Forced shutdown: %v", err)
	}
	log.Println("✅ Server stopped")
}
