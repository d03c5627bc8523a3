package main

import (
	"context"
	"errors"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/math12studio/assistant/internal/config"
	"github.com/math12studio/assistant/internal/handler"
	"github.com/math12studio/assistant/internal/service/ai"
	"github.com/math12studio/assistant/internal/service/chat"
	"github.com/math12studio/assistant/internal/service/engine"
	"github.com/math12studio/assistant/internal/service/quota"
	"github.com/math12studio/assistant/internal/storage"
)

// fragmentTimeout bounds the wait for each streamed fragment in hosted sessions.
const fragmentTimeout = 60 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("warning: failed to load .env file: %v", err)
		log.Println("continuing with system environment variables only")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	chatRepo, kv, closer, err := openStorage(cfg.Storage)
	if err != nil {
		log.Fatalf("failed to open storage: %v", err)
	}
	defer closer.Close()

	chatService := chat.NewService(chatRepo)
	quotas := quota.NewRegistry(kv, quota.Policy{Cap: cfg.Quota.Cap, Window: cfg.Quota.Window})

	// Initialize AI service
	var aiService *ai.Service
	if cfg.AI.Enabled() {
		aiService, err = ai.NewService(ctx, cfg.AI)
		if err != nil {
			log.Printf("warning: failed to initialize AI service: %v", err)
			log.Println("continuing without AI functionality - 请检查 Ark 模型相关环境变量")
		} else {
			log.Println("AI service initialized successfully")
		}
	} else {
		log.Println("Ark 凭证未配置，跳过 AI 功能初始化")
	}

	services := handler.Services{
		Chat:           chatService,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}
	if aiService != nil {
		services.AI = aiService
		services.Sessions = sessionFactory(aiService, chatService, quotas, cfg.AI.StreamResponse)
	}

	router := handler.NewRouter(services)

	startServer(ctx, cfg.Server, router)
}

// openStorage returns the chat repository and the key-value store for quota records.
func openStorage(cfg config.StorageConfig) (chat.Repository, storage.KV, io.Closer, error) {
	if cfg.Backend == config.StorageSQLite {
		db, err := storage.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, nil, nil, err
		}
		log.Printf("using sqlite storage at %s", cfg.SQLitePath)
		return db, db, db, nil
	}

	log.Println("using in-memory storage, history is lost on restart")
	return chat.NewMemoryRepository(), storage.NewMemoryKV(), io.NopCloser(nil), nil
}

// sessionFactory builds one engine per WebSocket connection, sharing the
// identity's quota ledger and history with the REST endpoints.
func sessionFactory(aiService *ai.Service, chatService *chat.Service, quotas *quota.Registry, streaming bool) func(context.Context, string, engine.Observer) (*engine.Engine, error) {
	transport := ai.NewLocalTransport(aiService)
	logger := slog.Default()

	return func(ctx context.Context, identity string, observer engine.Observer) (*engine.Engine, error) {
		ledger, err := quotas.Ledger(ctx, identity)
		if err != nil {
			return nil, err
		}
		return engine.New(ctx,
			engine.Deps{
				Transport: transport,
				Quota:     ledger,
				History:   chatService.ForIdentity(identity),
			},
			engine.WithStreaming(streaming),
			engine.WithFragmentTimeout(fragmentTimeout),
			engine.WithObserver(observer),
			engine.WithLogger(logger.With("identity", identity)),
		)
	}
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler) {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Printf("math assistant backend listening on %s", addr)
	if err := runServer(ctx, srv); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
