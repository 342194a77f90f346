package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"mindtrail/api/internal/app"
	"mindtrail/api/internal/attachments"
	"mindtrail/api/internal/config"
	"mindtrail/api/internal/export"
	"mindtrail/api/internal/graph"
	"mindtrail/api/internal/history"
	"mindtrail/api/internal/layout"
	"mindtrail/api/internal/llm"
	"mindtrail/api/internal/search"
	"mindtrail/api/internal/session"
	"mindtrail/api/internal/store"
	"mindtrail/api/internal/tutor"
)

type sessionBackend interface {
	graph.Persister
	Ping(ctx context.Context) error
}

func main() {
	cfg := config.Load()
	ctx := context.Background()

	var backend sessionBackend
	var fallback search.Searcher
	switch {
	case strings.TrimSpace(cfg.RedisURL) != "":
		log.Printf("Using Redis for session storage")
		redisStore, err := session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer redisStore.Close()
		backend = redisStore
	case strings.TrimSpace(cfg.DatabaseURL) != "":
		log.Printf("Using PostgreSQL for session storage")
		db, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("database connection failed: %v", err)
		}
		defer db.Close()
		if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
			log.Fatalf("migrations failed: %v", err)
		}
		backend = store.NewPostgresStore(db)
		fallback = search.NewPgFTS(db)
	default:
		log.Printf("WARNING: no REDIS_URL or DATABASE_URL, sessions are kept in memory")
		backend = session.NewMemoryStore()
	}

	opts := layout.DefaultOptions()
	opts.NodeSep = cfg.LayoutNodeSep
	opts.RankSep = cfg.LayoutRankSep
	layoutEngine, err := layout.New(ctx, opts)
	if err != nil {
		log.Fatalf("layout engine failed: %v", err)
	}
	defer layoutEngine.Close()
	graphStore := graph.NewStore(backend, layoutEngine)
	if fallback == nil {
		fallback = search.NewLocal(graphStore)
	}

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, fallback)

	if err := os.MkdirAll(cfg.HistoryDir, 0o755); err != nil {
		log.Fatalf("failed to create history dir: %v", err)
	}

	llmClient := llm.New(llm.Config{
		APIKey:      cfg.LLMAPIKey,
		BaseURL:     cfg.LLMBaseURL,
		Model:       cfg.LLMModel,
		Temperature: float32(cfg.LLMTemperature),
		MaxTokens:   cfg.LLMMaxTokens,
		Timeout:     cfg.LLMTimeout,
	})
	if !llmClient.Configured() {
		log.Printf("WARNING: LLM_API_KEY is not set, chat and expand will return 503")
	}

	deps := app.Deps{
		Graph:    graphStore,
		Backend:  backend,
		Tutor:    tutor.New(llmClient, cfg.DocContextChars),
		History:  history.New(cfg.HistoryDir),
		Search:   searchService,
		Exporter: export.NewService(),
	}
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		archive, err := attachments.NewMinioStore(ctx, attachments.Config{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			log.Printf("WARNING: object storage unavailable, uploads will not be archived: %v", err)
		} else {
			deps.Archive = archive
		}
	}

	service := app.New(cfg, deps)
	if err := service.Bootstrap(ctx); err != nil {
		log.Printf("WARNING: bootstrap error (will retry on next restart): %v", err)
	}

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// model calls and PDF rendering can take a while
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	server.RegisterOnShutdown(httpServer.CloseStreams)

	go func() {
		log.Printf("Mindtrail API listening on %s (model %s)", cfg.Addr, llmClient.Model())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
