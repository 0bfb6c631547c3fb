package main

import (
	"flag"
	"log/slog"
	"net/http"
	"time"

	"docuchat/internal/chat"
	"docuchat/internal/config"
	"docuchat/internal/ingest"
	"docuchat/internal/rag"
	"docuchat/internal/server"
	"docuchat/internal/usertoken"
	"docuchat/internal/util"
	"docuchat/pkg/ai"
	"docuchat/pkg/queue"
	"docuchat/pkg/secrets"
	"docuchat/pkg/storage"
	"docuchat/pkg/store"
)

func main() {
	configPath := flag.String("config", config.DefaultPath, "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		util.Fatal("failed to load config", "err", err)
	}

	logger := util.InitLogger(cfg.LogLevel)

	st, err := store.NewGormStore(cfg.DatabaseURL, store.WithEmbeddingDim(cfg.EmbeddingDim))
	if err != nil {
		util.Fatal("failed to init store", "err", err)
	}

	var objects storage.ObjectStore
	if cfg.Minio.Endpoint != "" {
		objects, err = storage.NewMinioStore(cfg.Minio.Endpoint, cfg.Minio.AccessKey, cfg.Minio.SecretKey, cfg.Minio.Bucket, cfg.Minio.UseSSL)
	} else {
		objects, err = storage.NewFileStore(cfg.LocalDir)
	}
	if err != nil {
		util.Fatal("failed to init object storage", "err", err)
	}

	var box *secrets.Box
	if cfg.SecretsKey != "" {
		box, err = secrets.New(cfg.SecretsKey)
		if err != nil {
			util.Fatal("failed to init secrets box", "err", err)
		}
	}

	embedder := ai.NewOllamaEmbedder(ai.NewOllamaClient(cfg.EmbeddingBaseURL), cfg.EmbeddingModel, cfg.EmbeddingDim)

	// With no Redis address configured, uploads are processed inline in
	// the request path. With one, a separate worker consumes the stream.
	var jobs ingest.Enqueuer
	if cfg.Queue.Addr != "" {
		redisQueue, err := queue.NewRedisJobQueue(queue.RedisQueueConfig{
			Addr:       cfg.Queue.Addr,
			Password:   cfg.Queue.Password,
			Stream:     cfg.Queue.Stream,
			Group:      cfg.Queue.Group,
			MaxRetries: cfg.Queue.MaxRetries,
			RetryDelay: cfg.Queue.RetryDelay,
		})
		if err != nil {
			util.Fatal("failed to init job queue", "err", err)
		}
		defer redisQueue.Close()
		jobs = redisQueue
	}

	processor, err := ingest.NewProcessor(ingest.Config{
		Store:        st,
		Objects:      objects,
		Embedder:     embedder,
		Queue:        jobs,
		ChunkSize:    cfg.ChunkSize,
		ChunkOverlap: cfg.ChunkOverlap,
		Logger:       logger,
	})
	if err != nil {
		util.Fatal("failed to init processor", "err", err)
	}

	ragSvc, err := rag.NewService(rag.Config{
		Store:     st,
		Embedder:  embedder,
		TopK:      cfg.TopK,
		Threshold: cfg.SimilarityThreshold,
	})
	if err != nil {
		util.Fatal("failed to init retrieval service", "err", err)
	}

	orchestrator, err := chat.NewOrchestrator(chat.Config{
		Store:   st,
		RAG:     ragSvc,
		Secrets: box,
		Logger:  logger,
	})
	if err != nil {
		util.Fatal("failed to init orchestrator", "err", err)
	}

	verifier, err := usertoken.NewVerifier(cfg.TokenSecret, cfg.TokenIssuer, usertoken.DefaultLeeway)
	if err != nil {
		util.Fatal("failed to init token verifier", "err", err)
	}

	httpServer := server.New(server.Config{
		Store:         st,
		Processor:     processor,
		Orchestrator:  orchestrator,
		RAG:           ragSvc,
		TokenVerifier: verifier,
		Secrets:       box,
	})

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:        addr,
		Handler:     httpServer.Router(),
		ReadTimeout: 15 * time.Second,
		// Write timeout is generous: chat responses stream token by token.
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "err", err)
	}
}
