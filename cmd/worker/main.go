package main

import (
	"context"
	"flag"
	"log/slog"
	"os/signal"
	"syscall"

	"docuchat/internal/config"
	"docuchat/internal/ingest"
	"docuchat/internal/util"
	"docuchat/pkg/ai"
	"docuchat/pkg/queue"
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
	if cfg.Queue.Addr == "" {
		util.Fatal("worker requires queue.addr (or REDIS_ADDR)")
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

	embedder := ai.NewOllamaEmbedder(ai.NewOllamaClient(cfg.EmbeddingBaseURL), cfg.EmbeddingModel, cfg.EmbeddingDim)

	processor, err := ingest.NewProcessor(ingest.Config{
		Store:        st,
		Objects:      objects,
		Embedder:     embedder,
		ChunkSize:    cfg.ChunkSize,
		ChunkOverlap: cfg.ChunkOverlap,
		Logger:       logger,
	})
	if err != nil {
		util.Fatal("failed to init processor", "err", err)
	}

	jobs, err := queue.NewRedisJobQueue(queue.RedisQueueConfig{
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
	defer jobs.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("worker consuming", "stream", cfg.Queue.Stream, "group", cfg.Queue.Group, "concurrency", cfg.Queue.Concurrency)
	jobs.Start(ctx, cfg.Queue.Concurrency, func(ctx context.Context, job queue.JobStatus) error {
		return processor.ProcessDocument(ctx, job.DocumentID)
	})
	<-ctx.Done()
	slog.Info("worker shutting down")
}
