package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is where Load looks when no path is given.
const DefaultPath = "config.yaml"

// Config is the full runtime configuration for both binaries.
type Config struct {
	Port        string `yaml:"port"`
	DatabaseURL string `yaml:"databaseURL"`
	LogLevel    string `yaml:"logLevel"`

	// Auth
	TokenSecret string `yaml:"tokenSecret"`
	TokenIssuer string `yaml:"tokenIssuer"`

	// Credential sealing key, base64-encoded 32 bytes.
	SecretsKey string `yaml:"secretsKey"`

	// Embeddings
	EmbeddingBaseURL string `yaml:"embeddingBaseURL"`
	EmbeddingModel   string `yaml:"embeddingModel"`
	EmbeddingDim     int    `yaml:"embeddingDim"`

	// Retrieval
	TopK                int     `yaml:"topK"`
	SimilarityThreshold float64 `yaml:"similarityThreshold"`
	ChunkSize           int     `yaml:"chunkSize"`
	ChunkOverlap        int     `yaml:"chunkOverlap"`

	// Object storage; when Endpoint is empty, LocalDir is used.
	Minio struct {
		Endpoint  string `yaml:"endpoint"`
		AccessKey string `yaml:"accessKey"`
		SecretKey string `yaml:"secretKey"`
		Bucket    string `yaml:"bucket"`
		UseSSL    bool   `yaml:"useSSL"`
	} `yaml:"minio"`
	LocalDir string `yaml:"localDir"`

	// Queue; empty Addr runs ingestion inline in the server process.
	Queue struct {
		Addr        string        `yaml:"addr"`
		Password    string        `yaml:"password"`
		Stream      string        `yaml:"stream"`
		Group       string        `yaml:"group"`
		Concurrency int           `yaml:"concurrency"`
		MaxRetries  int           `yaml:"maxRetries"`
		RetryDelay  time.Duration `yaml:"retryDelay"`
	} `yaml:"queue"`
}

// Load reads YAML config and applies environment overrides.
func Load(path string) (Config, error) {
	cfg := Config{}
	if path == "" {
		path = DefaultPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Port = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("TOKEN_SECRET"); v != "" {
		cfg.TokenSecret = v
	}
	if v := os.Getenv("SECRETS_KEY"); v != "" {
		cfg.SecretsKey = v
	}
	if v := os.Getenv("EMBEDDING_BASE_URL"); v != "" {
		cfg.EmbeddingBaseURL = v
	}
	if v := os.Getenv("EMBEDDING_MODEL"); v != "" {
		cfg.EmbeddingModel = v
	}
	if v := os.Getenv("EMBEDDING_DIM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.EmbeddingDim = n
		}
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Queue.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Queue.Password = v
	}
	if v := os.Getenv("MINIO_ENDPOINT"); v != "" {
		cfg.Minio.Endpoint = v
	}
	if v := os.Getenv("MINIO_ACCESS_KEY"); v != "" {
		cfg.Minio.AccessKey = v
	}
	if v := os.Getenv("MINIO_SECRET_KEY"); v != "" {
		cfg.Minio.SecretKey = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.TokenIssuer == "" {
		cfg.TokenIssuer = "docuchat"
	}
	if cfg.EmbeddingModel == "" {
		cfg.EmbeddingModel = "all-minilm"
	}
	if cfg.EmbeddingDim <= 0 {
		cfg.EmbeddingDim = 384
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 5
	}
	if cfg.SimilarityThreshold <= 0 {
		cfg.SimilarityThreshold = 0.3
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 1000
	}
	if cfg.ChunkOverlap <= 0 {
		cfg.ChunkOverlap = 200
	}
	if cfg.LocalDir == "" {
		cfg.LocalDir = "data/uploads"
	}
	if cfg.Queue.Stream == "" {
		cfg.Queue.Stream = "docuchat:ingest"
	}
	if cfg.Queue.Group == "" {
		cfg.Queue.Group = "ingest-workers"
	}
	if cfg.Queue.Concurrency <= 0 {
		cfg.Queue.Concurrency = 2
	}
	if cfg.Queue.MaxRetries <= 0 {
		cfg.Queue.MaxRetries = 3
	}
	if cfg.Queue.RetryDelay <= 0 {
		cfg.Queue.RetryDelay = 60 * time.Second
	}
}

func validate(cfg Config) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml or PORT)")
	}
	if cfg.DatabaseURL == "" {
		return errors.New("config: databaseURL is required (set in config.yaml or DATABASE_URL)")
	}
	if cfg.TokenSecret == "" {
		return errors.New("config: tokenSecret is required (set in config.yaml or TOKEN_SECRET)")
	}
	if cfg.ChunkOverlap >= cfg.ChunkSize {
		return fmt.Errorf("config: chunkOverlap (%d) must be smaller than chunkSize (%d)", cfg.ChunkOverlap, cfg.ChunkSize)
	}
	return nil
}
