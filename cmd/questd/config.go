package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type (
	// Config is the questd service configuration. Secrets (API keys) are
	// never read from the file; they come from the environment variables
	// named below.
	Config struct {
		HTTP      HTTPConfig      `yaml:"http"`
		Mongo     MongoConfig     `yaml:"mongo"`
		Redis     RedisConfig     `yaml:"redis"`
		Models    ModelsConfig    `yaml:"models"`
		Pipeline  PipelineConfig  `yaml:"pipeline"`
		Retrieval RetrievalConfig `yaml:"retrieval"`
		Repo      RepoConfig      `yaml:"repo"`
	}

	// HTTPConfig configures the HTTP listener.
	HTTPConfig struct {
		Addr string `yaml:"addr"`
	}

	// MongoConfig configures the MongoDB connection.
	MongoConfig struct {
		URI      string `yaml:"uri"`
		Database string `yaml:"database"`
	}

	// RedisConfig configures the Redis connection shared by the status store
	// and the Pulse stream transport.
	RedisConfig struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"-"`
		DB       int    `yaml:"db"`
	}

	// ModelsConfig selects the model providers and identifiers.
	ModelsConfig struct {
		// Provider selects the reasoning backend: "anthropic" or "bedrock".
		Provider string `yaml:"provider"`
		// ReasonerModel is the reasoning model identifier.
		ReasonerModel string `yaml:"reasoner_model"`
		// StructurerModel is the OpenAI model used for structured output.
		StructurerModel string `yaml:"structurer_model"`
		// EmbeddingModel is the OpenAI embedding model.
		EmbeddingModel string `yaml:"embedding_model"`
		// BedrockRegion is the AWS region for the bedrock provider.
		BedrockRegion string `yaml:"bedrock_region"`
		// RPM rate-limits model calls per minute. Zero disables limiting.
		RPM int `yaml:"rpm"`
	}

	// PipelineConfig tunes the executor retry policy.
	PipelineConfig struct {
		MaxAttempts int           `yaml:"max_attempts"`
		BackoffBase time.Duration `yaml:"backoff_base"`
	}

	// RetrievalConfig configures the retrieval backends.
	RetrievalConfig struct {
		Collection      string `yaml:"collection"`
		VectorIndexName string `yaml:"vector_index_name"`
	}

	// RepoConfig configures the repository content service used by the
	// ingest pipeline. Empty BaseURL disables the ingest variant.
	RepoConfig struct {
		BaseURL string `yaml:"base_url"`
	}
)

// Environment variables holding secrets.
const (
	envAnthropicKey = "ANTHROPIC_API_KEY"
	envOpenAIKey    = "OPENAI_API_KEY"
	envRedisPass    = "REDIS_PASSWORD"
)

// LoadConfig reads the YAML config file, applies defaults and pulls secrets
// from the environment.
func LoadConfig(path string) (Config, error) {
	cfg := Config{
		HTTP:  HTTPConfig{Addr: ":8080"},
		Mongo: MongoConfig{URI: "mongodb://localhost:27017", Database: "quest"},
		Redis: RedisConfig{Addr: "localhost:6379"},
		Models: ModelsConfig{
			Provider: "anthropic",
		},
		Pipeline: PipelineConfig{MaxAttempts: 3, BackoffBase: 500 * time.Millisecond},
	}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.Redis.Password = os.Getenv(envRedisPass)
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.Models.Provider {
	case "anthropic", "bedrock":
	default:
		return fmt.Errorf("unknown model provider %q", c.Models.Provider)
	}
	if c.Models.ReasonerModel == "" {
		return fmt.Errorf("models.reasoner_model is required")
	}
	if c.Models.StructurerModel == "" {
		return fmt.Errorf("models.structurer_model is required")
	}
	if c.Mongo.Database == "" {
		return fmt.Errorf("mongo.database is required")
	}
	return nil
}
