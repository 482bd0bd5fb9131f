package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Anthropic AnthropicConfig `yaml:"anthropic" mapstructure:"anthropic"`
	Chunker   ChunkerConfig   `yaml:"chunker" mapstructure:"chunker"`
	Pipeline  PipelineConfig  `yaml:"pipeline" mapstructure:"pipeline"`
	Gate      GateConfig      `yaml:"gate" mapstructure:"gate"`
	Aggregate AggregateConfig `yaml:"aggregate" mapstructure:"aggregate"`
	Extract   ExtractConfig   `yaml:"extract" mapstructure:"extract"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// AnthropicConfig holds extraction-service API settings.
type AnthropicConfig struct {
	Key           string  `yaml:"key" mapstructure:"key"`
	Model         string  `yaml:"model" mapstructure:"model"`
	MaxTokens     int64   `yaml:"max_tokens" mapstructure:"max_tokens"`
	RatePerSecond float64 `yaml:"rate_per_second" mapstructure:"rate_per_second"`
	RateBurst     int     `yaml:"rate_burst" mapstructure:"rate_burst"`
}

// ChunkerConfig configures document segmentation.
type ChunkerConfig struct {
	MaxChunkSize    int  `yaml:"max_chunk_size" mapstructure:"max_chunk_size"`
	OverlapSize     int  `yaml:"overlap_size" mapstructure:"overlap_size"`
	PreserveContext bool `yaml:"preserve_context" mapstructure:"preserve_context"`
}

// PipelineConfig configures the merge-orchestrator task.
type PipelineConfig struct {
	Workers             int `yaml:"workers" mapstructure:"workers"`
	ChunkTimeoutSecs    int `yaml:"chunk_timeout_secs" mapstructure:"chunk_timeout_secs"`
	DocumentTimeoutSecs int `yaml:"document_timeout_secs" mapstructure:"document_timeout_secs"`
	MaxAttempts         int `yaml:"max_attempts" mapstructure:"max_attempts"`
}

// ChunkTimeout returns the per-chunk AI call timeout.
func (p PipelineConfig) ChunkTimeout() time.Duration {
	return time.Duration(p.ChunkTimeoutSecs) * time.Second
}

// DocumentTimeout returns the whole-document processing timeout.
func (p PipelineConfig) DocumentTimeout() time.Duration {
	return time.Duration(p.DocumentTimeoutSecs) * time.Second
}

// GateConfig holds quality-gate thresholds.
type GateConfig struct {
	ConfidenceThreshold     float64 `yaml:"confidence_threshold" mapstructure:"confidence_threshold"`
	HighConfidenceThreshold float64 `yaml:"high_confidence_threshold" mapstructure:"high_confidence_threshold"`
	MinResources            int     `yaml:"min_resources" mapstructure:"min_resources"`
}

// AggregateConfig configures cross-chunk deduplication.
type AggregateConfig struct {
	SimilarityThreshold float64 `yaml:"similarity_threshold" mapstructure:"similarity_threshold"`
}

// ExtractConfig configures the PDF text-extraction collaborator.
type ExtractConfig struct {
	PdfToTextPath string `yaml:"pdftotext_path" mapstructure:"pdftotext_path"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("CHARTWISE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("anthropic.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.max_tokens", 4096)
	v.SetDefault("anthropic.rate_per_second", 5)
	v.SetDefault("anthropic.rate_burst", 10)
	v.SetDefault("chunker.max_chunk_size", 20000)
	v.SetDefault("chunker.overlap_size", 200)
	v.SetDefault("chunker.preserve_context", true)
	v.SetDefault("pipeline.workers", 0) // 0 = 2 x GOMAXPROCS
	v.SetDefault("pipeline.chunk_timeout_secs", 120)
	v.SetDefault("pipeline.document_timeout_secs", 600)
	v.SetDefault("pipeline.max_attempts", 3)
	v.SetDefault("gate.confidence_threshold", 0.80)
	v.SetDefault("gate.high_confidence_threshold", 0.95)
	v.SetDefault("gate.min_resources", 3)
	v.SetDefault("aggregate.similarity_threshold", 0.85)
	v.SetDefault("extract.pdftotext_path", "pdftotext")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
