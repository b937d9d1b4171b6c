package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bdougie/visionbatch/internal/errkind"
)

// Config represents the complete visionbatch configuration
type Config struct {
	LogLevel  string          `yaml:"log_level"`
	Inference InferenceConfig `yaml:"inference"`
	Blob      BlobConfig      `yaml:"blob"`
	Batch     BatchConfig     `yaml:"batch"`
	Video     VideoConfig     `yaml:"video"`
	Catalog   CatalogConfig   `yaml:"catalog"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Output    OutputConfig    `yaml:"output"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	RabbitMQ  RabbitMQConfig  `yaml:"rabbitmq"`
}

// InferenceConfig points at the streaming inference service
type InferenceConfig struct {
	URI            string `yaml:"uri"`
	MaxMessageSize int64  `yaml:"max_message_size"` // bytes per frame, both directions
	MaxQueueDepth  int    `yaml:"max_queue_depth"`
}

// BlobConfig selects and configures the blob store
type BlobConfig struct {
	Backend       string   `yaml:"backend"` // s3 or local
	Bucket        string   `yaml:"bucket"`
	Region        string   `yaml:"region"`
	Endpoint      string   `yaml:"endpoint"`  // optional, for S3-compatible stores
	LocalDir      string   `yaml:"local_dir"` // root directory for the local backend
	ImagePrefix   string   `yaml:"image_prefix"`
	VideoPrefix   string   `yaml:"video_prefix"`
	TempPrefix    string   `yaml:"temp_prefix"`
	ImageSuffixes []string `yaml:"image_suffixes"`
	VideoSuffixes []string `yaml:"video_suffixes"`
}

// BatchConfig bounds per-item dispatch
type BatchConfig struct {
	Concurrency    int           `yaml:"concurrency"`
	PerItemTimeout time.Duration `yaml:"per_item_timeout"`
}

// VideoConfig controls frame sampling and video fan-out
type VideoConfig struct {
	FrameInterval       int `yaml:"frame_interval"`
	FramesPerGroup      int `yaml:"frames_per_group"`
	MaxConcurrentVideos int `yaml:"max_concurrent_videos"`
}

// CatalogConfig describes where model metadata lives and which outputs feed
// the top-1 result columns
type CatalogConfig struct {
	MetadataURL    string `yaml:"metadata_url"` // empty disables lookups
	DensenetOutput string `yaml:"densenet_output"`
	ResnetOutput   string `yaml:"resnet_output"`
}

// PipelineConfig controls the single-image pipeline
type PipelineConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// OutputConfig is where result artifacts are written
type OutputConfig struct {
	Dir string `yaml:"dir"`
}

// PostgresConfig enables the Postgres result sink when DSN is set
type PostgresConfig struct {
	DSN        string `yaml:"dsn"`
	Dimensions int    `yaml:"dimensions"` // probability vector length
}

// RabbitMQConfig enables the AMQP publisher when URL is set
type RabbitMQConfig struct {
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"`
}

// Defaults
const (
	DefaultConcurrency         = 5
	DefaultPerItemTimeout      = 5 * time.Minute
	DefaultFrameInterval       = 30
	DefaultFramesPerGroup      = 3
	DefaultMaxConcurrentVideos = 2
	DefaultMaxMessageSize      = 1 << 30
	DefaultMaxQueueDepth       = 16
	DefaultPipelineTimeout     = 300 * time.Second
	DefaultDimensions          = 1000
)

// Load reads and parses a YAML configuration file, applies environment
// overrides and defaults, and validates the result. An empty path skips the
// file.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, errkind.Wrap(errkind.Config, "parse config", err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	c.LogLevel = getEnv("VISIONBATCH_LOG_LEVEL", c.LogLevel)
	c.Inference.URI = getEnv("VISIONBATCH_INFERENCE_URI", c.Inference.URI)
	c.Blob.Backend = getEnv("VISIONBATCH_BLOB_BACKEND", c.Blob.Backend)
	c.Blob.Bucket = getEnv("VISIONBATCH_BUCKET", c.Blob.Bucket)
	c.Blob.Region = getEnv("AWS_REGION", c.Blob.Region)
	c.Blob.Endpoint = getEnv("VISIONBATCH_S3_ENDPOINT", c.Blob.Endpoint)
	c.Blob.LocalDir = getEnv("VISIONBATCH_LOCAL_DIR", c.Blob.LocalDir)
	c.Batch.Concurrency = getEnvAsInt("VISIONBATCH_CONCURRENCY", c.Batch.Concurrency)
	c.Batch.PerItemTimeout = getEnvAsDuration("VISIONBATCH_PER_ITEM_TIMEOUT", c.Batch.PerItemTimeout)
	c.Video.FrameInterval = getEnvAsInt("VISIONBATCH_FRAME_INTERVAL", c.Video.FrameInterval)
	c.Video.FramesPerGroup = getEnvAsInt("VISIONBATCH_FRAMES_PER_GROUP", c.Video.FramesPerGroup)
	c.Video.MaxConcurrentVideos = getEnvAsInt("VISIONBATCH_MAX_CONCURRENT_VIDEOS", c.Video.MaxConcurrentVideos)
	c.Catalog.MetadataURL = getEnv("VISIONBATCH_METADATA_URL", c.Catalog.MetadataURL)
	c.Output.Dir = getEnv("VISIONBATCH_OUTPUT_DIR", c.Output.Dir)
	c.Postgres.DSN = getEnv("POSTGRES_DSN", c.Postgres.DSN)
	if pw := os.Getenv("POSTGRES_PASSWORD"); pw != "" && c.Postgres.DSN != "" && !strings.Contains(c.Postgres.DSN, "password=") {
		c.Postgres.DSN += " password=" + pw
	}
	c.RabbitMQ.URL = getEnv("RABBITMQ_URL", c.RabbitMQ.URL)
	c.RabbitMQ.Exchange = getEnv("RABBITMQ_EXCHANGE", c.RabbitMQ.Exchange)
}

// applyDefaults fills zero values. Negative values are left alone so that
// Validate can reject them.
func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Inference.URI == "" {
		c.Inference.URI = "ws://localhost:8080/ws"
	}
	if c.Inference.MaxMessageSize == 0 {
		c.Inference.MaxMessageSize = DefaultMaxMessageSize
	}
	if c.Inference.MaxQueueDepth == 0 {
		c.Inference.MaxQueueDepth = DefaultMaxQueueDepth
	}
	if c.Blob.Backend == "" {
		c.Blob.Backend = "s3"
	}
	if c.Blob.Region == "" {
		c.Blob.Region = "us-east-1"
	}
	if c.Blob.ImagePrefix == "" {
		c.Blob.ImagePrefix = "images/"
	}
	if c.Blob.VideoPrefix == "" {
		c.Blob.VideoPrefix = "videos/"
	}
	if c.Blob.TempPrefix == "" {
		c.Blob.TempPrefix = "temp_frames/"
	}
	if len(c.Blob.ImageSuffixes) == 0 {
		c.Blob.ImageSuffixes = []string{".jpg", ".jpeg", ".png"}
	}
	if len(c.Blob.VideoSuffixes) == 0 {
		c.Blob.VideoSuffixes = []string{".mp4", ".avi", ".mov"}
	}
	if c.Batch.Concurrency == 0 {
		c.Batch.Concurrency = DefaultConcurrency
	}
	if c.Batch.PerItemTimeout == 0 {
		c.Batch.PerItemTimeout = DefaultPerItemTimeout
	}
	if c.Video.FrameInterval == 0 {
		c.Video.FrameInterval = DefaultFrameInterval
	}
	if c.Video.FramesPerGroup == 0 {
		c.Video.FramesPerGroup = DefaultFramesPerGroup
	}
	if c.Video.MaxConcurrentVideos == 0 {
		c.Video.MaxConcurrentVideos = DefaultMaxConcurrentVideos
	}
	if c.Catalog.DensenetOutput == "" {
		c.Catalog.DensenetOutput = "fc6_1"
	}
	if c.Catalog.ResnetOutput == "" {
		c.Catalog.ResnetOutput = "resnetv24_dense0_fwd"
	}
	if c.Pipeline.Timeout == 0 {
		c.Pipeline.Timeout = DefaultPipelineTimeout
	}
	if c.Output.Dir == "" {
		c.Output.Dir = "results"
	}
	if c.Postgres.Dimensions == 0 {
		c.Postgres.Dimensions = DefaultDimensions
	}
	if c.RabbitMQ.Exchange == "" {
		c.RabbitMQ.Exchange = "visionbatch.results"
	}
}

// Validate reports the first invalid setting as a config error.
func (c *Config) Validate() error {
	positive := []struct {
		name  string
		value int64
	}{
		{"batch.concurrency", int64(c.Batch.Concurrency)},
		{"batch.per_item_timeout", int64(c.Batch.PerItemTimeout)},
		{"video.frame_interval", int64(c.Video.FrameInterval)},
		{"video.frames_per_group", int64(c.Video.FramesPerGroup)},
		{"video.max_concurrent_videos", int64(c.Video.MaxConcurrentVideos)},
		{"inference.max_message_size", c.Inference.MaxMessageSize},
		{"inference.max_queue_depth", int64(c.Inference.MaxQueueDepth)},
		{"pipeline.timeout", int64(c.Pipeline.Timeout)},
		{"postgres.dimensions", int64(c.Postgres.Dimensions)},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return errkind.New(errkind.Config, "validate", "%s must be positive, got %d", p.name, p.value)
		}
	}

	switch c.Blob.Backend {
	case "s3":
		if c.Blob.Bucket == "" {
			return errkind.New(errkind.Config, "validate", "blob.bucket is required for the s3 backend")
		}
	case "local":
		if c.Blob.LocalDir == "" {
			return errkind.New(errkind.Config, "validate", "blob.local_dir is required for the local backend")
		}
	default:
		return errkind.New(errkind.Config, "validate", "unknown blob backend %q", c.Blob.Backend)
	}

	if !strings.HasPrefix(c.Inference.URI, "ws://") && !strings.HasPrefix(c.Inference.URI, "wss://") {
		return errkind.New(errkind.Config, "validate", "inference.uri must be a ws:// or wss:// URL, got %q", c.Inference.URI)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
