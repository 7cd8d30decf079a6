package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Defaults for the socket server. They mirror the values the deployed plant
// classifier has always used.
const (
	DefaultListenAddr        = ":5984"
	DefaultChunkSize         = 4096
	DefaultMaxSessions       = 12
	DefaultAccuracyThreshold = 70.00
	DefaultIdleTimeout       = 100 * time.Second
	DefaultInitialReadSize   = 16
	DefaultImageDir          = "received_images"
	DefaultShutdownTimeout   = 15 * time.Second

	// DefaultPrefixSize is the number of leading bytes consumed before the image.
	DefaultPrefixSize = 1
)

// DefaultLabels is the closed class set of the reference model, in output order.
var DefaultLabels = []string{"Atlantic_Poison_Oak", "Eastern_Poison_Ivy", "Not", "Poison_Sumac"}

// Config holds the static process configuration.
type Config struct {
	ListenAddr        string
	ChunkSize         int
	MaxSessions       int
	AccuracyThreshold float64
	IdleTimeout       time.Duration
	// InitialReadSize is carried for compatibility only; PrefixSize bytes are read.
	InitialReadSize int
	PrefixSize      int
	Labels          []string
	ImageDir        string
	KeepAlive       bool

	ModelPath      string
	MetadataPath   string
	RuntimeLibPath string
	ClassifierAddr string

	DatabaseDSN string
	RedisAddr   string
	AdminAddr   string

	ShutdownTimeout time.Duration
	Debug           bool
}

// Load reads the configuration from the environment, falling back to defaults.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:     getEnv("LISTEN_ADDR", DefaultListenAddr),
		ImageDir:       getEnv("IMAGE_DIR", DefaultImageDir),
		ModelPath:      getEnv("MODEL_PATH", "models/plant_classifier.onnx"),
		MetadataPath:   getEnv("MODEL_METADATA_PATH", "models/plant_classifier.json"),
		RuntimeLibPath: os.Getenv("ONNXRUNTIME_LIB"),
		ClassifierAddr: os.Getenv("CLASSIFIER_ADDR"),
		DatabaseDSN:    os.Getenv("DATABASE_DSN"),
		RedisAddr:      os.Getenv("REDIS_ADDR"),
		AdminAddr:      os.Getenv("ADMIN_ADDR"),
		Labels:         splitLabels(getEnv("CLASS_LABELS", strings.Join(DefaultLabels, ","))),
		PrefixSize:     DefaultPrefixSize,
	}

	var err error
	if cfg.ChunkSize, err = getEnvInt("CHUNK_SIZE", DefaultChunkSize); err != nil {
		return nil, err
	}
	if cfg.MaxSessions, err = getEnvInt("MAX_SESSIONS", DefaultMaxSessions); err != nil {
		return nil, err
	}
	if cfg.InitialReadSize, err = getEnvInt("INITIAL_READ_SIZE", DefaultInitialReadSize); err != nil {
		return nil, err
	}
	if cfg.AccuracyThreshold, err = getEnvFloat("ACCURACY_THRESHOLD", DefaultAccuracyThreshold); err != nil {
		return nil, err
	}
	if cfg.IdleTimeout, err = getEnvDuration("IDLE_TIMEOUT", DefaultIdleTimeout); err != nil {
		return nil, err
	}
	if cfg.ShutdownTimeout, err = getEnvDuration("SHUTDOWN_TIMEOUT", DefaultShutdownTimeout); err != nil {
		return nil, err
	}
	if cfg.KeepAlive, err = getEnvBool("KEEP_ALIVE", false); err != nil {
		return nil, err
	}
	if cfg.Debug, err = getEnvBool("DEBUG", false); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports the first setting that cannot be served.
func (c *Config) Validate() error {
	switch {
	case c.ListenAddr == "":
		return errors.New("listen address is required")
	case c.ChunkSize <= 0:
		return fmt.Errorf("chunk size must be positive, got %d", c.ChunkSize)
	case c.MaxSessions <= 0:
		return fmt.Errorf("max sessions must be positive, got %d", c.MaxSessions)
	case c.AccuracyThreshold < 0 || c.AccuracyThreshold > 100:
		return fmt.Errorf("accuracy threshold must be within [0,100], got %.2f", c.AccuracyThreshold)
	case c.PrefixSize < 1:
		return fmt.Errorf("prefix size must be at least 1, got %d", c.PrefixSize)
	case c.IdleTimeout <= 0:
		return fmt.Errorf("idle timeout must be positive, got %s", c.IdleTimeout)
	case len(c.Labels) == 0:
		return errors.New("at least one class label is required")
	case c.ModelPath == "" && c.ClassifierAddr == "":
		return errors.New("either a model path or a classifier address is required")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func getEnvFloat(key string, fallback float64) (float64, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

// getEnvDuration accepts Go durations ("90s") or a bare number of seconds ("100").
func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	if secs, err := strconv.ParseFloat(raw, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func getEnvBool(key string, fallback bool) (bool, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func splitLabels(raw string) []string {
	var labels []string
	for _, part := range strings.Split(raw, ",") {
		if label := strings.TrimSpace(part); label != "" {
			labels = append(labels, label)
		}
	}
	return labels
}
