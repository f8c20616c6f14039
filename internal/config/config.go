package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// DefaultLabels is the label order the bundled model was trained with.
var DefaultLabels = []string{"Izquierdo", "Derecho"}

// ModelConfig describes the tensor contract between the preprocessor, the
// model artifact and the result selector.
type ModelConfig struct {
	Labels      []string
	InputWidth  int
	InputHeight int
	Channels    int
}

// DefaultModelConfig returns the 224x224 RGB two-label contract.
func DefaultModelConfig() ModelConfig {
	labels := make([]string, len(DefaultLabels))
	copy(labels, DefaultLabels)
	return ModelConfig{
		Labels:      labels,
		InputWidth:  224,
		InputHeight: 224,
		Channels:    3,
	}
}

// Validate reports whether the contract is usable.
func (m ModelConfig) Validate() error {
	if len(m.Labels) == 0 {
		return errors.New("at least one label is required")
	}
	for i, label := range m.Labels {
		if strings.TrimSpace(label) == "" {
			return fmt.Errorf("label %d is empty", i)
		}
	}
	if m.InputWidth <= 0 || m.InputHeight <= 0 {
		return fmt.Errorf("invalid input size %dx%d", m.InputWidth, m.InputHeight)
	}
	if m.Channels != 3 {
		return fmt.Errorf("unsupported channel count %d", m.Channels)
	}
	return nil
}

// InputShape returns the NHWC input shape with a batch size of one.
func (m ModelConfig) InputShape() []int64 {
	return []int64{1, int64(m.InputHeight), int64(m.InputWidth), int64(m.Channels)}
}

// Config holds the service settings.
type Config struct {
	HTTPAddr        string
	GRPCAddr        string
	DatabaseDSN     string
	RedisAddr       string
	JWTSecret       string
	JWTAudience     string
	ShutdownTimeout time.Duration

	ModelPath       string
	ModelBackend    string
	ONNXLibraryPath string
	ModelPoolSize   int
	Workers         int
	Model           ModelConfig

	PhotoDir string

	MQTTBroker      string
	MQTTTopicPrefix string

	AWSRegion   string
	SQSQueueURL string
}

// Load reads configuration from the environment, after applying an optional
// .env file from the working directory.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from a lookup function.
func FromEnv(getenv func(string) string) (*Config, error) {
	get := func(key, fallback string) string {
		if value := strings.TrimSpace(getenv(key)); value != "" {
			return value
		}
		return fallback
	}

	model := DefaultModelConfig()
	if raw := get("LABELS", ""); raw != "" {
		model.Labels = splitList(raw)
	}

	var err error
	if model.InputWidth, err = atoi(get("INPUT_WIDTH", "224"), "INPUT_WIDTH"); err != nil {
		return nil, err
	}
	if model.InputHeight, err = atoi(get("INPUT_HEIGHT", "224"), "INPUT_HEIGHT"); err != nil {
		return nil, err
	}
	if model.Channels, err = atoi(get("INPUT_CHANNELS", "3"), "INPUT_CHANNELS"); err != nil {
		return nil, err
	}
	if err := model.Validate(); err != nil {
		return nil, fmt.Errorf("model config: %w", err)
	}

	cfg := &Config{
		HTTPAddr:        get("HTTP_ADDR", ":8080"),
		GRPCAddr:        get("GRPC_ADDR", ":9090"),
		DatabaseDSN:     get("DATABASE_DSN", "host=postgres user=postgres password=postgres dbname=leftright port=5432 sslmode=disable"),
		RedisAddr:       get("REDIS_ADDR", "redis:6379"),
		JWTSecret:       get("JWT_SECRET", "dev-secret"),
		JWTAudience:     getenv("JWT_AUDIENCE"),
		ModelPath:       get("MODEL_PATH", filepath.Join("models", "model_unquant.onnx")),
		ONNXLibraryPath: getenv("ONNX_LIBRARY_PATH"),
		Model:           model,
		PhotoDir:        get("PHOTO_DIR", "photos"),
		MQTTBroker:      getenv("MQTT_BROKER"),
		MQTTTopicPrefix: get("MQTT_TOPIC_PREFIX", "leftright"),
		AWSRegion:       get("AWS_REGION", "us-east-1"),
		SQSQueueURL:     getenv("SQS_QUEUE_URL"),
	}

	cfg.ModelBackend = strings.ToLower(get("MODEL_BACKEND", backendFromPath(cfg.ModelPath)))
	if cfg.ModelBackend != "onnx" && cfg.ModelBackend != "tflite" {
		return nil, fmt.Errorf("MODEL_BACKEND must be onnx or tflite, got %q", cfg.ModelBackend)
	}

	if cfg.ModelPoolSize, err = atoi(get("MODEL_POOL_SIZE", "2"), "MODEL_POOL_SIZE"); err != nil {
		return nil, err
	}
	if cfg.Workers, err = atoi(get("WORKERS", "4"), "WORKERS"); err != nil {
		return nil, err
	}
	if cfg.ModelPoolSize < 1 || cfg.Workers < 1 {
		return nil, errors.New("MODEL_POOL_SIZE and WORKERS must be positive")
	}

	if cfg.ShutdownTimeout, err = time.ParseDuration(get("SHUTDOWN_TIMEOUT", "15s")); err != nil {
		return nil, fmt.Errorf("SHUTDOWN_TIMEOUT: %w", err)
	}

	return cfg, nil
}

func backendFromPath(path string) string {
	if strings.EqualFold(filepath.Ext(path), ".tflite") {
		return "tflite"
	}
	return "onnx"
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		out = append(out, strings.TrimSpace(p))
	}
	return out
}

func atoi(value, key string) (int, error) {
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}
