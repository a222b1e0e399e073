package config

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	BackendFasterWhisper = "faster-whisper"
	BackendOpenAI        = "openai"
)

var (
	validDevices      = []string{"auto", "cuda", "cpu"}
	validComputeTypes = []string{"float16", "int8", "float32"}
	validBackends     = []string{BackendFasterWhisper, BackendOpenAI}
	validLogFormats   = []string{"json", "text"}
	validLogLevels    = []string{"debug", "info", "warn", "error"}
)

type Config struct {
	Server  ServerConfig
	Model   ModelConfig
	Upload  UploadConfig
	STT     STTConfig
	Cleanup CleanupConfig
	Log     LogConfig
	CORS    CORSConfig
}

type ServerConfig struct {
	Host            string        `env:"SERVER_HOST"          envDefault:"0.0.0.0"`
	Port            int           `env:"SERVER_PORT"          envDefault:"6868"`
	ReadTimeout     time.Duration `env:"SERVER_READ_TIMEOUT"  envDefault:"5m"`
	WriteTimeout    time.Duration `env:"SERVER_WRITE_TIMEOUT" envDefault:"30m"`
	IdleTimeout     time.Duration `env:"SERVER_IDLE_TIMEOUT"  envDefault:"2m"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT"     envDefault:"30s"`
}

// ModelConfig describes the inference engine and its decoding defaults.
type ModelConfig struct {
	Size        string `env:"MODEL_SIZE"      envDefault:"large-v3"`
	Device      string `env:"DEVICE"          envDefault:"auto"`
	ComputeType string `env:"COMPUTE_TYPE"    envDefault:"float16"`
	CacheDir    string `env:"MODEL_CACHE_DIR" envDefault:"/app/models"`
	NumWorkers  int    `env:"NUM_WORKERS"     envDefault:"1"`
	BeamSize    int    `env:"BEAM_SIZE"       envDefault:"5"`
}

type UploadConfig struct {
	MaxFileSizeMB int    `env:"MAX_FILE_SIZE_MB" envDefault:"100"`
	TempDir       string `env:"TEMP_DIR"         envDefault:"/app/temp"`
}

type STTConfig struct {
	Backend                 string `env:"STT_BACKEND"               envDefault:"faster-whisper"`
	Python                  string `env:"STT_PYTHON"                envDefault:"python3"`
	RemoteBaseURL           string `env:"STT_REMOTE_BASE_URL"       envDefault:"http://localhost:8000/v1"`
	RemoteAPIKey            string `env:"STT_REMOTE_API_KEY"`
	RemoteModel             string `env:"STT_REMOTE_MODEL"`
	MaxConcurrentInferences int    `env:"MAX_CONCURRENT_INFERENCES" envDefault:"1"`
}

type CleanupConfig struct {
	Workers int `env:"CLEANUP_WORKERS" envDefault:"4"`
}

type LogConfig struct {
	Level  string `env:"LOG_LEVEL"  envDefault:"info"`
	Format string `env:"LOG_FORMAT" envDefault:"json"`
}

type CORSConfig struct {
	AllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envDefault:"*" envSeparator:","`
}

// Load reads the configuration from the process environment.
func Load() (*Config, error) {
	return parse(env.Options{})
}

// LoadFrom reads the configuration from the given variables only.
func LoadFrom(vars map[string]string) (*Config, error) {
	return parse(env.Options{Environment: vars})
}

func parse(opts env.Options) (*Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if cfg.STT.RemoteModel == "" {
		cfg.STT.RemoteModel = cfg.Model.Size
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// MaxUploadBytes is the inclusive upper bound on an accepted upload.
func (c *Config) MaxUploadBytes() int64 {
	return int64(c.Upload.MaxFileSizeMB) * 1024 * 1024
}

func (c *Config) Validate() error {
	var problems []string
	if !slices.Contains(validDevices, c.Model.Device) {
		problems = append(problems, fmt.Sprintf("DEVICE must be one of %v, got %q", validDevices, c.Model.Device))
	}
	if !slices.Contains(validComputeTypes, c.Model.ComputeType) {
		problems = append(problems, fmt.Sprintf("COMPUTE_TYPE must be one of %v, got %q", validComputeTypes, c.Model.ComputeType))
	}
	if !slices.Contains(validBackends, c.STT.Backend) {
		problems = append(problems, fmt.Sprintf("STT_BACKEND must be one of %v, got %q", validBackends, c.STT.Backend))
	}
	if !slices.Contains(validLogFormats, c.Log.Format) {
		problems = append(problems, fmt.Sprintf("LOG_FORMAT must be one of %v, got %q", validLogFormats, c.Log.Format))
	}
	if !slices.Contains(validLogLevels, strings.ToLower(c.Log.Level)) {
		problems = append(problems, fmt.Sprintf("LOG_LEVEL must be one of %v, got %q", validLogLevels, c.Log.Level))
	}
	if c.Model.Size == "" {
		problems = append(problems, "MODEL_SIZE must not be empty")
	}
	if c.Upload.TempDir == "" {
		problems = append(problems, "TEMP_DIR must not be empty")
	}
	if c.Upload.MaxFileSizeMB < 0 {
		problems = append(problems, "MAX_FILE_SIZE_MB must not be negative")
	}
	if c.Model.NumWorkers < 1 {
		problems = append(problems, "NUM_WORKERS must be at least 1")
	}
	if c.Model.BeamSize < 1 || c.Model.BeamSize > 10 {
		problems = append(problems, "BEAM_SIZE must be between 1 and 10")
	}
	if c.STT.MaxConcurrentInferences < 1 {
		problems = append(problems, "MAX_CONCURRENT_INFERENCES must be at least 1")
	}
	if c.Cleanup.Workers < 1 {
		problems = append(problems, "CLEANUP_WORKERS must be at least 1")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}
