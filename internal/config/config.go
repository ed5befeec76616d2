package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Store backends.
const (
	BackendFile     = "file"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

type Config struct {
	Liveness LivenessConfig `yaml:"liveness"`
	Match    MatchConfig    `yaml:"match"`
	Store    StoreConfig    `yaml:"store"`
	Worker   WorkerConfig   `yaml:"worker"`
	Camera   CameraConfig   `yaml:"camera"`
	Web      WebConfig      `yaml:"web"`
	LogLevel string         `yaml:"log_level"`
}

type LivenessConfig struct {
	EARThreshold   float64       `yaml:"ear_threshold"`
	ConsecFrames   int           `yaml:"consec_frames"`
	RequiredBlinks int           `yaml:"required_blinks"`
	TTL            time.Duration `yaml:"ttl"` // 0 disables re-checking liveness after success
}

type MatchConfig struct {
	Threshold float64 `yaml:"threshold"`
}

type StoreConfig struct {
	Backend      string `yaml:"backend"`
	UsersFile    string `yaml:"users_file"`
	DatabaseURL  string `yaml:"database_url"`
	RedisURL     string `yaml:"redis_url"`
	RedisPrefix  string `yaml:"redis_prefix"`
	EmbeddingDim int    `yaml:"embedding_dim"`
}

type WorkerConfig struct {
	Command     []string      `yaml:"command"` // argv of the detector/extractor process
	ReadTimeout time.Duration `yaml:"read_timeout"`
}

type CameraConfig struct {
	Device string  `yaml:"device"`
	Format string  `yaml:"format"` // ffmpeg input format, empty for files
	Scale  float64 `yaml:"scale"`  // downscale factor applied before detection
}

type WebConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Defaults returns the configuration used when nothing is set.
func Defaults() *Config {
	return &Config{
		Liveness: LivenessConfig{
			EARThreshold:   0.25,
			ConsecFrames:   3,
			RequiredBlinks: 2,
		},
		Match: MatchConfig{Threshold: 0.6},
		Store: StoreConfig{
			Backend:      BackendFile,
			UsersFile:    "users.json",
			RedisPrefix:  "faceauth:enroll:",
			EmbeddingDim: 128,
		},
		Worker: WorkerConfig{
			Command:     []string{"python3", "-u", "python/worker.py"},
			ReadTimeout: 30 * time.Second,
		},
		Camera: CameraConfig{
			Device: "/dev/video0",
			Format: "v4l2",
			Scale:  0.75,
		},
		Web:      WebConfig{Host: "0.0.0.0", Port: 8080},
		LogLevel: "info",
	}
}

// Load reads the environment on top of the defaults. If path is non-empty the
// YAML file is applied first, so environment variables win over the file.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}

	var err error
	if cfg.Liveness.EARThreshold, err = envFloat("FACEAUTH_EAR_THRESHOLD", cfg.Liveness.EARThreshold); err != nil {
		return nil, err
	}
	if cfg.Liveness.ConsecFrames, err = envInt("FACEAUTH_CONSEC_FRAMES", cfg.Liveness.ConsecFrames); err != nil {
		return nil, err
	}
	if cfg.Liveness.RequiredBlinks, err = envInt("FACEAUTH_REQUIRED_BLINKS", cfg.Liveness.RequiredBlinks); err != nil {
		return nil, err
	}
	if cfg.Liveness.TTL, err = envDuration("FACEAUTH_LIVENESS_TTL", cfg.Liveness.TTL); err != nil {
		return nil, err
	}
	if cfg.Match.Threshold, err = envFloat("FACEAUTH_MATCH_THRESHOLD", cfg.Match.Threshold); err != nil {
		return nil, err
	}
	if cfg.Store.EmbeddingDim, err = envInt("FACEAUTH_EMBEDDING_DIM", cfg.Store.EmbeddingDim); err != nil {
		return nil, err
	}
	if cfg.Worker.ReadTimeout, err = envDuration("FACEAUTH_WORKER_TIMEOUT", cfg.Worker.ReadTimeout); err != nil {
		return nil, err
	}
	if cfg.Camera.Scale, err = envFloat("FACEAUTH_FRAME_SCALE", cfg.Camera.Scale); err != nil {
		return nil, err
	}
	if cfg.Web.Port, err = envInt("WEB_PORT", cfg.Web.Port); err != nil {
		return nil, err
	}

	cfg.Store.Backend = strings.ToLower(getEnv("FACEAUTH_STORE", cfg.Store.Backend))
	cfg.Store.UsersFile = getEnv("FACEAUTH_USERS_FILE", cfg.Store.UsersFile)
	cfg.Store.DatabaseURL = getEnv("DATABASE_URL", cfg.Store.DatabaseURL)
	if cfg.Store.DatabaseURL == "" {
		cfg.Store.DatabaseURL = postgresURLFromEnv()
	}
	cfg.Store.RedisURL = getEnv("REDIS_URL", cfg.Store.RedisURL)
	cfg.Store.RedisPrefix = getEnv("FACEAUTH_REDIS_PREFIX", cfg.Store.RedisPrefix)
	if v := os.Getenv("FACEAUTH_WORKER_CMD"); v != "" {
		cfg.Worker.Command = strings.Fields(v)
	}
	cfg.Camera.Device = getEnv("FACEAUTH_CAMERA_DEVICE", cfg.Camera.Device)
	if v, ok := os.LookupEnv("FACEAUTH_CAMERA_FORMAT"); ok {
		cfg.Camera.Format = v
	}
	cfg.Web.Host = getEnv("WEB_HOST", cfg.Web.Host)
	cfg.LogLevel = strings.ToLower(getEnv("LOG_LEVEL", cfg.LogLevel))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile overlays the YAML document at path onto c.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// Validate rejects values that would disable liveness or matching.
func (c *Config) Validate() error {
	if c.Liveness.EARThreshold <= 0 {
		return fmt.Errorf("ear threshold must be > 0, got %f", c.Liveness.EARThreshold)
	}
	if c.Liveness.ConsecFrames < 1 {
		return fmt.Errorf("consecutive frames must be >= 1, got %d", c.Liveness.ConsecFrames)
	}
	if c.Liveness.RequiredBlinks < 1 {
		return fmt.Errorf("required blinks must be >= 1, got %d", c.Liveness.RequiredBlinks)
	}
	if c.Liveness.TTL < 0 {
		return fmt.Errorf("liveness ttl must not be negative, got %s", c.Liveness.TTL)
	}
	if c.Match.Threshold <= 0 {
		return fmt.Errorf("match threshold must be > 0, got %f", c.Match.Threshold)
	}
	if c.Store.EmbeddingDim < 1 {
		return fmt.Errorf("embedding dimension must be >= 1, got %d", c.Store.EmbeddingDim)
	}
	switch c.Store.Backend {
	case BackendFile, BackendPostgres, BackendRedis:
	default:
		return fmt.Errorf("unknown store backend %q (use file, postgres or redis)", c.Store.Backend)
	}
	if c.Camera.Scale <= 0 || c.Camera.Scale > 1 {
		return fmt.Errorf("frame scale must be in (0, 1], got %f", c.Camera.Scale)
	}
	if len(c.Worker.Command) == 0 {
		return fmt.Errorf("worker command must not be empty")
	}
	return nil
}

// Address returns host:port for the HTTP server.
func (w WebConfig) Address() string {
	return fmt.Sprintf("%s:%d", w.Host, w.Port)
}

// postgresURLFromEnv builds a connection string from POSTGRES_* variables,
// returning "" when POSTGRES_HOST is unset.
func postgresURLFromEnv() string {
	host := os.Getenv("POSTGRES_HOST")
	if host == "" {
		return ""
	}
	user := os.Getenv("POSTGRES_USER")
	pass := os.Getenv("POSTGRES_PASSWORD")
	name := os.Getenv("POSTGRES_DB")
	port := getEnv("POSTGRES_PORT", "5432")
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s", user, pass, host, port, name)
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func envInt(key string, defaultVal int) (int, error) {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func envFloat(key string, defaultVal float64) (float64, error) {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return f, nil
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
