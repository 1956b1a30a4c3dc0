package studio

import (
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/Gelotto/zimage-studio/internal/models"
)

// Environment variables that override the config file
const (
	EnvAPIURL    = "ZIMAGE_API_URL"
	EnvAPIKey    = "ZIMAGE_API_KEY"
	EnvOutputDir = "ZIMAGE_OUTPUT_DIR"
	EnvGPU       = "ZIMAGE_GPU"
)

// Config holds studio configuration
type Config struct {
	API        APIConfig        `yaml:"api"`
	Generation GenerationConfig `yaml:"generation"`
	History    HistoryConfig    `yaml:"history"`
	Output     OutputConfig     `yaml:"output"`
	Backend    BackendConfig    `yaml:"backend"`
	Log        LogConfig        `yaml:"log"`
}

// APIConfig holds backend connection settings
type APIConfig struct {
	URL string `yaml:"url"`
	Key string `yaml:"key"`
}

// GenerationConfig holds run settings and the form defaults
type GenerationConfig struct {
	Defaults    models.Params `yaml:"defaults"`
	IdleTimeout time.Duration `yaml:"idle_timeout"` // max silence between stream chunks
	MaxDuration time.Duration `yaml:"max_duration"` // max length of a whole run
	ChunkSize   int           `yaml:"chunk_size"`   // read buffer size in bytes
}

// HistoryConfig holds history panel settings
type HistoryConfig struct {
	Limit int `yaml:"limit"`
}

// OutputConfig holds export settings
type OutputConfig struct {
	Dir string `yaml:"dir"`
}

// BackendConfig describes how to launch a local backend process
type BackendConfig struct {
	Command        string            `yaml:"command"`
	Args           []string          `yaml:"args"`
	Env            map[string]string `yaml:"env"`
	GPU            string            `yaml:"gpu"` // "auto", "none", or a device index
	StartupTimeout time.Duration     `yaml:"startup_timeout"`
	StopTimeout    time.Duration     `yaml:"stop_timeout"`
}

// LogConfig holds logging settings
type LogConfig struct {
	File string `yaml:"file"` // log destination while the TUI owns the terminal
}

// DefaultConfig returns a configuration with every default applied
func DefaultConfig() *Config {
	cfg := &Config{
		Generation: GenerationConfig{Defaults: models.DefaultParams()},
	}
	applyDefaults(cfg)
	return cfg
}

// LoadConfig loads configuration from a YAML file. A missing file yields defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{
		Generation: GenerationConfig{Defaults: models.DefaultParams()},
	}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		log.Printf("Config file %s not found, using defaults", path)
	case err != nil:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyDefaults(cfg)
	applyEnv(cfg)

	return cfg, nil
}

// LoadEnvFile loads KEY=VALUE pairs from a dotenv file into the process
// environment without overriding variables that are already set.
func LoadEnvFile(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.API.URL == "" {
		cfg.API.URL = "http://localhost:8888"
	}
	if cfg.Generation.IdleTimeout == 0 {
		cfg.Generation.IdleTimeout = 2 * time.Minute
	}
	if cfg.Generation.MaxDuration == 0 {
		cfg.Generation.MaxDuration = 15 * time.Minute
	}
	if cfg.Generation.ChunkSize == 0 {
		cfg.Generation.ChunkSize = 32 * 1024
	}
	if cfg.History.Limit == 0 {
		cfg.History.Limit = 10
	}
	if cfg.Output.Dir == "" {
		cfg.Output.Dir = "outputs"
	}
	if cfg.Backend.Command == "" {
		cfg.Backend.Command = "python3"
	}
	if len(cfg.Backend.Args) == 0 {
		cfg.Backend.Args = []string{"backend/main.py"}
	}
	if cfg.Backend.GPU == "" {
		cfg.Backend.GPU = "auto"
	}
	if cfg.Backend.StartupTimeout == 0 {
		cfg.Backend.StartupTimeout = 5 * time.Minute
	}
	if cfg.Backend.StopTimeout == 0 {
		cfg.Backend.StopTimeout = 10 * time.Second
	}
	if cfg.Log.File == "" {
		cfg.Log.File = "zimage-studio.log"
	}
}

func applyEnv(cfg *Config) {
	if v := os.Getenv(EnvAPIURL); v != "" {
		cfg.API.URL = v
	}
	if v := os.Getenv(EnvAPIKey); v != "" {
		cfg.API.Key = v
	}
	if v := os.Getenv(EnvOutputDir); v != "" {
		cfg.Output.Dir = v
	}
	if v := os.Getenv(EnvGPU); v != "" {
		cfg.Backend.GPU = v
	}
}

// Validate checks if the configuration is valid and returns detailed errors
func (c *Config) Validate() error {
	u, err := url.Parse(c.API.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid API URL %q (expected http:// or https://)", c.API.URL)
	}
	if err := c.Generation.Defaults.Validate(); err != nil {
		return fmt.Errorf("invalid generation defaults: %w", err)
	}
	if c.Generation.IdleTimeout < 0 || c.Generation.MaxDuration < 0 {
		return fmt.Errorf("generation timeouts must not be negative")
	}
	if c.Generation.ChunkSize < 1 {
		return fmt.Errorf("generation chunk_size must be positive, got %d", c.Generation.ChunkSize)
	}
	if c.History.Limit < 1 {
		return fmt.Errorf("history limit must be positive, got %d", c.History.Limit)
	}
	if c.Backend.GPU != "auto" && c.Backend.GPU != "none" {
		if _, err := strconv.Atoi(c.Backend.GPU); err != nil {
			return fmt.Errorf("invalid backend gpu %q (expected auto, none or a device index)", c.Backend.GPU)
		}
	}
	return nil
}

// SaveConfig saves the configuration back to a YAML file
func SaveConfig(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
