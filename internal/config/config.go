// Package config handles application configuration.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"

	"github.com/sevir/envbridge/internal/bridge"
	"github.com/sevir/envbridge/pkg/models"
)

// Config holds the application configuration.
type Config struct {
	Worker   WorkerConfig   `json:"worker" yaml:"worker"`
	Bridge   BridgeConfig   `json:"bridge" yaml:"bridge"`
	Game     GameConfig     `json:"game" yaml:"game"`
	Recorder RecorderConfig `json:"recorder" yaml:"recorder"`
	Server   ServerConfig   `json:"server" yaml:"server"`
}

// WorkerConfig describes the supervised worker process.
type WorkerConfig struct {
	Name           string          `json:"name" yaml:"name"`
	Command        string          `json:"command" yaml:"command"`
	Args           []string        `json:"args" yaml:"args"`
	WorkDir        string          `json:"work_dir" yaml:"work_dir"`
	Env            []string        `json:"env" yaml:"env"`
	ReadyPattern   string          `json:"ready_pattern" yaml:"ready_pattern"`
	StartupTimeout models.Duration `json:"startup_timeout" yaml:"startup_timeout"`
	StopGrace      models.Duration `json:"stop_grace" yaml:"stop_grace"`
	LogDir         string          `json:"log_dir" yaml:"log_dir"`
}

// BridgeConfig holds control channel and retry settings.
type BridgeConfig struct {
	ControlHost     string           `json:"control_host" yaml:"control_host"`
	ControlPort     int              `json:"control_port" yaml:"control_port"`
	RequestTimeout  models.Duration  `json:"request_timeout" yaml:"request_timeout"`
	MaxRetries      int              `json:"max_retries" yaml:"max_retries"`
	RetryDelay      models.Duration  `json:"retry_delay" yaml:"retry_delay"`
	RetryMultiplier float64          `json:"retry_multiplier" yaml:"retry_multiplier"`
	MaxRetryDelay   models.Duration  `json:"max_retry_delay" yaml:"max_retry_delay"`
	RestartDelay    models.Duration  `json:"restart_delay" yaml:"restart_delay"`
	WaitTicks       int              `json:"wait_ticks" yaml:"wait_ticks"`
	Endpoints       bridge.Endpoints `json:"endpoints" yaml:"endpoints"`
}

// GameConfig is the session the worker joins on reset.
type GameConfig struct {
	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port"`
}

// RecorderConfig holds event recorder settings.
type RecorderConfig struct {
	Path   string `json:"path" yaml:"path"`
	Resume bool   `json:"resume" yaml:"resume"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port"`
}

// Environment variables that override the game section.
var (
	gameHostEnv = []string{"ENVBRIDGE_GAME_HOST", "MINECRAFT_HOST"}
	gamePortEnv = []string{"ENVBRIDGE_GAME_PORT", "MINECRAFT_PORT"}
)

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	envbridgeDir := filepath.Join(home, ".envbridge")

	return &Config{
		Worker: WorkerConfig{
			Name:           "worker",
			Command:        "envbridge",
			Args:           []string{"stub-worker", "3000"},
			ReadyPattern:   `Server started on port (\d+)`,
			StartupTimeout: models.Duration(30 * time.Second),
			StopGrace:      models.Duration(5 * time.Second),
			LogDir:         filepath.Join(envbridgeDir, "logs"),
		},
		Bridge: BridgeConfig{
			ControlHost:    "127.0.0.1",
			ControlPort:    3000,
			RequestTimeout: models.Duration(600 * time.Second),
			MaxRetries:     3,
			RetryDelay:     models.Duration(2 * time.Second),
			RestartDelay:   models.Duration(time.Second),
			WaitTicks:      models.DefaultWaitTicks,
			Endpoints:      bridge.DefaultEndpoints(),
		},
		Game: GameConfig{
			Host: "localhost",
			Port: 25565,
		},
		Recorder: RecorderConfig{
			Path: filepath.Join(envbridgeDir, "events.json"),
		},
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8766,
		},
	}
}

// Load loads configuration from a file (supports JSON and YAML).
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		home, _ := os.UserHomeDir()
		// Try YAML first, then JSON
		yamlPath := filepath.Join(home, ".envbridge", "config.yaml")
		jsonPath := filepath.Join(home, ".envbridge", "config.json")

		if _, err := os.Stat(yamlPath); err == nil {
			path = yamlPath
		} else if _, err := os.Stat(jsonPath); err == nil {
			path = jsonPath
		} else {
			return cfg, nil
		}
	}
	baseDir := filepath.Dir(path)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if isYAML(path) {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	}

	cfg.Worker.LogDir = resolvePath(cfg.Worker.LogDir, baseDir)
	cfg.Worker.WorkDir = resolvePath(cfg.Worker.WorkDir, baseDir)
	cfg.Recorder.Path = resolvePath(cfg.Recorder.Path, baseDir)

	return cfg, nil
}

// LoadDotEnv loads a .env file into the process environment. A missing file
// is not an error. Variables already set are kept.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides the game section from the environment.
func (c *Config) ApplyEnv() error {
	if host := firstEnv(gameHostEnv); host != "" {
		c.Game.Host = host
	}
	if raw := firstEnv(gamePortEnv); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("invalid game port %q: %w", raw, err)
		}
		c.Game.Port = port
	}
	return nil
}

func firstEnv(names []string) string {
	for _, name := range names {
		if v := strings.TrimSpace(os.Getenv(name)); v != "" {
			return v
		}
	}
	return ""
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Worker.Command) == "" {
		return errors.New("worker.command is required")
	}
	if c.Worker.ReadyPattern == "" {
		return errors.New("worker.ready_pattern is required")
	}
	if _, err := regexp.Compile(c.Worker.ReadyPattern); err != nil {
		return fmt.Errorf("invalid worker.ready_pattern: %w", err)
	}
	if c.Worker.StartupTimeout <= 0 {
		return errors.New("worker.startup_timeout must be positive")
	}
	if c.Bridge.RequestTimeout <= 0 {
		return errors.New("bridge.request_timeout must be positive")
	}
	if c.Bridge.MaxRetries <= 0 {
		return errors.New("bridge.max_retries must be positive")
	}
	if c.Bridge.ControlPort <= 0 || c.Bridge.ControlPort > 65535 {
		return fmt.Errorf("invalid bridge.control_port: %d", c.Bridge.ControlPort)
	}
	if c.Game.Port < 0 || c.Game.Port > 65535 {
		return fmt.Errorf("invalid game.port: %d", c.Game.Port)
	}
	if c.Bridge.WaitTicks < 0 {
		return fmt.Errorf("invalid bridge.wait_ticks: %d", c.Bridge.WaitTicks)
	}
	return nil
}

// Save saves configuration to a file. The format follows the extension.
func (c *Config) Save(path string) error {
	if path == "" {
		home, _ := os.UserHomeDir()
		path = filepath.Join(home, ".envbridge", "config.yaml")
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(c)
	} else {
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// Address returns the server address.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// ControlURL returns the worker's control channel base URL.
func (c *Config) ControlURL() string {
	return fmt.Sprintf("http://%s:%d", c.Bridge.ControlHost, c.Bridge.ControlPort)
}

// ResetDefaults returns the options every reset starts from.
func (c *Config) ResetDefaults() models.ResetOptions {
	return models.ResetOptions{
		Host:      c.Game.Host,
		Port:      c.Game.Port,
		WaitTicks: c.Bridge.WaitTicks,
	}
}

func isYAML(path string) bool {
	lower := strings.ToLower(path)
	return strings.HasSuffix(lower, ".yaml") || strings.HasSuffix(lower, ".yml")
}

// expandHome expands ~ to home directory in paths.
func expandHome(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return path
	}
	if path == "~" {
		home, _ := os.UserHomeDir()
		return home
	}
	if strings.HasPrefix(path, "~/") || strings.HasPrefix(path, "~\\") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// resolvePath expands ~ and resolves relative paths against baseDir.
// If baseDir is empty, relative paths are returned unchanged.
func resolvePath(value, baseDir string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return value
	}
	p := expandHome(value)
	if filepath.IsAbs(p) {
		return p
	}
	if baseDir == "" {
		return p
	}
	return filepath.Clean(filepath.Join(baseDir, p))
}
