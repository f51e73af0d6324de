package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sevir/envbridge/pkg/models"
)

func TestExpandHome_TildeOnly(t *testing.T) {
	home := expandHome("~")
	if home == "" {
		t.Fatalf("expected non-empty home")
	}
}

func TestExpandHome_TildeSlash(t *testing.T) {
	got := expandHome("~/.envbridge/events.json")
	if strings.Contains(got, "~") {
		t.Fatalf("expected no ~ after expansion, got %q", got)
	}
	if !filepath.IsAbs(got) {
		t.Fatalf("expected absolute path after expansion, got %q", got)
	}
}

func TestResolvePath_RelativeAgainstBaseDir(t *testing.T) {
	base := "/tmp/envbridge-config-dir"
	got := resolvePath("events.json", base)
	want := filepath.Clean(filepath.Join(base, "events.json"))
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestResolvePath_AbsoluteUnchanged(t *testing.T) {
	abs := "/var/lib/envbridge/events.json"
	got := resolvePath(abs, "/tmp/whatever")
	if got != abs {
		t.Fatalf("expected %q, got %q", abs, got)
	}
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected default config to be valid, got %v", err)
	}
	if cfg.ControlURL() != "http://127.0.0.1:3000" {
		t.Fatalf("unexpected control url %q", cfg.ControlURL())
	}
	d := cfg.ResetDefaults()
	if d.Host != "localhost" || d.Port != 25565 || d.WaitTicks != 5 {
		t.Fatalf("unexpected reset defaults %+v", d)
	}
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := `
worker:
  command: node
  args: ["index.js", "3000"]
  ready_pattern: 'listening on (\d+)'
  startup_timeout: 5s
  log_dir: logs
bridge:
  control_port: 3100
  request_timeout: 2m
  max_retries: 5
  endpoints:
    step: /act
game:
  host: mc.local
recorder:
  path: history/events.json
  resume: true
`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Worker.Command != "node" || len(cfg.Worker.Args) != 2 {
		t.Fatalf("unexpected worker section %+v", cfg.Worker)
	}
	if cfg.Worker.StartupTimeout.Std() != 5*time.Second {
		t.Fatalf("expected 5s startup timeout, got %s", cfg.Worker.StartupTimeout.Std())
	}
	if cfg.Bridge.RequestTimeout.Std() != 2*time.Minute || cfg.Bridge.MaxRetries != 5 {
		t.Fatalf("unexpected bridge section %+v", cfg.Bridge)
	}
	if cfg.Bridge.Endpoints.Step != "/act" {
		t.Fatalf("expected step endpoint override, got %q", cfg.Bridge.Endpoints.Step)
	}
	// Unset fields keep their defaults.
	if cfg.Bridge.Endpoints.Start != "/start" || cfg.Game.Port != 25565 {
		t.Fatalf("expected defaults to survive, got %+v %+v", cfg.Bridge.Endpoints, cfg.Game)
	}
	if cfg.Worker.LogDir != filepath.Join(dir, "logs") {
		t.Fatalf("expected log dir relative to config, got %q", cfg.Worker.LogDir)
	}
	if cfg.Recorder.Path != filepath.Join(dir, "history", "events.json") || !cfg.Recorder.Resume {
		t.Fatalf("unexpected recorder section %+v", cfg.Recorder)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
}

func TestLoadJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	data := `{"server":{"host":"0.0.0.0","port":9000},"bridge":{"retry_delay":"250ms"}}`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Address() != "0.0.0.0:9000" {
		t.Fatalf("unexpected address %q", cfg.Address())
	}
	if cfg.Bridge.RetryDelay.Std() != 250*time.Millisecond {
		t.Fatalf("expected 250ms retry delay, got %s", cfg.Bridge.RetryDelay.Std())
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Bridge.MaxRetries != 3 {
		t.Fatalf("expected defaults, got %+v", cfg.Bridge)
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	os.WriteFile(path, []byte("worker: [unclosed"), 0644)
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"config.yaml", "config.json"} {
		path := filepath.Join(dir, "nested", name)
		cfg := DefaultConfig()
		cfg.Game.Host = "example.org"
		cfg.Worker.StartupTimeout = models.Duration(45 * time.Second)

		if err := cfg.Save(path); err != nil {
			t.Fatalf("%s: Save failed: %v", name, err)
		}
		loaded, err := Load(path)
		if err != nil {
			t.Fatalf("%s: Load failed: %v", name, err)
		}
		if loaded.Game.Host != "example.org" {
			t.Fatalf("%s: expected host to survive, got %q", name, loaded.Game.Host)
		}
		if loaded.Worker.StartupTimeout.Std() != 45*time.Second {
			t.Fatalf("%s: expected 45s, got %s", name, loaded.Worker.StartupTimeout.Std())
		}
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("ENVBRIDGE_GAME_HOST", "")
	t.Setenv("MINECRAFT_HOST", "mc.example.org")
	t.Setenv("ENVBRIDGE_GAME_PORT", "25570")
	t.Setenv("MINECRAFT_PORT", "1")

	cfg := DefaultConfig()
	if err := cfg.ApplyEnv(); err != nil {
		t.Fatalf("ApplyEnv failed: %v", err)
	}
	if cfg.Game.Host != "mc.example.org" {
		t.Fatalf("expected host from MINECRAFT_HOST, got %q", cfg.Game.Host)
	}
	if cfg.Game.Port != 25570 {
		t.Fatalf("expected ENVBRIDGE_GAME_PORT to win, got %d", cfg.Game.Port)
	}

	t.Setenv("ENVBRIDGE_GAME_PORT", "nope")
	if err := cfg.ApplyEnv(); err == nil {
		t.Fatal("expected error for non-numeric port")
	}
}

func TestLoadDotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("ENVBRIDGE_DOTENV_TEST=from-file\n"), 0644); err != nil {
		t.Fatalf("failed to write .env: %v", err)
	}
	t.Setenv("ENVBRIDGE_DOTENV_TEST", "")
	os.Unsetenv("ENVBRIDGE_DOTENV_TEST")

	if err := LoadDotEnv(path); err != nil {
		t.Fatalf("LoadDotEnv failed: %v", err)
	}
	if got := os.Getenv("ENVBRIDGE_DOTENV_TEST"); got != "from-file" {
		t.Fatalf("expected value from .env, got %q", got)
	}

	if err := LoadDotEnv(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatalf("expected missing .env to be ignored, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty command", func(c *Config) { c.Worker.Command = " " }},
		{"empty pattern", func(c *Config) { c.Worker.ReadyPattern = "" }},
		{"bad pattern", func(c *Config) { c.Worker.ReadyPattern = "(" }},
		{"zero startup", func(c *Config) { c.Worker.StartupTimeout = 0 }},
		{"zero request timeout", func(c *Config) { c.Bridge.RequestTimeout = 0 }},
		{"zero retries", func(c *Config) { c.Bridge.MaxRetries = 0 }},
		{"bad control port", func(c *Config) { c.Bridge.ControlPort = 70000 }},
		{"negative wait ticks", func(c *Config) { c.Bridge.WaitTicks = -1 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}
