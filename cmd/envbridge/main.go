// Package main is the entry point for the envbridge environment bridge.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/sevir/envbridge/internal/bridge"
	"github.com/sevir/envbridge/internal/config"
	"github.com/sevir/envbridge/internal/recorder"
	"github.com/sevir/envbridge/internal/supervisor"
)

var (
	version = "1.0.0"
	commit  = "dev"
)

type globalFlags struct {
	configPath   string
	envFile      string
	logDir       string
	recorderPath string
	resume       bool
}

func main() {
	var flags globalFlags

	root := &cobra.Command{
		Use:           "envbridge",
		Short:         "envbridge - supervised worker process exposed as a step environment",
		Long:          "Launches a worker process, waits for it to become ready and drives it through reset, step, pause, unpause and close over its HTTP control channel.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&flags.configPath, "config", "", "Path to config file")
	root.PersistentFlags().StringVar(&flags.envFile, "env-file", ".env", "Path to .env file")
	root.PersistentFlags().StringVar(&flags.logDir, "log-dir", "", "Directory for worker logs")
	root.PersistentFlags().StringVar(&flags.recorderPath, "recorder", "", "Path to the event history file")
	root.PersistentFlags().BoolVar(&flags.resume, "resume", false, "Continue an existing event history")

	root.AddCommand(
		serveCmd(&flags),
		execCmd(&flags),
		stubWorkerCmd(),
		initCmd(&flags),
		versionCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("envbridge %s (%s)\n", version, commit)
		},
	}
}

func initCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write the default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultConfig()
			if err := cfg.Save(flags.configPath); err != nil {
				return err
			}
			fmt.Println("Configuration initialized")
			return nil
		},
	}
}

// loadConfig applies, in order: config file, .env, environment, flags.
func loadConfig(flags *globalFlags) (*config.Config, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, err
	}
	if err := config.LoadDotEnv(flags.envFile); err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}

	if flags.logDir != "" {
		cfg.Worker.LogDir = flags.logDir
	}
	if flags.recorderPath != "" {
		cfg.Recorder.Path = flags.recorderPath
	}
	if flags.resume {
		cfg.Recorder.Resume = true
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// runtime is one supervised worker with its bridge and recorder.
type runtime struct {
	sup      *supervisor.Supervisor
	bridge   *bridge.Bridge
	recorder *recorder.FileRecorder
}

func newRuntime(cfg *config.Config) (*runtime, error) {
	sup, err := supervisor.New(supervisor.Config{
		Name:           cfg.Worker.Name,
		Command:        cfg.Worker.Command,
		Args:           cfg.Worker.Args,
		WorkDir:        cfg.Worker.WorkDir,
		Env:            cfg.Worker.Env,
		LogDir:         cfg.Worker.LogDir,
		ReadyPattern:   cfg.Worker.ReadyPattern,
		StartupTimeout: cfg.Worker.StartupTimeout.Std(),
		StopGrace:      cfg.Worker.StopGrace.Std(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create supervisor: %w", err)
	}

	rt := &runtime{sup: sup}

	bcfg := bridge.Config{
		Supervisor:      sup,
		Client:          bridge.NewClient(cfg.ControlURL(), cfg.Bridge.RequestTimeout.Std(), cfg.Bridge.Endpoints),
		Defaults:        cfg.ResetDefaults(),
		MaxRetries:      cfg.Bridge.MaxRetries,
		RetryDelay:      cfg.Bridge.RetryDelay.Std(),
		RetryMultiplier: cfg.Bridge.RetryMultiplier,
		MaxRetryDelay:   cfg.Bridge.MaxRetryDelay.Std(),
		RestartDelay:    cfg.Bridge.RestartDelay.Std(),
	}

	if cfg.Recorder.Path != "" {
		rec, err := recorder.NewFileRecorder(cfg.Recorder.Path, cfg.Recorder.Resume)
		if err != nil {
			return nil, fmt.Errorf("failed to open recorder: %w", err)
		}
		rt.recorder = rec
		bcfg.Recorder = rec
		log.Printf("Recording events to %s (session %s, iteration %d)", rec.Path(), rec.SessionID(), rec.Iteration())
	}

	b, err := bridge.New(bcfg)
	if err != nil {
		rt.close()
		return nil, fmt.Errorf("failed to create bridge: %w", err)
	}
	rt.bridge = b

	return rt, nil
}

func (rt *runtime) close() {
	if rt.bridge != nil {
		rt.bridge.Close()
	} else {
		rt.sup.Stop()
	}
	if rt.recorder != nil {
		if err := rt.recorder.Close(); err != nil {
			log.Printf("Recorder close error: %v", err)
		}
	}
}
