package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sevir/envbridge/pkg/models"
)

type execOutput struct {
	Op     string             `json:"op"`
	File   string             `json:"file,omitempty"`
	State  models.BridgeState `json:"state"`
	Result models.StepResult  `json:"result"`
}

func execCmd(flags *globalFlags) *cobra.Command {
	var (
		mode      string
		inventory map[string]int
		equipment []string
		waitTicks int
		task      string
	)

	cmd := &cobra.Command{
		Use:   "exec [code-file...]",
		Short: "Reset the environment and run one step per code file (stdin when none)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}

			steps, err := readSteps(args, cmd.InOrStdin())
			if err != nil {
				return err
			}

			rt, err := newRuntime(cfg)
			if err != nil {
				return err
			}
			defer rt.close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			enc := json.NewEncoder(cmd.OutOrStdout())

			res, err := rt.bridge.Reset(ctx, models.ResetOptions{
				Mode:      models.ResetMode(mode),
				Inventory: inventory,
				Equipment: equipment,
				WaitTicks: waitTicks,
			})
			if err != nil {
				return err
			}
			if err := enc.Encode(execOutput{Op: "reset", State: rt.bridge.State(), Result: res}); err != nil {
				return err
			}

			for _, st := range steps {
				res, err := rt.bridge.Step(ctx, models.StepRequest{Code: st.code, Task: task})
				if err != nil {
					return fmt.Errorf("%s: %w", st.name, err)
				}
				if err := enc.Encode(execOutput{Op: "step", File: st.name, State: rt.bridge.State(), Result: res}); err != nil {
					return err
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&mode, "mode", string(models.ResetHard), "Reset mode: hard or soft")
	cmd.Flags().StringToIntVar(&inventory, "inventory", nil, "Starting inventory as item=count (hard mode only)")
	cmd.Flags().StringSliceVar(&equipment, "equipment", nil, "Starting equipment")
	cmd.Flags().IntVar(&waitTicks, "wait-ticks", 0, "Ticks to wait after reset (default from config)")
	cmd.Flags().StringVar(&task, "task", "", "Task label for recorded steps")
	return cmd
}

type codeStep struct {
	name string
	code string
}

func readSteps(files []string, stdin io.Reader) ([]codeStep, error) {
	if len(files) == 0 {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read stdin: %w", err)
		}
		return []codeStep{{name: "stdin", code: string(data)}}, nil
	}

	steps := make([]codeStep, 0, len(files))
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", f, err)
		}
		steps = append(steps, codeStep{name: f, code: string(data)})
	}
	return steps, nil
}
