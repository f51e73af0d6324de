package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sevir/envbridge/internal/workerstub"
)

func stubWorkerCmd() *cobra.Command {
	var (
		host   string
		stub   workerstub.Config
		warmup time.Duration
	)

	cmd := &cobra.Command{
		Use:   "stub-worker PORT",
		Short: "Run a simulated worker on the control channel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			port, err := strconv.Atoi(args[0])
			if err != nil || port < 0 || port > 65535 {
				return fmt.Errorf("invalid port %q", args[0])
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if warmup > 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "Warming up...")
				select {
				case <-time.After(warmup):
				case <-ctx.Done():
					return nil
				}
			}

			addr := net.JoinHostPort(host, strconv.Itoa(port))
			return workerstub.New(stub).Serve(ctx, addr, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&host, "host", "127.0.0.1", "Listen host")
	cmd.Flags().DurationVar(&warmup, "warmup", 0, "Delay before listening")
	cmd.Flags().IntVar(&stub.StartFailures, "start-failures", 0, "Fail the first N start requests")
	cmd.Flags().BoolVar(&stub.DoubleEncode, "double-encode", false, "Return results as JSON-encoded strings")
	cmd.Flags().DurationVar(&stub.StepDelay, "step-delay", 0, "Delay every step response")
	return cmd
}
